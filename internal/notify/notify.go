// Package notify raises desktop notifications for batches that need
// attention: failed commands or rejected requests.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/dronebatch/internal/events"
)

type Sender interface {
	Send(title, message string) error
}

type SenderFunc func(title, message string) error

func (f SenderFunc) Send(title, message string) error {
	return f(title, message)
}

// Desktop returns the platform notifier: osascript on macOS, notify-send
// elsewhere.
func Desktop() Sender {
	if runtime.GOOS == "darwin" {
		return SenderFunc(sendMacOS)
	}
	return SenderFunc(sendNotifySend)
}

func sendMacOS(title, message string) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	return run("osascript", "-e", script)
}

func sendNotifySend(title, message string) error {
	return run("notify-send", "--app-name=dronebatch", title, message)
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Attach sends a notification for every batch that finished with failures
// and every rejected request. The returned func detaches.
func Attach(bus *events.Bus, s Sender, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	send := func(title, message string) {
		if err := s.Send(title, message); err != nil {
			logger.Warn("notification failed", "title", title, "error", err)
		}
	}

	offCompleted := bus.Subscribe(events.EventBatchCompleted, func(e events.Event) {
		failed, _ := e.Data["failed"].(int)
		if failed == 0 {
			return
		}
		skipped, _ := e.Data["skipped"].(int)
		send("dronebatch: batch failed",
			fmt.Sprintf("%v: %d failed, %d skipped", e.Data["batch_id"], failed, skipped))
	})
	offRejected := bus.Subscribe(events.EventBatchRejected, func(e events.Event) {
		send("dronebatch: batch rejected", fmt.Sprintf("%v: %v", e.Data["file"], e.Data["reason"]))
	})
	return func() {
		offCompleted()
		offRejected()
	}
}
