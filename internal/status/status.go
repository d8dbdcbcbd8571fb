// Package status reports on a dronebatch root whether or not its daemon is
// running: spool directory depths, recent results and live daemon counters.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/dronebatch/internal/daemon"
	"github.com/msageha/dronebatch/internal/events"
	"github.com/msageha/dronebatch/internal/lock"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/uds"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

// DefaultRecent is how many results Collect lists.
const DefaultRecent = 5

type Report struct {
	Root   string                 `json:"root"`
	Daemon DaemonStatus           `json:"daemon"`
	Live   *daemon.StatusResponse `json:"live,omitempty"`
	Spool  SpoolStatus            `json:"spool"`
	Recent []ResultStatus         `json:"recent,omitempty"`
	Audit  *AuditStatus           `json:"audit,omitempty"`
}

// AuditStatus counts audit log entries; Valid excludes entries whose checksum
// does not match.
type AuditStatus struct {
	Entries int `json:"entries"`
	Valid   int `json:"valid"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	// PID comes from the lock file; when Running is false it is a stale lock.
	PID int `json:"pid,omitempty"`
}

type SpoolStatus struct {
	Inbox      int `json:"inbox"`
	Results    int `json:"results"`
	Degraded   int `json:"degraded"`
	Done       int `json:"done"`
	Quarantine int `json:"quarantine"`
}

type ResultStatus struct {
	BatchID    string    `json:"batch_id"`
	Request    string    `json:"request"`
	Degraded   bool      `json:"degraded"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	ModTime    time.Time `json:"mod_time"`
}

// Collect inspects root. Unreadable result files are logged and skipped.
func Collect(root string, recent int) Report {
	r := Report{Root: root}

	sockPath := filepath.Join(root, uds.DefaultSocketName)
	r.Daemon, r.Live = checkDaemon(sockPath)
	if pid, ok := lock.ReadPID(filepath.Join(root, daemon.LocksDir, "daemon.lock")); ok {
		r.Daemon.PID = pid
	}

	r.Spool.Inbox = countFiles(filepath.Join(root, daemon.InboxDir), ".yaml", ".yml")
	r.Spool.Done = countFiles(filepath.Join(root, daemon.DoneDir), ".yaml", ".yml")
	r.Spool.Quarantine = countFiles(filepath.Join(root, daemon.QuarantineDir), ".corrupt")

	results := readResults(filepath.Join(root, daemon.ResultsDir))
	r.Spool.Results = len(results)
	for _, res := range results {
		if res.Degraded {
			r.Spool.Degraded++
		}
	}
	if recent > 0 && len(results) > recent {
		results = results[:recent]
	}
	r.Recent = results

	if total, valid, err := events.VerifyLogIntegrity(filepath.Join(root, daemon.LogsDir, daemon.AuditLogFile)); err == nil {
		r.Audit = &AuditStatus{Entries: total, Valid: valid}
	}
	return r
}

func checkDaemon(sockPath string) (DaemonStatus, *daemon.StatusResponse) {
	client := uds.NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	var live daemon.StatusResponse
	if err := client.Call(daemon.CmdStatus, nil, &live); err != nil {
		return DaemonStatus{Running: false}, nil
	}
	return DaemonStatus{Running: true}, &live
}

func countFiles(dir string, suffixes ...string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		for _, s := range suffixes {
			if strings.HasSuffix(e.Name(), s) {
				n++
				break
			}
		}
	}
	return n
}

// readResults returns result summaries, newest first.
func readResults(dir string) []ResultStatus {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []ResultStatus
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		var f model.BatchResultFile
		if err := yamlutil.LoadFile(path, yamlutil.FileTypeBatchResult, &f); err != nil {
			slog.Warn("status: skip unreadable result", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, ResultStatus{
			BatchID:    f.Result.BatchID,
			Request:    f.Request,
			Degraded:   f.Degraded,
			Successful: f.Result.Summary.Successful,
			Failed:     f.Result.Summary.Failed,
			Skipped:    f.Result.Summary.Skipped,
			ModTime:    info.ModTime(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out
}

func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func Print(w io.Writer, r Report) {
	switch {
	case r.Daemon.Running:
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.PID)
	case r.Daemon.PID != 0:
		fmt.Fprintf(w, "Daemon: stopped (stale lock, pid %d)\n", r.Daemon.PID)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if r.Live != nil {
		fmt.Fprintf(w, "Rules:  %s (%d)\n", r.Live.RulesVersion, r.Live.Rules)
		fmt.Fprintf(w, "Batches: running=%d accepted=%d completed=%d degraded=%d rejected=%d\n",
			r.Live.Spool.Running, r.Live.Spool.Accepted, r.Live.Spool.Completed, r.Live.Spool.Degraded, r.Live.Spool.Rejected)
		fmt.Fprintf(w, "Plan cache: size=%d hits=%d misses=%d\n", r.Live.PlanCache.Size, r.Live.PlanCache.Hits, r.Live.PlanCache.Misses)
	}

	fmt.Fprintln(w, "\nSpool:")
	fmt.Fprintf(w, "  %-11s %5d\n", "inbox", r.Spool.Inbox)
	fmt.Fprintf(w, "  %-11s %5d (%d degraded)\n", "results", r.Spool.Results, r.Spool.Degraded)
	fmt.Fprintf(w, "  %-11s %5d\n", "done", r.Spool.Done)
	fmt.Fprintf(w, "  %-11s %5d\n", "quarantine", r.Spool.Quarantine)

	if r.Audit != nil {
		fmt.Fprintf(w, "  %-11s %5d", "audit", r.Audit.Entries)
		if bad := r.Audit.Entries - r.Audit.Valid; bad > 0 {
			fmt.Fprintf(w, " (%d tampered)", bad)
		}
		fmt.Fprintln(w)
	}

	if len(r.Recent) > 0 {
		fmt.Fprintln(w, "\nRecent:")
		fmt.Fprintf(w, "  %-28s  %4s  %6s  %7s  %s\n", "BATCH", "OK", "FAILED", "SKIPPED", "")
		for _, res := range r.Recent {
			flag := ""
			if res.Degraded {
				flag = "degraded"
			}
			fmt.Fprintf(w, "  %-28s  %4d  %6d  %7d  %s\n", res.BatchID, res.Successful, res.Failed, res.Skipped, flag)
		}
	}
}
