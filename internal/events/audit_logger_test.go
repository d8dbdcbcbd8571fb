package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var out []LogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", scanner.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestNewAuditLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("Log file was not created")
	}
}

func TestAuditLogger_Log(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	details := map[string]any{
		"batch_id":     "batch_1700000000_deadbeef",
		"index":        3,
		"action":       "takeoff",
		"resource_key": "drone_1",
		"attempt":      2,
	}
	if err := logger.Log(string(EventCommandCompleted), details); err != nil {
		t.Fatalf("Failed to log entry: %v", err)
	}

	entries := readEntries(t, logPath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != string(EventCommandCompleted) {
		t.Errorf("EventType: got %s", e.EventType)
	}
	if e.BatchID != "batch_1700000000_deadbeef" || e.Action != "takeoff" || e.ResourceKey != "drone_1" {
		t.Errorf("lifted fields mismatch: %+v", e)
	}
	if e.Index == nil || *e.Index != 3 {
		t.Errorf("Index: got %v", e.Index)
	}
	if len(e.Details) != 1 || e.Details["attempt"] != float64(2) {
		t.Errorf("Details: got %v", e.Details)
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := logger.Log(string(EventCommandStarted), map[string]any{"index": w*perWriter + i}); err != nil {
					t.Errorf("log: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	if got := len(readEntries(t, logPath)); got != writers*perWriter {
		t.Errorf("expected %d entries, got %d", writers*perWriter, got)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, 512)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 20; i++ {
		if err := logger.Log(string(EventCommandCompleted), map[string]any{"index": i, "message": "takeoff complete"}); err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archived) == 0 {
		t.Error("expected at least one archived log file")
	}
	if logger.CurrentSize() > 512 {
		t.Errorf("current size %d exceeds max", logger.CurrentSize())
	}
}

func TestAuditLogger_Checksum(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	logger.EnableChecksum(true)

	for i := 0; i < 3; i++ {
		if err := logger.Log(string(EventCommandFailed), map[string]any{"index": i, "error": "timeout"}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	logger.Close()

	total, valid, err := VerifyLogIntegrity(logPath)
	if err != nil {
		t.Fatalf("VerifyLogIntegrity: %v", err)
	}
	if total != 3 || valid != 3 {
		t.Errorf("expected 3/3 valid, got %d/%d", valid, total)
	}

	// tamper with the second entry
	entries := readEntries(t, logPath)
	entries[1].Action = "land"
	f, err := os.Create(logPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		b, _ := json.Marshal(e)
		f.Write(append(b, '\n'))
	}
	f.Close()

	total, valid, err = VerifyLogIntegrity(logPath)
	if err != nil {
		t.Fatalf("VerifyLogIntegrity: %v", err)
	}
	if total != 3 || valid != 2 {
		t.Errorf("expected 2/3 valid after tampering, got %d/%d", valid, total)
	}
}

func TestAuditLogger_Attach(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	bus := NewBus(10)
	defer bus.Close()
	detach := logger.Attach(bus)
	defer detach()

	bus.Publish(EventBatchStarted, map[string]any{"batch_id": "b1"})
	bus.Publish(EventBatchCompleted, map[string]any{"batch_id": "b1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(readEntries(t, logPath)) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("expected 2 audit entries, got %d", len(readEntries(t, logPath)))
}
