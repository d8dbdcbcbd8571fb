package events

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	BatchID     string         `json:"batch_id,omitempty"`
	Index       *int           `json:"index,omitempty"`
	Action      string         `json:"action,omitempty"`
	ResourceKey string         `json:"resource_key,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
}

// AuditLogger appends JSONL entries and rotates the file into archive/ once it
// exceeds maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := logger.openLogFile(); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Log writes an entry, lifting batch_id, index, action and resource_key out
// of details when present.
func (l *AuditLogger) Log(eventType string, details map[string]any) error {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   make(map[string]any, len(details)),
	}

	for k, v := range details {
		switch k {
		case "batch_id":
			if s, ok := v.(string); ok {
				entry.BatchID = s
				continue
			}
		case "index":
			if i, ok := v.(int); ok {
				entry.Index = &i
				continue
			}
		case "action":
			if s, ok := v.(string); ok {
				entry.Action = s
				continue
			}
		case "resource_key":
			if s, ok := v.(string); ok {
				entry.ResourceKey = s
				continue
			}
		}
		entry.Details[k] = v
	}
	if len(entry.Details) == 0 {
		entry.Details = nil
	}

	return l.WriteEntry(&entry)
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enableChecksum {
		entry.Checksum = checksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

// Attach logs every bus event until the returned func is called.
func (l *AuditLogger) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := l.Log(string(e.Type), e.Data); err != nil {
			slog.Warn("audit log write failed", "event", e.Type, "error", err)
		}
	})
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), l.rotationCounter, LogFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}
	return nil
}

func checksum(entry *LogEntry) string {
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity returns (total, valid) entry counts. Entries without a
// checksum count as valid; malformed lines are skipped.
func VerifyLogIntegrity(logPath string) (int, int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	decoder := json.NewDecoder(file)
	total, valid := 0, 0
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			break
		}
		total++
		if entry.Checksum == "" || checksum(&entry) == entry.Checksum {
			valid++
		}
	}
	return total, valid, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
