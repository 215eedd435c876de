package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/config"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
)

var log = logging.L("audit")

// Event types written to the audit file.
const (
	EventCallReceived  = "call_received"
	EventCallCompleted = "call_completed"
	EventStateChanged  = "state_changed"
	EventRebootRequest = "reboot_requested"
	EventServiceStart  = "service_start"
	EventServiceStop   = "service_stop"
	EventConfigChange  = "config_change"
	EventLogRotated    = "log_rotated"
)

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventRebootRequest: true,
	EventServiceStart:  true,
	EventServiceStop:   true,
	EventConfigChange:  true,
}

// Entry is one audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	CommandID string         `json:"commandId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes tamper-evident JSONL with a SHA-256 hash chain. After a
// rotation the new file starts with an EventLogRotated entry whose prevHash
// links to the last entry of the old file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger creates a logger writing to {dataDir}/audit.jsonl.
func NewLogger(cfg *config.Config) (*Logger, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}

	maxSize := cfg.AuditMaxSizeMB
	if maxSize <= 0 {
		maxSize = 20
	}
	maxBackups := cfg.AuditMaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(dataDir, "audit.jsonl"),
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   "genesis",
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", l.filePath)
	return l, nil
}

// Path returns the active audit file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log appends one entry. The chain advances only after a successful write,
// so a failed write leaves the next entry linked to the same prevHash.
// A nil Logger discards everything.
func (l *Logger) Log(eventType, commandID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		CommandID: commandID,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	hash, err := computeHash(entry)
	if err != nil {
		log.Error("failed to compute audit entry hash", "error", err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		log.Error("failed to marshal audit entry", "error", err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err.Error())
			l.dropped.Add(1)
			return
		}
		// the sentinel moved the chain
		entry.PrevHash = l.prevHash
		if entry.EntryHash, err = computeHash(entry); err != nil {
			l.dropped.Add(1)
			return
		}
		if data, err = json.Marshal(entry); err != nil {
			l.dropped.Add(1)
			return
		}
		data = append(data, '\n')
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", "error", err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync critical audit entry", "error", err.Error(), "eventType", eventType)
		}
	}
}

// Close closes the audit file. Safe on a nil Logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1 for
// a nil Logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash hashes length-prefixed fields so no field can spill into the
// next one.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.CommandID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify re-hashes entries and checks every prevHash link. It returns the
// index of the first broken entry, or -1.
func Verify(entries []Entry) int {
	for i, e := range entries {
		want, err := computeHash(Entry{
			Timestamp: e.Timestamp,
			EventType: e.EventType,
			CommandID: e.CommandID,
			Details:   e.Details,
			PrevHash:  e.PrevHash,
		})
		if err != nil || want != e.EntryHash {
			return i
		}
		if i > 0 && e.PrevHash != entries[i-1].EntryHash {
			return i
		}
	}
	return -1
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prev := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups; i >= 2; i-- {
		src, dst := l.backupName(i-1), l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: failed to remove oldest backup", "path", dst, "error", err.Error())
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "src", src, "dst", dst, "error", err.Error())
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current log", "error", err.Error())
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prev,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	hash, err := computeHash(sentinel)
	if err != nil {
		return l.breakChain(err)
	}
	sentinel.EntryHash = hash

	data, err := json.Marshal(sentinel)
	if err != nil {
		return l.breakChain(err)
	}
	n, err := l.file.Write(append(data, '\n'))
	if err != nil {
		return l.breakChain(err)
	}
	l.written += int64(n)
	l.prevHash = sentinel.EntryHash
	return nil
}

// breakChain records a lost sentinel. The rotation itself succeeded.
func (l *Logger) breakChain(err error) error {
	log.Error("rotation sentinel lost, hash chain broken", "error", err.Error())
	l.dropped.Add(1)
	l.prevHash = "chain-broken"
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}
