package session

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// SyncFileName is the per-session sync metadata file.
const SyncFileName = "sync_info.txt"

// Sync metadata keys.
const (
	KeySessionID      = "session_id"
	KeyRunID          = "run_id"
	KeyRole           = "role"
	KeyDevice         = "device"
	KeyPreparedAt     = "prepared_at"
	KeyMasterStart    = "master_start_timestamp"
	KeyLocalStart     = "local_start_timestamp"
	KeyOffset         = "offset"
	KeyCalibratedAt   = "calibrated_at"
	KeyCommandSent    = "command_sent_timestamp"
	KeyMasterStop     = "master_stop_timestamp"
	KeyLocalStop      = "local_stop_timestamp"
	KeyDuration       = "duration_s"
	KeyStopReason     = "stop_reason"
	KeySamples        = "samples"
	KeyShutdownTimeout ="shutdown_timeout"
)

// SyncFile appends "key: value" lines as the session progresses. Each line
// is synced to disk when written.
type SyncFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// CreateSyncFile creates the sync file at path.
func CreateSyncFile(path string) (*SyncFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sync file: %w", err)
	}
	return &SyncFile{path: path, f: f}, nil
}

// Path returns the file location.
func (s *SyncFile) Path() string {
	return s.path
}

// Set appends one key.
func (s *SyncFile) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("sync file %s closed", s.path)
	}
	if _, err := fmt.Fprintf(s.f, "%s: %s\n", key, value); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return s.f.Sync()
}

// SetSeconds appends a timestamp or duration with microsecond precision.
func (s *SyncFile) SetSeconds(key string, v float64) error {
	return s.Set(key, strconv.FormatFloat(v, 'f', 6, 64))
}

// Close closes the file. Idempotent.
func (s *SyncFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadSyncFile parses a sync file back into a map. Later keys win.
func ReadSyncFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ": ")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, sc.Err()
}
