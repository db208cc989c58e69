// Package session owns the per-process capture session: its lifecycle state
// machine, on-disk layout, sync metadata and in-memory store.
package session

import (
	"fmt"
	"time"
)

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Prepared
	Collecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prepared:
		return "prepared"
	case Collecting:
		return "collecting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Role distinguishes the master ("agent zero") from sensor agents.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleMaster Role = "master"
)

// IDLayout is the time layout session ids are derived from.
const IDLayout = "20060102_150405"

// Session is one prepare/start/stop lifecycle.
type Session struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Role  Role   `json:"role"`
	// Device is the capture device name.
	Device string `json:"device"`
	Dir    string `json:"dir"`
	State  State  `json:"state"`

	PreparedAt time.Time `json:"prepared_at"`

	MasterStart    float64 `json:"master_start,omitempty"`
	HasMasterStart bool    `json:"has_master_start"`
	LocalStart     float64 `json:"local_start,omitempty"`
	Offset         float64 `json:"offset"`

	MasterStop    float64 `json:"master_stop,omitempty"`
	HasMasterStop bool    `json:"has_master_stop"`
	LocalStop     float64 `json:"local_stop,omitempty"`
	StopReason    string  `json:"stop_reason,omitempty"`
	Samples       uint64  `json:"samples"`

	SamplePath string `json:"sample_path"`
	SyncPath   string `json:"sync_path"`
}

// Duration is the locally measured collecting time in seconds. Zero until
// the session has stopped.
func (s Session) Duration() float64 {
	if s.State != Stopped || !s.HasMasterStart {
		return 0
	}
	return s.LocalStop - s.LocalStart
}
