package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-sync/internal/capture"
	"github.com/e7canasta/orion-sync/internal/clock"
	"github.com/e7canasta/orion-sync/internal/control"
)

// Publisher receives every status change. Publish must not block.
type Publisher interface {
	Publish(Status)
}

// Recorder persists session records outside the process.
type Recorder interface {
	Record(ctx context.Context, s Session) error
}

// Status is the observable summary of the manager: current state, the last
// error and elapsed collecting time.
type Status struct {
	Instance    string        `json:"instance,omitempty"`
	Role        Role          `json:"role"`
	Device      string        `json:"device"`
	State       State         `json:"state"`
	SessionID   string        `json:"session_id,omitempty"`
	RunID       string        `json:"run_id,omitempty"`
	Offset      float64       `json:"offset"`
	LocalStart  float64       `json:"local_start,omitempty"`
	LocalStop   float64       `json:"local_stop,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Samples     uint64        `json:"samples"`
	StopReason  string        `json:"stop_reason,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	DeviceError bool          `json:"device_error"`
	At          time.Time     `json:"at"`
}

// Config configures a Manager.
type Config struct {
	Instance string
	Role     Role
	DataDir  string
	Device   capture.Device
	Clock    clock.Clock

	// QueueSize bounds pending events. Defaults to 32.
	QueueSize int
	// StopTimeout bounds the wait for the capture loop to exit. Defaults to 5s.
	StopTimeout time.Duration

	MaxConsecutiveErrors int
	ErrorBackoff         time.Duration
	PollInterval         time.Duration
	// MaxDuration makes the capture loop stop itself. Zero disables.
	MaxDuration time.Duration

	Publisher Publisher
	Recorder  Recorder
	Logger    *slog.Logger
}

// Manager is the session state machine. Every transition runs on the Run
// goroutine; producers only enqueue events.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	store  *Store
	events chan Event

	running atomic.Bool

	// Owned by the Run goroutine.
	state       State
	sess        *Session
	handle      *capture.OnceCloser
	sink        capture.Sink
	sync        *SyncFile
	loop        *capture.Loop
	lingering   *capture.Loop
	lastError   string
	deviceError bool

	mu     sync.RWMutex
	snap   Status
	active *capture.Loop
}

// NewManager validates cfg and returns an idle manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("session: manager requires a capture device")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("session: manager requires a data directory")
	}
	if cfg.Role == "" {
		cfg.Role = RoleAgent
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "session-manager", "role", string(cfg.Role)),
		clock:  cfg.Clock,
		store:  NewStore(),
		events: make(chan Event, cfg.QueueSize),
	}
	m.snapshot()
	return m, nil
}

// Store returns the in-memory session store.
func (m *Manager) Store() *Store {
	return m.store
}

// Handle enqueues ev, blocking until there is room or ctx is done.
func (m *Manager) Handle(ctx context.Context, ev Event) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryHandle enqueues ev without blocking. It returns false when the queue is
// full.
func (m *Manager) TryHandle(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		return false
	}
}

// Dispatch adapts the manager to control.DispatchFunc.
func (m *Manager) Dispatch(r control.Received) bool {
	return m.TryHandle(FromReceived(r))
}

// Status returns the current status with live elapsed time and sample
// count.
func (m *Manager) Status() Status {
	m.mu.RLock()
	st := m.snap
	active := m.active
	m.mu.RUnlock()

	switch st.State {
	case Collecting:
		st.Elapsed = secondsToDuration(clock.Seconds(m.clock.Now()) - st.LocalStart)
		if active != nil {
			st.Samples = active.Samples()
		}
	case Stopped:
		st.Elapsed = secondsToDuration(st.LocalStop - st.LocalStart)
	}
	return st
}

// Ready reports whether the last prepare could acquire the device.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.snap.DeviceError
}

// Run processes events until ctx is cancelled, then tears down any active
// session. It returns an error only if called twice.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session: manager already running")
	}

	m.logger.Info("session manager started", "device", m.cfg.Device.Name(), "data_dir", m.cfg.DataDir)
	m.publish()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			m.logger.Info("session manager stopped")
			return nil
		case ev := <-m.events:
			m.dispatch(ev)
		case <-m.loopDone():
			m.onLoopExit()
		}
	}
}

func (m *Manager) loopDone() <-chan struct{} {
	if m.loop == nil {
		return nil
	}
	return m.loop.Done()
}

func (m *Manager) dispatch(ev Event) {
	switch ev.Kind {
	case EventPrepare:
		m.prepare(ev)
	case EventStart:
		m.start(ev)
	case EventStop:
		m.stop(ev)
	case EventDecodeError:
		m.logger.Warn("malformed command ignored",
			"source", ev.Source,
			"state", m.state.String(),
			"session_id", m.sessionID(),
			"error", ev.Err,
		)
		m.lastError = errString(ev.Err)
		m.publish()
	default:
		m.logger.Warn("unknown event ignored", "kind", int(ev.Kind))
	}
}

func (m *Manager) violation(ev Event) {
	err := &ViolationError{Verb: ev.Kind.String(), State: m.state}
	m.logger.Warn("command ignored",
		"source", ev.Source,
		"state", m.state.String(),
		"session_id", m.sessionID(),
		"error", err,
	)
	m.lastError = err.Error()
	m.publish()
}

func (m *Manager) prepare(ev Event) {
	if m.state == Prepared || m.state == Collecting {
		m.violation(ev)
		return
	}
	m.awaitLingering()

	now := m.clock.Now()
	h, err := m.cfg.Device.Open()
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		m.logger.Error("prepare failed", "device", m.cfg.Device.Name(), "error", err)
		m.state = Idle
		m.sess = nil
		m.deviceError = true
		m.lastError = err.Error()
		m.publish()
		return
	}
	m.deviceError = false

	sess, sink, sf, err := m.allocate(now)
	if err != nil {
		if cerr := h.Close(); cerr != nil {
			m.logger.Warn("failed to release capture device", "error", cerr)
		}
		m.logger.Error("prepare failed", "error", err)
		m.state = Idle
		m.sess = nil
		m.lastError = err.Error()
		m.publish()
		return
	}

	m.handle = capture.NewOnceCloser(h)
	m.sink = sink
	m.sync = sf
	m.sess = sess
	m.state = Prepared
	m.lastError = ""
	m.commit()

	m.logger.Info("session prepared",
		"session_id", sess.ID,
		"run_id", sess.RunID,
		"dir", sess.Dir,
		"source", ev.Source,
	)
	m.publish()
}

// allocate creates the session directory, sample sink and sync file.
func (m *Manager) allocate(now time.Time) (*Session, capture.Sink, *SyncFile, error) {
	id := m.newID(now)
	dir := filepath.Join(m.cfg.DataDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create session dir: %w", err)
	}

	dev := m.cfg.Device
	samplePath := filepath.Join(dir, dev.Name()+"_data.csv")
	sink, err := capture.CreateCSVSink(samplePath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := sink.WriteHeader(capture.Header(dev)); err != nil {
		sink.Close()
		return nil, nil, nil, fmt.Errorf("write sample header: %w", err)
	}

	sf, err := CreateSyncFile(filepath.Join(dir, SyncFileName))
	if err != nil {
		sink.Close()
		return nil, nil, nil, err
	}

	sess := &Session{
		ID:         id,
		RunID:      uuid.NewString(),
		Role:       m.cfg.Role,
		Device:     dev.Name(),
		Dir:        dir,
		State:      Prepared,
		PreparedAt: now,
		SamplePath: samplePath,
		SyncPath:   sf.Path(),
	}

	for _, kv := range [][2]string{
		{KeySessionID, sess.ID},
		{KeyRunID, sess.RunID},
		{KeyRole, string(sess.Role)},
		{KeyDevice, sess.Device},
		{KeyPreparedAt, strconv.FormatFloat(clock.Seconds(now), 'f', 6, 64)},
	} {
		if err := sf.Set(kv[0], kv[1]); err != nil {
			sink.Close()
			sf.Close()
			return nil, nil, nil, err
		}
	}
	return sess, sink, sf, nil
}

// newID derives the session id from now, suffixing it when an id from the
// same second already exists.
func (m *Manager) newID(now time.Time) string {
	base := now.Format(IDLayout)
	id := base
	for n := 2; m.idTaken(id); n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	return id
}

func (m *Manager) idTaken(id string) bool {
	if m.store.Has(id) {
		return true
	}
	_, err := os.Stat(filepath.Join(m.cfg.DataDir, id))
	return err == nil
}

func (m *Manager) start(ev Event) {
	if m.state != Prepared {
		m.violation(ev)
		return
	}

	at := ev.ReceivedAt
	if at.IsZero() {
		at = m.clock.Now()
	}
	timing := capture.Timing{
		LocalStart:  clock.Seconds(at),
		MasterStart: ev.MasterTimestamp,
	}
	offset := clock.Offset(timing.LocalStart, timing.MasterStart)

	m.setSync(KeyMasterStart, timing.MasterStart)
	m.setSync(KeyLocalStart, timing.LocalStart)
	m.setSync(KeyOffset, offset)
	if err := m.sync.Set(KeyCalibratedAt, at.UTC().Format(time.RFC3339Nano)); err != nil {
		m.logger.Warn("sync metadata write failed", "key", KeyCalibratedAt, "error", err)
	}
	if ev.CommandSentAt != 0 {
		m.setSync(KeyCommandSent, ev.CommandSentAt)
	}

	loop, err := capture.StartLoop(context.Background(), capture.LoopConfig{
		Handle:               m.handle,
		Sink:                 m.sink,
		Clock:                m.clock,
		Timing:               timing,
		MaxDuration:          m.cfg.MaxDuration,
		MaxConsecutiveErrors: m.cfg.MaxConsecutiveErrors,
		ErrorBackoff:         m.cfg.ErrorBackoff,
		PollInterval:         m.cfg.PollInterval,
		Logger:               m.logger.With("session_id", m.sess.ID),
	})
	if err != nil {
		m.logger.Error("capture loop failed to start", "session_id", m.sess.ID, "error", err)
		m.lastError = err.Error()
		m.publish()
		return
	}

	m.loop = loop
	m.sess.MasterStart = timing.MasterStart
	m.sess.HasMasterStart = true
	m.sess.LocalStart = timing.LocalStart
	m.sess.Offset = offset
	m.state = Collecting
	m.lastError = ""
	m.commit()

	m.logger.Info("session collecting",
		"session_id", m.sess.ID,
		"master_start", timing.MasterStart,
		"local_start", timing.LocalStart,
		"offset", offset,
		"source", ev.Source,
	)
	m.publish()
}

func (m *Manager) stop(ev Event) {
	if m.state != Collecting {
		m.violation(ev)
		return
	}

	at := ev.ReceivedAt
	if at.IsZero() {
		at = m.clock.Now()
	}

	loop := m.loop
	loop.Stop()
	res, ok := loop.Wait(m.cfg.StopTimeout)
	if !ok {
		err := fmt.Errorf("%w after %s", ErrShutdownTimeout, m.cfg.StopTimeout)
		m.logger.Warn("capture loop did not exit, forcing teardown",
			"session_id", m.sess.ID,
			"timeout", m.cfg.StopTimeout,
			"error", err,
		)
		// Closing the handle unblocks most stuck reads; the loop is awaited
		// again before the next prepare.
		if cerr := m.handle.Close(); cerr != nil {
			m.logger.Warn("failed to release capture device", "error", cerr)
		}
		m.lingering = loop
		res = capture.Result{Reason: capture.StopRequested, Samples: loop.Samples(), Err: err}
	}

	var masterStop *float64
	if ev.HasTimestamp {
		v := ev.MasterTimestamp
		masterStop = &v
	}
	m.finish(res, masterStop, at, ev.Source)
}

func (m *Manager) onLoopExit() {
	res := m.loop.Result()
	m.logger.Info("capture loop ended on its own",
		"session_id", m.sess.ID,
		"reason", res.Reason.String(),
		"error", res.Err,
	)
	m.finish(res, nil, m.clock.Now(), "capture-loop")
}

// finish writes the stop metadata, releases the device and sink, and moves
// to Stopped.
func (m *Manager) finish(res capture.Result, masterStop *float64, at time.Time, source string) {
	m.loop = nil

	if err := m.handle.Close(); err != nil {
		m.logger.Warn("failed to release capture device", "error", err)
	}
	m.handle = nil
	if err := m.sink.Close(); err != nil {
		m.logger.Warn("failed to close sample sink", "error", err)
	}
	m.sink = nil

	sess := m.sess
	sess.LocalStop = clock.Seconds(at)
	sess.StopReason = res.Reason.String()
	sess.Samples = res.Samples
	if masterStop != nil {
		sess.MasterStop = *masterStop
		sess.HasMasterStop = true
		m.setSync(KeyMasterStop, *masterStop)
	}
	m.setSync(KeyLocalStop, sess.LocalStop)
	m.setSync(KeyDuration, sess.LocalStop-sess.LocalStart)
	if err := m.sync.Set(KeyStopReason, sess.StopReason); err != nil {
		m.logger.Warn("sync metadata write failed", "key", KeyStopReason, "error", err)
	}
	if err := m.sync.Set(KeySamples, strconv.FormatUint(sess.Samples, 10)); err != nil {
		m.logger.Warn("sync metadata write failed", "key", KeySamples, "error", err)
	}
	if errors.Is(res.Err, ErrShutdownTimeout) {
		if err := m.sync.Set(KeyShutdownTimeout, "true"); err != nil {
			m.logger.Warn("sync metadata write failed", "key", KeyShutdownTimeout, "error", err)
		}
	}
	if err := m.sync.Close(); err != nil {
		m.logger.Warn("failed to close sync file", "error", err)
	}
	m.sync = nil

	m.state = Stopped
	m.lastError = errString(res.Err)
	m.commit()

	m.logger.Info("session stopped",
		"session_id", sess.ID,
		"reason", sess.StopReason,
		"samples", sess.Samples,
		"duration_s", sess.LocalStop-sess.LocalStart,
		"master_stop", masterStop != nil,
		"source", source,
	)
	m.publish()
}

func (m *Manager) shutdown() {
	switch m.state {
	case Collecting:
		m.stop(Event{Kind: EventStop, Source: "shutdown"})
	case Prepared:
		m.logger.Info("releasing prepared session", "session_id", m.sessionID())
		if err := m.handle.Close(); err != nil {
			m.logger.Warn("failed to release capture device", "error", err)
		}
		if err := m.sink.Close(); err != nil {
			m.logger.Warn("failed to close sample sink", "error", err)
		}
		if err := m.sync.Close(); err != nil {
			m.logger.Warn("failed to close sync file", "error", err)
		}
		m.handle, m.sink, m.sync = nil, nil, nil
	}
	m.awaitLingering()
}

// awaitLingering waits, bounded, for a loop abandoned by a timed-out stop.
func (m *Manager) awaitLingering() {
	if m.lingering == nil {
		return
	}
	if _, ok := m.lingering.Wait(m.cfg.StopTimeout); !ok {
		m.logger.Warn("previous capture loop still running", "error", ErrShutdownTimeout)
		return
	}
	m.lingering = nil
}

func (m *Manager) setSync(key string, v float64) {
	if m.sync == nil {
		return
	}
	if err := m.sync.SetSeconds(key, v); err != nil {
		m.logger.Warn("sync metadata write failed", "key", key, "error", err)
	}
}

// commit stores the current session and mirrors it to the recorder.
func (m *Manager) commit() {
	m.sess.State = m.state
	m.store.Put(*m.sess)

	if m.cfg.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.cfg.Recorder.Record(ctx, *m.sess); err != nil {
		m.logger.Warn("failed to record session", "session_id", m.sess.ID, "error", err)
	}
}

func (m *Manager) sessionID() string {
	if m.sess == nil {
		return ""
	}
	return m.sess.ID
}

// snapshot refreshes the status read by other goroutines.
func (m *Manager) snapshot() {
	st := Status{
		Instance:    m.cfg.Instance,
		Role:        m.cfg.Role,
		Device:      m.cfg.Device.Name(),
		State:       m.state,
		LastError:   m.lastError,
		DeviceError: m.deviceError,
		At:          m.clock.Now(),
	}
	if s := m.sess; s != nil {
		st.SessionID = s.ID
		st.RunID = s.RunID
		st.Offset = s.Offset
		st.LocalStart = s.LocalStart
		st.LocalStop = s.LocalStop
		st.Samples = s.Samples
		st.StopReason = s.StopReason
	}

	m.mu.Lock()
	m.snap = st
	m.active = m.loop
	m.mu.Unlock()
}

func (m *Manager) publish() {
	m.snapshot()
	if m.cfg.Publisher != nil {
		m.cfg.Publisher.Publish(m.Status())
	}
}

func secondsToDuration(s float64) time.Duration {
	if s < 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
