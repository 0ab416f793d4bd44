package buzzworker

import (
	"context"
	"sync"
	"sync/atomic"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

// State is the worker lifecycle state.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled // waiting, when an earlier version is still active
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// UpdateEvent tells pages how far the worker got.
type UpdateEvent string

const (
	// UpdateOfflineReady: the first version is active with its precache.
	UpdateOfflineReady UpdateEvent = "offline-ready"
	// UpdateNeedRefresh: a new version is installed and waits for SkipWaiting.
	UpdateNeedRefresh UpdateEvent = "need-refresh"
	// UpdateControllerChange: a new version took over; pages reload.
	UpdateControllerChange UpdateEvent = "controller-change"
)

// UpdateListener receives update events with the configured worker version.
type UpdateListener func(ev UpdateEvent, version string)

var ErrNotWaiting = errors.New("no worker is waiting")

type lifecycle struct {
	state atomic.Int32

	// inherited is set while an earlier activated version keeps serving
	// until this one activates.
	inherited atomic.Bool
	waiting   atomic.Bool

	startOnce sync.Once
	startErr  error
	report    InstallReport

	settled chan struct{} // closed once activated, waiting or redundant
}

func (l *lifecycle) State() State { return State(l.state.Load()) }

// Controlling reports whether fetches are intercepted.
func (l *lifecycle) Controlling() bool {
	switch l.State() {
	case StateActivated:
		return true
	case StateActivating:
		return false
	default:
		return l.inherited.Load()
	}
}

// Waiting reports whether an installed version waits for SkipWaiting.
func (l *lifecycle) Waiting() bool { return l.waiting.Load() }

// OnUpdate sets the listener for update events.
func (s *Service) OnUpdate(fn UpdateListener) {
	s.updateMu.Lock()
	s.onUpdate = fn
	s.updateMu.Unlock()
}

// Start runs install then activate exactly once. Concurrent and later callers
// get the result of that single run. With registerType prompt, a version
// that replaces an active one stops after install and waits for SkipWaiting.
func (s *Service) Start(ctx context.Context) (InstallReport, error) {
	s.startOnce.Do(func() {
		s.report, s.startErr = s.run(ctx)
	})
	return s.report, s.startErr
}

func (s *Service) run(ctx context.Context) (InstallReport, error) {
	defer close(s.settled)

	prev, hadPrev := s.store.State("version")
	upgrade := hadPrev && prev != s.cfg.Worker.Version
	s.inherited.Store(hadPrev)

	s.setState(StateInstalling)
	report, err := s.Install(ctx)
	if err != nil {
		s.setState(StateRedundant)
		return report, errors.Mark(errors.Wrap(err, "install"), errors.ErrRegistrationFailed)
	}

	if upgrade && s.cfg.Worker.RegisterType == RegisterPrompt {
		s.waiting.Store(true)
		s.setState(StateInstalled)
		s.log.Infow("new version waiting", logger.FieldVersion, s.cfg.Worker.Version, logger.FieldActiveVersion, prev)
		s.notify(UpdateNeedRefresh)
		return report, nil
	}
	s.setState(StateInstalled)

	if err := s.activate(ctx); err != nil {
		return report, err
	}
	switch {
	case upgrade:
		s.notify(UpdateControllerChange)
	case !hadPrev:
		s.notify(UpdateOfflineReady)
	}
	return report, nil
}

// SkipWaiting activates a waiting version. It fails with ErrNotWaiting when
// nothing waits.
func (s *Service) SkipWaiting(ctx context.Context) error {
	if !s.waiting.CompareAndSwap(true, false) {
		return ErrNotWaiting
	}
	if err := s.activate(ctx); err != nil {
		return err
	}
	s.notify(UpdateControllerChange)
	return nil
}

func (s *Service) activate(ctx context.Context) error {
	s.setState(StateActivating)
	if err := s.Activate(ctx); err != nil {
		s.inherited.Store(false)
		s.setState(StateRedundant)
		return errors.Mark(errors.Wrap(err, "activate"), errors.ErrRegistrationFailed)
	}
	s.setState(StateActivated)
	return nil
}

// Ready blocks until the worker settled and reports whether it controls
// fetches: activated, or waiting behind an earlier version that does. It
// fails when the worker became redundant or ctx ended first.
func (s *Service) Ready(ctx context.Context) error {
	select {
	case <-s.settled:
	case <-ctx.Done():
		return errors.Mark(errors.Wrap(ctx.Err(), "waiting for worker"), errors.ErrRegistrationFailed)
	}
	if !s.Controlling() {
		return errors.Mark(errors.Newf("worker is %s", s.State()), errors.ErrRegistrationFailed)
	}
	return nil
}

func (s *Service) notify(ev UpdateEvent) {
	s.updateMu.RLock()
	fn := s.onUpdate
	s.updateMu.RUnlock()
	s.log.Infow("update event", logger.FieldEvent, string(ev), logger.FieldVersion, s.cfg.Worker.Version)
	if fn != nil {
		fn(ev, s.cfg.Worker.Version)
	}
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.setState(st)
	s.log.Infow("worker state", logger.FieldState, st.String(), logger.FieldVersion, s.cfg.Worker.Version)
}
