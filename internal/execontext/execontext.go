// Package execontext implements the PeriodicExecutionContext: a
// worker goroutine that pulses its registered participants at a fixed
// rate, draining queued activation requests and rate changes at each
// tick boundary.
//
// The gocron-based scheduler in internal/globaltimer is deliberately
// not reused here: gocron's cron-string granularity tops out at 1 Hz,
// while this context must sustain rates into the kHz range, so the
// tick loop is a plain drift-corrected time.Timer loop. SetRate wakes
// a sleeping worker early through an internal/notify.Signal instead of
// waiting out the stale period, so a rate change is picked up at the
// next possible tick rather than up to one old-rate period later.
package execontext

import (
	"log/slog"
	"sync"
	"time"

	"rtcd/internal/lifecycle"
	"rtcd/internal/logging"
	"rtcd/internal/notify"
	"rtcd/internal/rtcerr"
)

// Kind identifies the execution context flavor. Only Periodic is
// implemented; the others exist as enum placeholders.
type Kind int

const (
	Periodic Kind = iota
	EventDriven
	Other
)

// Participant is a component attached to an execution context.
type Participant interface {
	ID() string
	Machine() *lifecycle.Machine
	DetachContext(ecID string)
}

type runState int

const (
	stopped runState = iota
	running
)

type opKind int

const (
	opActivate opKind = iota
	opDeactivate
	opReset
)

type pendingOp struct {
	participant Participant
	kind        opKind
}

// PeriodicExecutionContext drives registered participants at a fixed
// rate. The zero value is not usable; construct with New.
type PeriodicExecutionContext struct {
	id     string
	nowait bool
	log    *slog.Logger

	mu           sync.Mutex
	state        runState
	rate         float64
	participants []Participant
	index        map[string]int
	pending      []pendingOp
	pendingRate  *float64

	stopCh chan struct{}
	doneCh chan struct{}
	wake   *notify.Signal
}

// New returns a stopped PeriodicExecutionContext with id and an
// initial rate of rateHz. nowait disables the inter-tick sleep
// (for tests and CPU-bound rates).
func New(id string, rateHz float64, nowait bool, logger *slog.Logger) *PeriodicExecutionContext {
	return &PeriodicExecutionContext{
		id:     id,
		nowait: nowait,
		log:    logging.Default(logger),
		rate:   rateHz,
		index:  make(map[string]int),
		wake:   notify.NewSignal(),
	}
}

// ID returns the context's identifier.
func (ec *PeriodicExecutionContext) ID() string { return ec.id }

// Kind always returns Periodic.
func (ec *PeriodicExecutionContext) Kind() Kind { return Periodic }

// Rate returns the current tick rate in Hz.
func (ec *PeriodicExecutionContext) Rate() float64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.rate
}

// SetRate queues a rate change, honored at the next tick boundary;
// every participant then receives on_rate_changed. Zero and negative
// rates are rejected with BadParameter.
func (ec *PeriodicExecutionContext) SetRate(r float64) error {
	if r <= 0 {
		return rtcerr.New(rtcerr.BadParameter, "execontext.SetRate")
	}
	ec.mu.Lock()
	ec.pendingRate = &r
	ec.mu.Unlock()
	ec.wake.Notify()
	return nil
}

// RegisterParticipant adds p to the context in registration order.
// Re-registering an already-present ID is a no-op.
func (ec *PeriodicExecutionContext) RegisterParticipant(p Participant) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, ok := ec.index[p.ID()]; ok {
		return
	}
	ec.index[p.ID()] = len(ec.participants)
	ec.participants = append(ec.participants, p)
}

func (ec *PeriodicExecutionContext) lookupLocked(id string) (Participant, bool) {
	i, ok := ec.index[id]
	if !ok {
		return nil, false
	}
	return ec.participants[i], true
}

// ActivateComponent validates the precondition immediately and queues
// the actual transition for the next tick.
func (ec *PeriodicExecutionContext) ActivateComponent(id string) error {
	return ec.queueOp(id, opActivate, lifecycle.Inactive)
}

// DeactivateComponent validates the precondition immediately and
// queues the actual transition for the next tick.
func (ec *PeriodicExecutionContext) DeactivateComponent(id string) error {
	return ec.queueOp(id, opDeactivate, lifecycle.Active)
}

// ResetComponent validates the precondition immediately and queues the
// actual transition for the next tick.
func (ec *PeriodicExecutionContext) ResetComponent(id string) error {
	return ec.queueOp(id, opReset, lifecycle.Error)
}

func (ec *PeriodicExecutionContext) queueOp(id string, kind opKind, want lifecycle.State) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	p, ok := ec.lookupLocked(id)
	if !ok {
		return rtcerr.New(rtcerr.BadParameter, "execontext.activation request")
	}
	if p.Machine().State() != want {
		return rtcerr.New(rtcerr.PreconditionNotMet, "execontext.activation request")
	}
	ec.pending = append(ec.pending, pendingOp{participant: p, kind: kind})
	return nil
}

// Start transitions Stopped -> Running, firing on_startup on every
// current participant, and launches the tick loop. Calling Start while
// already running is a no-op.
func (ec *PeriodicExecutionContext) Start() {
	ec.mu.Lock()
	if ec.state == running {
		ec.mu.Unlock()
		return
	}
	ec.state = running
	ec.stopCh = make(chan struct{})
	ec.doneCh = make(chan struct{})
	participants := append([]Participant(nil), ec.participants...)
	ec.mu.Unlock()

	for _, p := range participants {
		p.Machine().NotifyStartup()
	}

	go ec.run()
}

// Stop reverses Start: it halts the tick loop and fires on_shutdown on
// every current participant. Calling Stop while already stopped is a
// no-op.
func (ec *PeriodicExecutionContext) Stop() {
	ec.mu.Lock()
	if ec.state != running {
		ec.mu.Unlock()
		return
	}
	ec.state = stopped
	stopCh := ec.stopCh
	doneCh := ec.doneCh
	participants := append([]Participant(nil), ec.participants...)
	ec.mu.Unlock()

	close(stopCh)
	<-doneCh

	for _, p := range participants {
		p.Machine().NotifyShutdown()
	}
}

// Destroy stops the context if running, detaches every participant
// (each receives DetachContext(ec_id)), and releases the worker.
func (ec *PeriodicExecutionContext) Destroy() {
	ec.Stop()
	ec.mu.Lock()
	participants := ec.participants
	ec.participants = nil
	ec.index = make(map[string]int)
	ec.mu.Unlock()

	for _, p := range participants {
		p.DetachContext(ec.id)
	}
}

// DetachParticipant removes the single participant id from this
// context, without stopping the context or touching any other
// participant. This is the single-participant analogue of Destroy,
// used when a component's own lifecycle finalizes while its execution
// context lives on for its other participants. It does not itself
// invoke DetachContext on the removed participant; the caller already
// knows it is detaching.
func (ec *PeriodicExecutionContext) DetachParticipant(id string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	i, ok := ec.index[id]
	if !ok {
		return
	}
	ec.participants = append(ec.participants[:i], ec.participants[i+1:]...)
	delete(ec.index, id)
	for j := i; j < len(ec.participants); j++ {
		ec.index[ec.participants[j].ID()] = j
	}
}

// Tick runs exactly one pass: applies queued activation requests and
// rate changes, then invokes every participant's per-tick worker in
// registration order. The participant-list lock is held for the whole
// call, the one place a lock stays held across user callbacks, so
// that a tick is atomic with respect to participant changes.
func (ec *PeriodicExecutionContext) Tick() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.applyPendingLocked()

	for _, p := range ec.participants {
		p.Machine().Tick()
	}
}

func (ec *PeriodicExecutionContext) applyPendingLocked() {
	if ec.pendingRate != nil {
		ec.rate = *ec.pendingRate
		ec.pendingRate = nil
		for _, p := range ec.participants {
			p.Machine().NotifyRateChanged()
		}
	}

	for _, op := range ec.pending {
		m := op.participant.Machine()
		var err error
		switch op.kind {
		case opActivate:
			err = m.Activate()
		case opDeactivate:
			err = m.Deactivate()
		case opReset:
			err = m.Reset()
		}
		if err != nil {
			ec.log.Warn("queued activation request no longer valid at tick boundary",
				"ec_id", ec.id, "participant", op.participant.ID(), "error", err)
		}
	}
	ec.pending = nil
}

func (ec *PeriodicExecutionContext) run() {
	defer close(ec.doneCh)

	next := time.Now().Add(ec.period())

	for {
		select {
		case <-ec.stopCh:
			return
		default:
		}

		ec.Tick()

		if ec.nowait {
			continue
		}

		sleep := time.Until(next)
		if sleep > 0 {
			t := time.NewTimer(sleep)
			select {
			case <-ec.stopCh:
				t.Stop()
				return
			case <-ec.wake.C():
				// SetRate landed mid-sleep: stop waiting out the stale
				// period and re-tick against the new rate now.
				t.Stop()
				next = time.Now()
				continue
			case <-t.C:
			}
		}
		next = next.Add(ec.period())
	}
}

// period derives the tick interval from the current rate.
func (ec *PeriodicExecutionContext) period() time.Duration {
	ec.mu.Lock()
	r := ec.rate
	ec.mu.Unlock()
	if r <= 0 {
		r = 1
	}
	return time.Duration(float64(time.Second) / r)
}
