// Package driver implements the Battle Driver, the
// per-side event-reordering state machine that sits between the raw
// simulator event stream and a pluggable decision agent.
//
// The pending-map/oneshot shape used for executor_waker is the same one
// kilroy's internal/server/interviewer.go uses for WebInterviewer.Ask/
// Answer: a single outstanding buffered(1) channel, resolved exactly once
// by a non-blocking send, with the driver holding only a non-owning handle
// that a resolve attempt is free to no-op against once already consumed.
package driver

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/psai-rl/battlecore/internal/protocol"
)

// Status is the Driver's battling state.
type Status int

const (
	NotStarted Status = iota
	Running
	Finished
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Sender transmits a single protocol line (e.g. "|/choose move 1") to the
// simulator input stream for this side. Send must report an error when the
// stream can no longer accept writes (end-of-stream).
type Sender interface {
	Send(line string) error
}

// decisionTask represents the in-flight parser invocation spawned at a
// decision point. Go has no bare future type, so it is modeled as a
// goroutine reporting its result on a capacity-1 channel.
type decisionTask struct {
	done chan error
}

// Driver is a single Battle Driver instance, one per battle side.
type Driver struct {
	ctx    context.Context
	state  protocol.BattleState
	parser protocol.DriverParser
	sender Sender
	logger *log.Logger

	allowedKinds func(protocol.Kind) bool

	mu                sync.Mutex
	battling          Status
	pendingRequest    *protocol.RequestBody
	progress          bool
	executorWaker     chan protocol.ExecutorResult
	unavailableChoice protocol.UnavailableChoiceKind
	decisionTask      *decisionTask
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithAllowedKinds overrides the event-kind allow-list consulted first by
// Handle. The concrete set of cosmetic kinds
// to drop is domain-specific (owned by the out-of-scope EventParser), so
// the default allows every kind through to the per-kind dispatch below;
// callers that want to silently drop purely-cosmetic kinds should supply a
// stricter predicate.
func WithAllowedKinds(f func(protocol.Kind) bool) Option {
	return func(d *Driver) { d.allowedKinds = f }
}

// New constructs a Driver. ctx is the battle-lifetime context used for
// spawned decision tasks; it is not the per-call context passed to Handle.
func New(ctx context.Context, state protocol.BattleState, parser protocol.DriverParser, sender Sender, opts ...Option) *Driver {
	d := &Driver{
		ctx:          ctx,
		state:        state,
		parser:       parser,
		sender:       sender,
		logger:       log.New(os.Stderr, "[driver] ", log.LstdFlags),
		allowedKinds: func(protocol.Kind) bool { return true },
		battling:     NotStarted,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Status reports the current battling state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.battling
}

// Executor returns the protocol.Executor a DriverParser should call to
// submit an Action.
func (d *Driver) Executor() protocol.Executor {
	return (*driverExecutor)(d)
}

// Handle consumes one event. It may suspend awaiting the
// prior decision_task.
func (d *Driver) Handle(ctx context.Context, ev protocol.Event) error {
	d.mu.Lock()
	if d.battling == Finished {
		d.mu.Unlock()
		return nil
	}
	if ev.Kind != protocol.KindError && !d.allowedKinds(ev.Kind) {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	switch ev.Kind {
	case protocol.KindError:
		return d.handleError(ev)
	case protocol.KindRequest:
		return d.handleRequest(ev)
	default:
		return d.handleProgressingEvent(ctx, ev)
	}
}

// Halt signals the end of a block of game-progressing events. Non-blocking: it only spawns the decision task, never
// awaits it.
func (d *Driver) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.battling != Running || !d.progress {
		return nil
	}
	if d.pendingRequest == nil {
		return ErrNoRequestToProcess
	}
	if d.decisionTask != nil {
		return ErrAlreadyHalted
	}

	req := *d.pendingRequest
	d.decisionTask = d.spawnDecisionTaskLocked(req)
	d.pendingRequest = nil
	d.progress = false
	return nil
}

// Finish asserts the battle ended cleanly: it is an error to call while a
// decision task is still outstanding or before a terminal event arrived.
func (d *Driver) Finish() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decisionTask != nil {
		return ErrDecisionOutstanding
	}
	if d.battling != Finished {
		return ErrBattleNotFinished
	}
	return nil
}

// ForceFinish resolves any pending decision future with RejectedUnknown
// and returns without waiting for the decision task to observe it, so a
// caller tearing down a truncated battle is never blocked on a parser that
// may never return.
func (d *Driver) ForceFinish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolveWakerLocked(protocol.RejectedUnknown)
	d.battling = Finished
}

func (d *Driver) spawnDecisionTaskLocked(req protocol.RequestBody) *decisionTask {
	task := &decisionTask{done: make(chan error, 1)}
	go func() {
		task.done <- d.parser.HandleRequest(d.ctx, req, d.state, d.Executor())
	}()
	return task
}

// resolveWakerLocked delivers res to the outstanding executor waker, if
// any, and clears the handle. Must be called with d.mu held. A no-op if no
// waker is outstanding: the driver only ever holds a non-owning handle, so
// a resolve attempt against an already-consumed waker is harmless.
func (d *Driver) resolveWakerLocked(res protocol.ExecutorResult) {
	if d.executorWaker == nil {
		return
	}
	select {
	case d.executorWaker <- res:
	default:
	}
	d.executorWaker = nil
}

func (d *Driver) handleError(ev protocol.Event) error {
	invalid, unavailable := protocol.ClassifyError(ev.ErrorReason)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case invalid:
		d.resolveWakerLocked(protocol.RejectedUnknown)
	case unavailable == protocol.UnavailableMove:
		d.unavailableChoice = protocol.UnavailableMove
	case unavailable == protocol.UnavailableSwitch:
		d.unavailableChoice = protocol.UnavailableSwitch
	default:
		d.logger.Printf("ignoring unrecognized error event: %q", ev.ErrorReason)
	}
	return nil
}

func (d *Driver) handleRequest(ev protocol.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.battling {
	case NotStarted:
		// The initial request event that precedes start is not queued as
		// pendingRequest; it is delivered straight to the parser so the
		// parser can seed the state before start.
		if d.decisionTask != nil {
			return ErrUnexpectedRequest
		}
		d.decisionTask = d.spawnDecisionTaskLocked(ev.Request)
		return nil

	case Running:
		if d.unavailableChoice != protocol.UnavailableNone {
			var res protocol.ExecutorResult
			if d.unavailableChoice == protocol.UnavailableMove {
				res = protocol.Disabled
			} else {
				res = protocol.Trapped
			}
			d.unavailableChoice = protocol.UnavailableNone
			d.resolveWakerLocked(res)
			return nil
		}

		if d.pendingRequest == nil {
			req := ev.Request
			d.pendingRequest = &req
			d.resolveWakerLocked(protocol.Accepted)
			return nil
		}

		if d.pendingRequest.Equal(ev.Request) {
			return nil // duplicate request, discarded
		}

		return ErrUnexpectedRequest

	default:
		return nil
	}
}

// handleProgressingEvent reacts to any other allowed event while Running
// (also used, harmlessly, for the pre-start seed decision task's
// completion signal). Resolving the waker before awaiting the decision
// task is the ordering that avoids a deadlock: a parser that both awaits
// its own submission's result and never returns from HandleRequest would
// otherwise block the Driver forever.
func (d *Driver) handleProgressingEvent(ctx context.Context, ev protocol.Event) error {
	d.mu.Lock()
	d.resolveWakerLocked(protocol.Accepted)
	task := d.decisionTask
	d.mu.Unlock()

	var taskErr error
	if task != nil {
		taskErr = <-task.done
	}

	d.mu.Lock()
	if task != nil && d.decisionTask == task {
		d.decisionTask = nil
	}
	if d.battling == Running {
		d.progress = true
	}
	d.mu.Unlock()

	if taskErr != nil {
		return fmt.Errorf("driver: parser error handling %s: %w", ev.Kind, taskErr)
	}

	if err := d.state.Update(ctx, ev); err != nil {
		return err
	}
	if err := d.parser.HandleEvent(ctx, ev, d.state); err != nil {
		return err
	}

	d.mu.Lock()
	switch ev.Kind {
	case protocol.KindStart:
		if d.battling == NotStarted {
			d.battling = Running
		}
	case protocol.KindWin, protocol.KindTie:
		d.battling = Finished
	}
	d.mu.Unlock()
	return nil
}

// driverExecutor adapts *Driver to protocol.Executor without exposing the
// mutex-guarded fields directly.
type driverExecutor Driver

func (e *driverExecutor) Submit(ctx context.Context, action protocol.Action, debug string) (protocol.ExecutorResult, error) {
	d := (*Driver)(e)

	d.mu.Lock()
	if d.executorWaker != nil {
		d.mu.Unlock()
		return protocol.RejectedUnknown, ErrSubmitAlreadyOutstanding
	}
	waker := make(chan protocol.ExecutorResult, 1)
	d.executorWaker = waker
	d.mu.Unlock()

	clearIfCurrent := func() {
		d.mu.Lock()
		if d.executorWaker == waker {
			d.executorWaker = nil
		}
		d.mu.Unlock()
	}

	if err := d.sender.Send(fmt.Sprintf("|/choose %s", action.String())); err != nil {
		clearIfCurrent()
		return protocol.RejectedUnknown, nil
	}
	if debug != "" {
		_ = d.sender.Send(fmt.Sprintf("|DEBUG: %s", debug))
	}

	select {
	case res := <-waker:
		return res, nil
	case <-ctx.Done():
		clearIfCurrent()
		return protocol.RejectedUnknown, ctx.Err()
	}
}
