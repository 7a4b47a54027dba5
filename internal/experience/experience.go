// Package experience implements the Experience Wrapper: a
// protocol.DriverParser decorator that emits (action, reward, terminated)
// training tuples alongside the ordinary decision-making work an
// agentparser.Parser already does.
//
// Grounded on kilroy's internal/server/sse.go Broadcaster, which likewise
// accumulates state between "publish" calls and hands the accumulation to
// whoever asks next; here the accumulation is reward instead of SSE history
// and the asker is the wrapped Agent instead of a subscribing client.
package experience

import (
	"context"
	"sync"

	"github.com/psai-rl/battlecore/internal/agentparser"
	"github.com/psai-rl/battlecore/internal/protocol"
)

// Reward constants. A test must verify these exact values.
const (
	RewardWin  = 1.0
	RewardLose = -1.0
	RewardTie  = 0.0
)

// Tuple is one (action, reward, terminated) training observation.
type Tuple struct {
	Action     protocol.Action
	Reward     float64
	Terminated bool
}

// Agent is the training-facing decision callback: before ranking the next
// request's choices, it is handed the outcome of its own previous action.
type Agent interface {
	Decide(ctx context.Context, prev Tuple, snapshot protocol.StateSnapshot, choices []protocol.Action) error
}

// Wrapper decorates an Agent + ChoiceSource pair (the same inputs
// agentparser.New takes) with reward and termination bookkeeping, and
// exposes the result as a protocol.DriverParser.
type Wrapper struct {
	clientName string
	inner      *agentparser.Parser

	mu         sync.Mutex
	action     protocol.Action
	reward     float64
	terminated bool
}

// New builds a Wrapper. clientName identifies this side's player name, so
// that win(name) can be distinguished from a win credited to the opponent.
func New(agent Agent, choices agentparser.ChoiceSource, clientName string) *Wrapper {
	w := &Wrapper{clientName: clientName}
	adapter := protocol.AgentFunc(func(ctx context.Context, snapshot protocol.StateSnapshot, c []protocol.Action) error {
		prev := w.takePrev()
		return agent.Decide(ctx, prev, snapshot, c)
	})
	w.inner = agentparser.New(adapter, choices)
	return w
}

func (w *Wrapper) takePrev() Tuple {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := Tuple{Action: w.action, Reward: w.reward, Terminated: w.terminated}
	w.action = protocol.Action{}
	w.reward = 0
	w.terminated = false
	return prev
}

// HandleRequest delegates to the inner agentparser.Parser with an executor
// that records the action that is ultimately Accepted.
func (w *Wrapper) HandleRequest(ctx context.Context, req protocol.RequestBody, state protocol.BattleState, executor protocol.Executor) error {
	return w.inner.HandleRequest(ctx, req, state, &recordingExecutor{inner: executor, wrapper: w})
}

// HandleEvent observes win/tie outcomes before forwarding to the inner
// parser: on this client's own win add RewardWin, on the opponent's win
// add RewardLose, on a tie add RewardTie, and mark the tuple terminated.
func (w *Wrapper) HandleEvent(ctx context.Context, ev protocol.Event, state protocol.BattleState) error {
	switch ev.Kind {
	case protocol.KindWin:
		w.mu.Lock()
		if ev.WinnerName == w.clientName {
			w.reward += RewardWin
		} else {
			w.reward += RewardLose
		}
		w.terminated = true
		w.mu.Unlock()
	case protocol.KindTie:
		w.mu.Lock()
		w.reward += RewardTie
		w.terminated = true
		w.mu.Unlock()
	}
	return w.inner.HandleEvent(ctx, ev, state)
}

// Finish returns the accumulated tuple if the battle reached a terminal
// state since the last observation, or the zero Tuple if it was truncated.
func (w *Wrapper) Finish() Tuple {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.terminated {
		return Tuple{}
	}
	return Tuple{Action: w.action, Reward: w.reward, Terminated: true}
}

// recordingExecutor records the submitted action iff the Driver reports it
// Accepted.
type recordingExecutor struct {
	inner   protocol.Executor
	wrapper *Wrapper
}

func (e *recordingExecutor) Submit(ctx context.Context, action protocol.Action, debug string) (protocol.ExecutorResult, error) {
	res, err := e.inner.Submit(ctx, action, debug)
	if err == nil && res == protocol.Accepted {
		e.wrapper.mu.Lock()
		e.wrapper.action = action
		e.wrapper.mu.Unlock()
	}
	return res, err
}
