package protocol

import "context"

// StateSnapshot is the opaque, encoder-owned view of battle state handed to
// an Agent at a decision point. The core never inspects its contents; only
// the external encoder (the BattleState collaborator) and the Agent
// implementation understand it. Implementations must be safe to encode
// after the call that produced them returns, but the Agent Contract
// forbids retaining a reference to it past that return.
type StateSnapshot interface {
	// Encode writes a fixed-size representation of the snapshot into buf,
	// returning the number of bytes written. The exact size and layout is
	// owned entirely by the implementation.
	Encode(buf []byte) (int, error)
	// EncodedSize reports the buffer size Encode requires.
	EncodedSize() int
}

// BattleState is the external, domain-specific mechanics tracker this
// module treats as an opaque collaborator. The
// Driver forwards every allowed event it does not itself interpret to
// Update, and asks for a StateSnapshot only at a decision point.
type BattleState interface {
	// Update applies one already-classified, allowed Event to the tracked
	// state. Called by the Driver for every event it forwards.
	Update(ctx context.Context, ev Event) error
	// Snapshot produces the opaque encoder the Agent Contract will Encode.
	Snapshot() StateSnapshot
}

// Executor is the Driver-owned callback through which a DriverParser
// submits its chosen Action.
type Executor interface {
	Submit(ctx context.Context, action Action, debug string) (ExecutorResult, error)
}

// Agent is the decision-making adapter's half of the Agent Contract
//: given a state snapshot and a mutable slice of candidate
// choices, it may reorder choices in place by preference (highest-priority
// first) and may suspend. It must not retain snapshot past return.
type Agent interface {
	Decide(ctx context.Context, snapshot StateSnapshot, choices []Action) error
}

// AgentFunc adapts a plain function to Agent, the way http.HandlerFunc
// adapts a function to http.Handler.
type AgentFunc func(ctx context.Context, snapshot StateSnapshot, choices []Action) error

func (f AgentFunc) Decide(ctx context.Context, snapshot StateSnapshot, choices []Action) error {
	return f(ctx, snapshot, choices)
}

// DriverParser is the external protocol/decision collaborator. It is invoked once per decision
// point, receiving the request event that triggered it, and is expected to
// call the supplied Executor zero or more times before returning.
type DriverParser interface {
	// HandleRequest reacts to a decision-triggering request. It may submit
	// any number of actions (including zero) through executor before
	// returning. It must not block past the lifetime of ctx.
	HandleRequest(ctx context.Context, req RequestBody, state BattleState, executor Executor) error
	// HandleEvent reacts to any other allowed event, forwarded after the
	// Driver's own bookkeeping.
	HandleEvent(ctx context.Context, ev Event, state BattleState) error
}

// Predictor is the remote neural-network inference collaborator reached
// through the Agent Bridge. The core only
// needs its request/reply shape, defined in package wire.
type Predictor interface {
	RankActions(ctx context.Context, battleID, agentName string, choices []Action, snapshot StateSnapshot, lastAction *Action, reward *float64) ([]Action, error)
}
