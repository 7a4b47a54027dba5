// Package agentparser implements the canonical decision-making adapter
// described by the Agent Contract: given a request it asks
// an Agent to rank a set of candidate Actions, then submits them in rank
// order through the Driver-owned Executor, retrying in place on anything
// short of Accepted.
//
// The retry-until-accepted shape mirrors kilroy's
// internal/attractor/engine/failure_policy.go shouldRetryOutcome: classify
// the outcome, retry only the classes worth retrying, fall through
// otherwise.
package agentparser

import (
	"context"

	"github.com/psai-rl/battlecore/internal/protocol"
)

// ChoiceSource produces the candidate actions for a decision request. Its
// implementation is domain-specific (owned by the external EventParser /
// BattleState collaborators) and therefore not part of this package.
type ChoiceSource interface {
	Choices(req protocol.RequestBody) []protocol.Action
}

// Parser is a protocol.DriverParser that delegates ranking to an Agent and
// submission to the Driver's Executor.
type Parser struct {
	agent   protocol.Agent
	choices ChoiceSource
}

// New builds a Parser from an Agent and a ChoiceSource.
func New(agent protocol.Agent, choices ChoiceSource) *Parser {
	return &Parser{agent: agent, choices: choices}
}

// HandleRequest asks the agent to rank the request's candidate choices,
// then submits them in rank order until one is Accepted or the candidates
// are exhausted. A request with no candidates (a "wait" request) still
// reaches the agent, with an empty choices slice, so training-facing
// wrappers observe every decision point.
func (p *Parser) HandleRequest(ctx context.Context, req protocol.RequestBody, state protocol.BattleState, executor protocol.Executor) error {
	snapshot := state.Snapshot()
	candidates := p.choices.Choices(req)

	if err := p.agent.Decide(ctx, snapshot, candidates); err != nil {
		return err
	}

	for _, action := range candidates {
		res, err := executor.Submit(ctx, action, "")
		if err != nil {
			return err
		}
		if res == protocol.Accepted {
			return nil
		}
		// RejectedUnknown, Disabled, and Trapped all mean: try the next
		// ranked candidate without waiting for a fresh request event; the
		// Driver resolves this same decision_task's executor calls using
		// the refreshed request it receives in the meantime.
	}
	return nil
}

// HandleEvent is a no-op: the canonical adapter has no bookkeeping of its
// own outside of decision points.
func (p *Parser) HandleEvent(ctx context.Context, ev protocol.Event, state protocol.BattleState) error {
	return nil
}
