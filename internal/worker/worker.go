// Package worker implements the Battle Worker: the
// process that accepts battle requests over one Unix-domain-socket-backed
// websocket, dispatches each to the Battle Simulation Pipeline, and
// bridges "model" seats to a remote predictor over the Agent Bridge.
//
// Lifecycle (ready/run/close) and the listen-accept-upgrade-handshake
// shape are grounded on kilroy's internal/server/server.go; dispatching
// one goroutine per inbound unit of work without awaiting it inline, then
// fanning the completions back into a single drainable channel, is
// grounded on niceyeti-tabular's use of channerics.Merge to multiplex
// concurrent training episodes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"

	"github.com/psai-rl/battlecore/internal/agentbridge"
	"github.com/psai-rl/battlecore/internal/agentparser"
	"github.com/psai-rl/battlecore/internal/builtinagents"
	"github.com/psai-rl/battlecore/internal/experience"
	"github.com/psai-rl/battlecore/internal/logsink"
	"github.com/psai-rl/battlecore/internal/pipeline"
	"github.com/psai-rl/battlecore/internal/protocol"
	"github.com/psai-rl/battlecore/internal/wire"
)

// StateFactory builds a fresh, per-side BattleState for one dispatched
// battle. Game-mechanics tracking is an external collaborator, so the
// worker only owns its construction.
type StateFactory func() protocol.BattleState

// Deps bundles the Battle Worker's external collaborators — everything
// this core treats as opaque (parsing, mechanics, transport to the
// simulator binary) plus the pieces this module does own.
type Deps struct {
	Schemas     *wire.Schemas
	EventParser pipeline.EventParser
	NewState    StateFactory
	NewProcess  pipeline.ProcessFactory
	Choices     agentparser.ChoiceSource
	Agents      *builtinagents.Registry
	Bridge      *agentbridge.Bridge // nil if no "model" seat is ever configured
	SimulatorDefaults SimulatorDefaults
}

// SimulatorDefaults supplies battle parameters a request may omit.
type SimulatorDefaults struct {
	MaxTurns int
	Timeout  time.Duration
}

// Worker is one running Battle Worker process.
type Worker struct {
	deps Deps

	battleConn *websocket.Conn
	writeMu    sync.Mutex

	mu      sync.Mutex
	seenIDs map[string]bool
	battles map[string]<-chan struct{}
}

// New constructs a Worker. Call Ready, then Run.
func New(deps Deps) *Worker {
	return &Worker{deps: deps, seenIDs: map[string]bool{}, battles: map[string]<-chan struct{}{}}
}

// Ready accepts exactly one connection on the battle socket, performs the
// worker-initiated handshake, and — if an Agent Bridge is configured —
// starts its puller task.
func (w *Worker) Ready(ctx context.Context, battleSocketPath string) error {
	conn, err := acceptOne(ctx, battleSocketPath)
	if err != nil {
		return fmt.Errorf("worker: accepting battle socket: %w", err)
	}
	w.battleConn = conn

	if err := w.handshake(); err != nil {
		conn.Close()
		return err
	}

	if w.deps.Bridge != nil {
		go w.deps.Bridge.Pull(ctx)
	}
	return nil
}

func (w *Worker) handshake() error {
	if err := w.battleConn.WriteJSON(wire.Handshake{Type: "ready"}); err != nil {
		return fmt.Errorf("worker: sending handshake: %w", err)
	}
	var ack wire.Handshake
	if err := w.battleConn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("worker: reading handshake reply: %w", err)
	}
	if ack.Type != "ack" {
		return fmt.Errorf("worker: handshake: expected ack, got %q", ack.Type)
	}
	return nil
}

// acceptOne listens on a Unix domain socket and returns the first
// websocket connection made to it.
func acceptOne(ctx context.Context, socketPath string) (*websocket.Conn, error) {
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	connCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case connCh <- conn:
		default:
			conn.Close()
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(l)

	select {
	case conn := <-connCh:
		return conn, nil
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	}
}

// Run reads inbound battle requests and dispatches each without awaiting
// it inline, pruning completed dispatches as they finish via
// channerics.Merge's fan-in.
func (w *Worker) Run(ctx context.Context) error {
	for {
		_, raw, err := w.battleConn.ReadMessage()
		if err != nil {
			return fmt.Errorf("worker: reading battle request: %w", err)
		}
		if err := w.deps.Schemas.ValidateBattleRequest(raw); err != nil {
			return fmt.Errorf("worker: invalid battle request: %w", err)
		}
		var req wire.BattleRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("worker: decoding battle request: %w", err)
		}

		w.mu.Lock()
		if w.seenIDs[req.ID] {
			w.mu.Unlock()
			return fmt.Errorf("worker: duplicate battle id %q", req.ID)
		}
		w.seenIDs[req.ID] = true
		done := make(chan struct{})
		w.battles[req.ID] = done
		w.mu.Unlock()

		go func(req wire.BattleRequest, done chan struct{}) {
			defer close(done)
			w.dispatch(ctx, req)
		}(req, done)

		w.prune(ctx)
	}
}

// prune drains any already-finished dispatches so the battles map does
// not grow without bound across a long-lived worker.
func (w *Worker) prune(ctx context.Context) {
	w.mu.Lock()
	chans := make([]<-chan struct{}, 0, len(w.battles))
	ids := make([]string, 0, len(w.battles))
	for id, ch := range w.battles {
		chans = append(chans, ch)
		ids = append(ids, id)
	}
	w.mu.Unlock()
	if len(chans) == 0 {
		return
	}

	w.mu.Lock()
	for i, ch := range chans {
		select {
		case <-ch:
			delete(w.battles, ids[i])
		default:
		}
	}
	w.mu.Unlock()

	merged := channerics.Merge(ctx.Done(), chans...)
	for {
		select {
		case _, ok := <-merged:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

type playerSetup struct {
	parser  protocol.DriverParser
	wrapper *experience.Wrapper // non-nil iff this side is model+experience
	isModel bool
}

func (w *Worker) buildPlayer(battleID, side string, opts wire.AgentOpts) (playerSetup, error) {
	if opts.Type == wire.AgentModel {
		if w.deps.Bridge == nil {
			return playerSetup{}, fmt.Errorf("worker: agent %q requires a model but no Agent Bridge is configured", opts.Name)
		}
		if opts.Experience {
			agent := &bridgeExperienceAgent{bridge: w.deps.Bridge, battleID: battleID, name: opts.Name}
			wrapper := experience.New(agent, w.deps.Choices, opts.Name)
			return playerSetup{parser: wrapper, wrapper: wrapper, isModel: true}, nil
		}
		agent := &bridgeAgent{bridge: w.deps.Bridge, battleID: battleID, name: opts.Name}
		return playerSetup{parser: agentparser.New(agent, w.deps.Choices), isModel: true}, nil
	}

	agent, err := w.deps.Agents.Build(opts.Type, opts.RandSeed)
	if err != nil {
		return playerSetup{}, fmt.Errorf("worker: agent %q: %w", opts.Name, err)
	}
	return playerSetup{parser: agentparser.New(agent, w.deps.Choices)}, nil
}

// dispatch runs one battle end-to-end and replies on the battle socket
// with its outcome.
func (w *Worker) dispatch(ctx context.Context, req wire.BattleRequest) {
	p1Opts, p2Opts := req.Agents["p1"], req.Agents["p2"]
	if err := p1Opts.Validate(); err != nil {
		w.reply(wire.BattleReply{Type: "battle", ID: req.ID, Err: err.Error()})
		return
	}
	if err := p2Opts.Validate(); err != nil {
		w.reply(wire.BattleReply{Type: "battle", ID: req.ID, Err: err.Error()})
		return
	}

	if w.deps.Bridge != nil {
		w.deps.Bridge.RegisterBattle(req.ID)
		defer w.deps.Bridge.UnregisterBattle(req.ID)
	}

	p1, err := w.buildPlayer(req.ID, "p1", p1Opts)
	if err != nil {
		w.reply(wire.BattleReply{Type: "battle", ID: req.ID, Err: err.Error()})
		return
	}
	p2, err := w.buildPlayer(req.ID, "p2", p2Opts)
	if err != nil {
		w.reply(wire.BattleReply{Type: "battle", ID: req.ID, Err: err.Error()})
		return
	}

	maxTurns := w.deps.SimulatorDefaults.MaxTurns
	if req.MaxTurns != nil {
		maxTurns = *req.MaxTurns
	}
	timeout := w.deps.SimulatorDefaults.Timeout
	if req.TimeoutMs != nil {
		timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}

	cfg := pipeline.Config{
		MaxTurns:    maxTurns,
		Timeout:     timeout,
		LogPath:     req.LogPath,
		EagerLog:    !req.OnlyLogOnError,
		Sink:        logsink.New(),
		EventParser: w.deps.EventParser,
		P1:          pipeline.PlayerConfig{Name: p1Opts.Name, Parser: p1.parser, State: w.deps.NewState()},
		P2:          pipeline.PlayerConfig{Name: p2Opts.Name, Parser: p2.parser, State: w.deps.NewState()},
	}

	result := pipeline.Run(ctx, w.deps.NewProcess, cfg)

	w.sendFinal(req.ID, p1Opts.Name, p1, result)
	w.sendFinal(req.ID, p2Opts.Name, p2, result)

	reply := wire.BattleReply{
		Type:      "battle",
		ID:        req.ID,
		Agents:    map[string]string{"p1": p1Opts.Name, "p2": p2Opts.Name},
		Winner:    result.Winner,
		Truncated: result.Truncated,
		LogPath:   result.LogPath,
	}
	if result.Err != nil {
		reply.Err = result.Err.Error()
	}
	w.reply(reply)
}

// sendFinal sends one agent_final message per model-agent side, with
// experience fields populated only when both an experience wrapper is
// configured and the battle was not truncated.
func (w *Worker) sendFinal(battleID, name string, p playerSetup, result pipeline.Result) {
	if !p.isModel {
		return
	}
	var action string
	var reward *float64
	terminated := false
	if p.wrapper != nil && !result.Truncated {
		tuple := p.wrapper.Finish()
		action = tuple.Action.String()
		r := tuple.Reward
		reward = &r
		terminated = tuple.Terminated
	}
	// Best-effort: a failed final message does not fail the battle reply.
	_ = w.deps.Bridge.SendFinal(battleID, name, action, reward, terminated)
}

func (w *Worker) reply(reply wire.BattleReply) {
	raw, err := json.Marshal(reply)
	if err != nil {
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.battleConn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the battle socket and the Agent Bridge connection, if
// any; the Bridge's puller observes the resulting read error and exits.
func (w *Worker) Close() error {
	if w.deps.Bridge != nil {
		w.deps.Bridge.Close()
	}
	return w.battleConn.Close()
}

// bridgeAgent adapts a non-experience model seat to protocol.Agent,
// always sending a nil lastAction/reward (no training signal requested).
type bridgeAgent struct {
	bridge   *agentbridge.Bridge
	battleID string
	name     string
}

func (a *bridgeAgent) Decide(ctx context.Context, snapshot protocol.StateSnapshot, choices []protocol.Action) error {
	ranked, err := a.bridge.RankActions(ctx, a.battleID, a.name, choices, snapshot, nil, nil)
	if err != nil {
		return err
	}
	copy(choices, ranked)
	return nil
}

// bridgeExperienceAgent adapts an experience-tracked model seat to
// experience.Agent, forwarding the prior tuple as the Agent Bridge's
// lastAction/reward request fields.
type bridgeExperienceAgent struct {
	bridge   *agentbridge.Bridge
	battleID string
	name     string
}

func (a *bridgeExperienceAgent) Decide(ctx context.Context, prev experience.Tuple, snapshot protocol.StateSnapshot, choices []protocol.Action) error {
	var lastAction *protocol.Action
	var reward *float64
	if !prev.Action.IsZero() {
		action := prev.Action
		lastAction = &action
		r := prev.Reward
		reward = &r
	}
	ranked, err := a.bridge.RankActions(ctx, a.battleID, a.name, choices, snapshot, lastAction, reward)
	if err != nil {
		return err
	}
	copy(choices, ranked)
	return nil
}

var (
	_ protocol.Agent   = (*bridgeAgent)(nil)
	_ experience.Agent = (*bridgeExperienceAgent)(nil)
)
