// Package agentbridge implements the Agent Bridge: the
// Battle Worker's duplex connection to a remote predictor process over a
// Unix domain socket, carrying ranked-action requests and replies. It is
// the concrete protocol.Predictor this module plugs into
// internal/agentparser so a "model" seat's HandleRequest eventually calls
// out over the wire instead of an in-process Agent.
//
// The pending-oneshot-map-plus-dedicated-puller shape is grounded on
// kilroy's internal/server/interviewer.go, which resolves exactly one
// waiting caller per correlation ID off of a single shared read loop.
package agentbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/psai-rl/battlecore/internal/protocol"
	"github.com/psai-rl/battlecore/internal/wire"
)

// Bridge is one worker's connection to a predictor process, reached by
// dialing a Unix domain socket and upgrading to a websocket.
type Bridge struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla's Conn forbids concurrent writers

	mu sync.Mutex
	// pending is keyed first by battle, then by agent name within that
	// battle, mirroring the two-level structure a predictor serving many
	// concurrent battles needs: a lookup against an unregistered battle
	// must fail independently of whether any agent name happens to
	// collide with one in a different, registered battle.
	pending map[string]map[string]chan wire.AgentReply
}

// Dial connects to the predictor listening on socketPath and performs the
// startup handshake: send {"type":"ready"}, expect {"type":"ack"}. Any
// other reply, or any transport error, is fatal.
func Dial(ctx context.Context, socketPath string) (*Bridge, error) {
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	conn, _, err := dialer.DialContext(ctx, "ws://unix/", nil)
	if err != nil {
		return nil, fmt.Errorf("agentbridge: dialing %s: %w", socketPath, err)
	}
	b := &Bridge{conn: conn, pending: make(map[string]map[string]chan wire.AgentReply)}
	if err := b.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bridge) handshake() error {
	if err := b.conn.WriteJSON(wire.Handshake{Type: "ready"}); err != nil {
		return newFatalError(fmt.Sprintf("agentbridge: sending handshake: %v", err))
	}
	var ack wire.Handshake
	if err := b.conn.ReadJSON(&ack); err != nil {
		return newFatalError(fmt.Sprintf("agentbridge: reading handshake reply: %v", err))
	}
	if ack.Type != "ack" {
		return newFatalError(fmt.Sprintf("agentbridge: handshake: expected ack, got %q", ack.Type))
	}
	return nil
}

// Close tears down the underlying connection.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// RegisterBattle installs an empty per-agent entry for battleID, making it
// a known battle that RankActions may subsequently be called against. A
// worker must register a battle before dispatching it through the
// pipeline whenever that battle seats a model agent on either side.
func (b *Bridge) RegisterBattle(battleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[battleID]; !ok {
		b.pending[battleID] = make(map[string]chan wire.AgentReply)
	}
}

// UnregisterBattle removes battleID's entry once the battle has finished
// dispatching, so a predictor reply arriving after teardown is rejected as
// unknown rather than silently matching a stale registration.
func (b *Bridge) UnregisterBattle(battleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, battleID)
}

// Pull is the dedicated reader task: it reads
// replies off the single duplex connection for as long as ctx is live and
// resolves the matching pending oneshot. A reply that matches no
// outstanding request — unsolicited, or a second reply for one already
// resolved — is fatal and ends the pull loop. Run it in its own goroutine
// for the lifetime of the bridge; its return value is the reason the
// bridge stopped serving replies.
func (b *Bridge) Pull(ctx context.Context) error {
	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("agentbridge: reading reply: %w", err)
			}
		}
		var reply wire.AgentReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return newFatalError(fmt.Sprintf("agentbridge: decoding reply: %v", err))
		}
		b.mu.Lock()
		agents, battleOK := b.pending[reply.Battle]
		var ch chan wire.AgentReply
		var ok bool
		if battleOK {
			ch, ok = agents[reply.Name]
			if ok {
				delete(agents, reply.Name)
			}
		}
		b.mu.Unlock()
		if !ok {
			return ErrUnsolicitedReply
		}
		ch <- reply
	}
}

// RankActions implements protocol.Predictor: it sends a two-frame request
// (JSON header, then the raw state buffer) and blocks until Pull resolves
// the matching reply or ctx is done.
func (b *Bridge) RankActions(ctx context.Context, battleID, agentName string, choices []protocol.Action, snapshot protocol.StateSnapshot, lastAction *protocol.Action, reward *float64) ([]protocol.Action, error) {
	ch := make(chan wire.AgentReply, 1)
	b.mu.Lock()
	agents, ok := b.pending[battleID]
	if !ok {
		b.mu.Unlock()
		return nil, ErrUnknownBattle
	}
	if _, exists := agents[agentName]; exists {
		b.mu.Unlock()
		return nil, ErrRequestOutstanding
	}
	agents[agentName] = ch
	b.mu.Unlock()

	if err := b.send(battleID, agentName, choices, snapshot, lastAction, reward); err != nil {
		b.mu.Lock()
		delete(agents, agentName)
		b.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(agents, agentName)
		b.mu.Unlock()
		return nil, ctx.Err()
	case reply := <-ch:
		if reply.Battle != battleID || reply.Name != agentName {
			return nil, ErrReplyMismatch
		}
		return rankChoices(choices, reply.RankedActions), nil
	}
}

func (b *Bridge) send(battleID, agentName string, choices []protocol.Action, snapshot protocol.StateSnapshot, lastAction *protocol.Action, reward *float64) error {
	header := wire.AgentRequestHeader{
		Type:    "agent",
		Battle:  battleID,
		Name:    agentName,
		Choices: actionStrings(choices),
		Reward:  reward,
	}
	if lastAction != nil {
		header.LastAction = lastAction.String()
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("agentbridge: encoding request header: %w", err)
	}

	buf := make([]byte, snapshot.EncodedSize())
	n, err := snapshot.Encode(buf)
	if err != nil {
		return fmt.Errorf("agentbridge: encoding state snapshot: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, headerBytes); err != nil {
		return fmt.Errorf("agentbridge: writing request header: %w", err)
	}
	if err := b.conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
		return fmt.Errorf("agentbridge: writing state buffer: %w", err)
	}
	return nil
}

// SendFinal delivers the end-of-battle reward message to the predictor,
// fire-and-forget: no reply is expected.
func (b *Bridge) SendFinal(battleID, agentName, action string, reward *float64, terminated bool) error {
	msg := wire.AgentFinal{
		Type:       "agent_final",
		Battle:     battleID,
		Name:       agentName,
		Action:     action,
		Reward:     reward,
		Terminated: &terminated,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("agentbridge: encoding final message: %w", err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("agentbridge: writing final message: %w", err)
	}
	return nil
}

func actionStrings(actions []protocol.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.String()
	}
	return out
}

// rankChoices stable-sorts choices by their index in ranked; a choice
// absent from ranked sorts after every ranked choice, preserving its
// relative order against other absent choices.
func rankChoices(choices []protocol.Action, ranked []string) []protocol.Action {
	rank := make(map[string]int, len(ranked))
	for i, r := range ranked {
		rank[r] = i
	}
	out := make([]protocol.Action, len(choices))
	copy(out, choices)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].String()]
		rj, jok := rank[out[j].String()]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		default:
			return false
		}
	})
	return out
}

var _ protocol.Predictor = (*Bridge)(nil)
