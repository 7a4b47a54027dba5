package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psai-rl/battlecore/internal/builtinagents"
	"github.com/psai-rl/battlecore/internal/pipeline"
	"github.com/psai-rl/battlecore/internal/protocol"
	"github.com/psai-rl/battlecore/internal/simulator"
	"github.com/psai-rl/battlecore/internal/wire"
)

type nopState struct{}

func (nopState) Update(ctx context.Context, ev protocol.Event) error { return nil }
func (nopState) Snapshot() protocol.StateSnapshot                    { return nopSnapshot{} }

type nopSnapshot struct{}

func (nopSnapshot) Encode(buf []byte) (int, error) { return 0, nil }
func (nopSnapshot) EncodedSize() int               { return 0 }

type fixedChoices struct{ actions []protocol.Action }

func (c fixedChoices) Choices(req protocol.RequestBody) []protocol.Action { return c.actions }

// fakeProcess is a scripted pipeline.Process good enough to drive a
// trivial battle to a tie without any real subprocess.
type fakeProcess struct {
	mu     sync.Mutex
	chunks []simulator.Chunk
	pos    int
}

func (p *fakeProcess) Send(line string) error { return nil }
func (p *fakeProcess) ReadChunk() (simulator.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos >= len(p.chunks) {
		return simulator.Chunk{}, io.EOF
	}
	c := p.chunks[p.pos]
	p.pos++
	return c, nil
}
func (p *fakeProcess) Close() error { return nil }

type tieEventParser struct{}

func (tieEventParser) Parse(chunk simulator.Chunk) ([]protocol.Event, error) {
	switch chunk.Data {
	case "start":
		return []protocol.Event{{Kind: protocol.KindStart}}, nil
	case "tie":
		return []protocol.Event{{Kind: protocol.KindTie}}, nil
	default:
		return nil, fmt.Errorf("unrecognized token %q", chunk.Data)
	}
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	schemas, err := wire.CompileSchemas()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	return Deps{
		Schemas:     schemas,
		EventParser: tieEventParser{},
		NewState:    func() protocol.BattleState { return nopState{} },
		NewProcess: func(ctx context.Context) (pipeline.Process, error) {
			return &fakeProcess{chunks: []simulator.Chunk{
				{Side: simulator.SideP1, Data: "start"},
				{Side: simulator.SideP1, Data: "tie"},
				{Side: simulator.SideP2, Data: "start"},
				{Side: simulator.SideP2, Data: "tie"},
				{Side: simulator.SideOmniscient, Data: "tie"},
			}}, nil
		},
		Choices: fixedChoices{actions: []protocol.Action{protocol.NewAction("move 1")}},
		Agents:  builtinagents.NewRegistry(),
	}
}

// fakeOrchestrator dials the worker's battle socket, completes the
// worker-initiated handshake from the server side, and exposes raw
// request/reply helpers.
type fakeOrchestrator struct {
	conn *websocket.Conn
}

func dialOrchestrator(t *testing.T, socketPath string) *fakeOrchestrator {
	t.Helper()
	var conn *websocket.Conn
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		dialer := &websocket.Dialer{
			NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		}
		c, _, err := dialer.Dial("ws://unix/", nil)
		if err == nil {
			conn = c
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conn == nil {
		t.Fatal("timed out dialing worker battle socket")
	}
	var ready wire.Handshake
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("reading ready: %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("got handshake type %q, want ready", ready.Type)
	}
	if err := conn.WriteJSON(wire.Handshake{Type: "ack"}); err != nil {
		t.Fatalf("writing ack: %v", err)
	}
	return &fakeOrchestrator{conn: conn}
}

func (o *fakeOrchestrator) sendBattle(t *testing.T, req wire.BattleRequest) {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := o.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("send battle request: %v", err)
	}
}

func (o *fakeOrchestrator) readReply(t *testing.T) wire.BattleReply {
	t.Helper()
	var reply wire.BattleReply
	if err := o.conn.ReadJSON(&reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return reply
}

func newBattleSocketPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "battle.sock")
	t.Cleanup(func() { os.Remove(path) })
	return path
}

func TestWorker_DispatchesBattleAndRepliesWithResult(t *testing.T) {
	socketPath := newBattleSocketPath(t)
	w := New(newTestDeps(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readyErrCh := make(chan error, 1)
	go func() { readyErrCh <- w.Ready(ctx, socketPath) }()

	orch := dialOrchestrator(t, socketPath)
	if err := <-readyErrCh; err != nil {
		t.Fatalf("ready: %v", err)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- w.Run(ctx) }()

	orch.sendBattle(t, wire.BattleRequest{
		Type: "battle",
		ID:   "battle-1",
		Agents: map[string]wire.AgentOpts{
			"p1": {Name: "alice", Type: wire.AgentRandom},
			"p2": {Name: "bob", Type: wire.AgentMaxDamage},
		},
	})

	reply := orch.readReply(t)
	if reply.ID != "battle-1" {
		t.Fatalf("got reply id %q, want battle-1", reply.ID)
	}
	if reply.Err != "" {
		t.Fatalf("unexpected reply error: %q", reply.Err)
	}
	if reply.Truncated {
		t.Fatal("expected a clean finish")
	}
}

func TestWorker_DuplicateBattleIDIsFatal(t *testing.T) {
	socketPath := newBattleSocketPath(t)
	w := New(newTestDeps(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readyErrCh := make(chan error, 1)
	go func() { readyErrCh <- w.Ready(ctx, socketPath) }()
	orch := dialOrchestrator(t, socketPath)
	if err := <-readyErrCh; err != nil {
		t.Fatalf("ready: %v", err)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- w.Run(ctx) }()

	req := wire.BattleRequest{
		Type: "battle",
		ID:   "dup-1",
		Agents: map[string]wire.AgentOpts{
			"p1": {Name: "alice", Type: wire.AgentRandom},
			"p2": {Name: "bob", Type: wire.AgentMaxDamage},
		},
	}
	orch.sendBattle(t, req)
	orch.readReply(t)
	orch.sendBattle(t, req)

	select {
	case err := <-runErrCh:
		if err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Fatalf("got %v, want a duplicate battle id error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to reject the duplicate id")
	}
}
