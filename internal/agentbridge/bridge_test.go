package agentbridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psai-rl/battlecore/internal/protocol"
	"github.com/psai-rl/battlecore/internal/wire"
)

// fakeSnapshot is a minimal protocol.StateSnapshot for tests.
type fakeSnapshot struct{ payload byte }

func (s fakeSnapshot) EncodedSize() int { return 1 }
func (s fakeSnapshot) Encode(buf []byte) (int, error) {
	buf[0] = s.payload
	return 1, nil
}

func actions(strs ...string) []protocol.Action {
	out := make([]protocol.Action, len(strs))
	for i, s := range strs {
		out[i] = protocol.NewAction(s)
	}
	return out
}

// fakePredictor is a tiny websocket server standing in for the remote
// predictor process, listening on a Unix domain socket exactly as the real
// predictor would.
type fakePredictor struct {
	socketPath string
	listener   net.Listener
	server     *http.Server
	upgrader   websocket.Upgrader
	connCh     chan *websocket.Conn
}

func newFakePredictor(t *testing.T) *fakePredictor {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "agent.sock")
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fp := &fakePredictor{socketPath: socketPath, listener: l, connCh: make(chan *websocket.Conn, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fp.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fp.connCh <- conn
	})
	fp.server = &http.Server{Handler: mux}
	go fp.server.Serve(l)
	t.Cleanup(func() {
		fp.server.Close()
		os.Remove(socketPath)
	})
	return fp
}

// accept waits for the dialed connection, performs the handshake as the
// predictor side (receive ready, send ack), and returns the conn.
func (fp *fakePredictor) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fp.connCh:
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
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func dial(t *testing.T, fp *fakePredictor) *Bridge {
	t.Helper()
	b, err := Dial(context.Background(), fp.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDial_HandshakeSucceeds(t *testing.T) {
	fp := newFakePredictor(t)
	done := make(chan struct{})
	go func() {
		fp.accept(t)
		close(done)
	}()
	dial(t, fp)
	<-done
}

func TestDial_WrongAckTypeIsFatal(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "agent.sock")
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var ready wire.Handshake
		conn.ReadJSON(&ready)
		conn.WriteJSON(wire.Handshake{Type: "nope"})
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(l)
	defer srv.Close()

	_, err = Dial(context.Background(), socketPath)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	bErr, ok := err.(Error)
	if !ok || bErr.Kind() != KindFatal {
		t.Fatalf("expected a fatal agentbridge error, got %v (%T)", err, err)
	}
}

func TestRankActions_ResolvesViaPullAndStableSortsMissingToEnd(t *testing.T) {
	fp := newFakePredictor(t)
	serverConnCh := make(chan *websocket.Conn, 1)
	go func() { serverConnCh <- fp.accept(t) }()
	b := dial(t, fp)
	serverConn := <-serverConnCh

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pullErrCh := make(chan error, 1)
	go func() { pullErrCh <- b.Pull(ctx) }()

	// Drive the predictor side: read the two-frame request, reply with a
	// partial ranking that omits "switch 1" and "switch 2".
	go func() {
		_, headerRaw, err := serverConn.ReadMessage()
		if err != nil {
			return
		}
		var header wire.AgentRequestHeader
		json.Unmarshal(headerRaw, &header)
		_, _, _ = serverConn.ReadMessage() // state buffer frame

		reply := wire.AgentReply{
			Type:          "agent",
			Battle:        header.Battle,
			Name:          header.Name,
			RankedActions: []string{"move 2", "move 1"},
		}
		raw, _ := json.Marshal(reply)
		serverConn.WriteMessage(websocket.TextMessage, raw)
	}()

	b.RegisterBattle("battle-1")
	choices := actions("switch 1", "move 1", "switch 2", "move 2")
	ranked, err := b.RankActions(context.Background(), "battle-1", "p1", choices, fakeSnapshot{payload: 7}, nil, nil)
	if err != nil {
		t.Fatalf("RankActions: %v", err)
	}
	want := []string{"move 2", "move 1", "switch 1", "switch 2"}
	for i, w := range want {
		if ranked[i].String() != w {
			t.Fatalf("ranked = %v, want %v", actionStrings(ranked), want)
		}
	}

	cancel()
	<-pullErrCh
}

func TestRankActions_RejectsSecondOutstandingRequestForSamePair(t *testing.T) {
	fp := newFakePredictor(t)
	serverConnCh := make(chan *websocket.Conn, 1)
	go func() { serverConnCh <- fp.accept(t) }()
	b := dial(t, fp)
	<-serverConnCh

	b.RegisterBattle("battle-1")
	done := make(chan struct{})
	go func() {
		b.RankActions(context.Background(), "battle-1", "p1", actions("move 1"), fakeSnapshot{}, nil, nil)
		close(done)
	}()
	// Give the first RankActions time to install its pending entry.
	time.Sleep(50 * time.Millisecond)

	_, err := b.RankActions(context.Background(), "battle-1", "p1", actions("move 1"), fakeSnapshot{}, nil, nil)
	if err != ErrRequestOutstanding {
		t.Fatalf("got %v, want ErrRequestOutstanding", err)
	}
}

func TestPull_UnsolicitedReplyIsFatal(t *testing.T) {
	fp := newFakePredictor(t)
	serverConnCh := make(chan *websocket.Conn, 1)
	go func() { serverConnCh <- fp.accept(t) }()
	b := dial(t, fp)
	serverConn := <-serverConnCh

	reply := wire.AgentReply{Type: "agent", Battle: "no-such-battle", Name: "p1", RankedActions: nil}
	raw, _ := json.Marshal(reply)
	serverConn.WriteMessage(websocket.TextMessage, raw)

	err := b.Pull(context.Background())
	if err != ErrUnsolicitedReply {
		t.Fatalf("got %v, want ErrUnsolicitedReply", err)
	}
}

func TestRankActions_InterleavedBattlesEachObserveOnlyTheirOwnReply(t *testing.T) {
	// Two concurrent battles share one Bridge/predictor connection; the
	// predictor answers battle B before battle A. Each RankActions call
	// must resolve with its own ranking regardless of reply order.
	fp := newFakePredictor(t)
	serverConnCh := make(chan *websocket.Conn, 1)
	go func() { serverConnCh <- fp.accept(t) }()
	b := dial(t, fp)
	serverConn := <-serverConnCh

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pullErrCh := make(chan error, 1)
	go func() { pullErrCh <- b.Pull(ctx) }()

	headers := make(chan wire.AgentRequestHeader, 2)
	go func() {
		for i := 0; i < 2; i++ {
			_, headerRaw, err := serverConn.ReadMessage()
			if err != nil {
				return
			}
			var header wire.AgentRequestHeader
			json.Unmarshal(headerRaw, &header)
			serverConn.ReadMessage() // state buffer frame
			headers <- header
		}

		first := <-headers
		second := <-headers

		// Reply to whichever request arrived second, first.
		reply := func(header wire.AgentRequestHeader, ranked []string) {
			raw, _ := json.Marshal(wire.AgentReply{
				Type: "agent", Battle: header.Battle, Name: header.Name, RankedActions: ranked,
			})
			serverConn.WriteMessage(websocket.TextMessage, raw)
		}
		reply(second, []string{"move 2"})
		reply(first, []string{"move 1"})
	}()

	resultCh := make(chan struct {
		battle string
		ranked []protocol.Action
		err    error
	}, 2)
	b.RegisterBattle("battle-A")
	b.RegisterBattle("battle-B")
	for _, battleID := range []string{"battle-A", "battle-B"} {
		go func(battleID string) {
			ranked, err := b.RankActions(context.Background(), battleID, "p1", actions("move 1", "move 2"), fakeSnapshot{}, nil, nil)
			resultCh <- struct {
				battle string
				ranked []protocol.Action
				err    error
			}{battleID, ranked, err}
		}(battleID)
	}

	want := map[string]string{"battle-A": "move 1", "battle-B": "move 2"}
	for i := 0; i < 2; i++ {
		res := <-resultCh
		if res.err != nil {
			t.Fatalf("RankActions(%s): %v", res.battle, res.err)
		}
		if res.ranked[0].String() != want[res.battle] {
			t.Fatalf("battle %s: ranked[0] = %q, want %q", res.battle, res.ranked[0].String(), want[res.battle])
		}
	}

	cancel()
	<-pullErrCh
}

func TestRankActions_RejectsUnregisteredBattle(t *testing.T) {
	fp := newFakePredictor(t)
	serverConnCh := make(chan *websocket.Conn, 1)
	go func() { serverConnCh <- fp.accept(t) }()
	b := dial(t, fp)
	<-serverConnCh

	_, err := b.RankActions(context.Background(), "never-registered", "p1", actions("move 1"), fakeSnapshot{}, nil, nil)
	if err != ErrUnknownBattle {
		t.Fatalf("got %v, want ErrUnknownBattle", err)
	}
}

func TestRankActions_SucceedsOnceBattleIsRegistered(t *testing.T) {
	fp := newFakePredictor(t)
	serverConnCh := make(chan *websocket.Conn, 1)
	go func() { serverConnCh <- fp.accept(t) }()
	b := dial(t, fp)
	serverConn := <-serverConnCh

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pullErrCh := make(chan error, 1)
	go func() { pullErrCh <- b.Pull(ctx) }()

	go func() {
		_, headerRaw, err := serverConn.ReadMessage()
		if err != nil {
			return
		}
		var header wire.AgentRequestHeader
		json.Unmarshal(headerRaw, &header)
		serverConn.ReadMessage() // state buffer frame
		raw, _ := json.Marshal(wire.AgentReply{Type: "agent", Battle: header.Battle, Name: header.Name, RankedActions: []string{"move 1"}})
		serverConn.WriteMessage(websocket.TextMessage, raw)
	}()

	b.RegisterBattle("battle-1")
	ranked, err := b.RankActions(context.Background(), "battle-1", "p1", actions("move 1"), fakeSnapshot{}, nil, nil)
	if err != nil {
		t.Fatalf("RankActions: %v", err)
	}
	if ranked[0].String() != "move 1" {
		t.Fatalf("ranked[0] = %q, want move 1", ranked[0].String())
	}

	b.UnregisterBattle("battle-1")
	_, err = b.RankActions(context.Background(), "battle-1", "p1", actions("move 1"), fakeSnapshot{}, nil, nil)
	if err != ErrUnknownBattle {
		t.Fatalf("got %v, want ErrUnknownBattle after unregister", err)
	}

	cancel()
	<-pullErrCh
}

func TestSendFinal_WireTypeIsAgentFinal(t *testing.T) {
	fp := newFakePredictor(t)
	serverConnCh := make(chan *websocket.Conn, 1)
	go func() { serverConnCh <- fp.accept(t) }()
	b := dial(t, fp)
	serverConn := <-serverConnCh

	reward := 1.0
	if err := b.SendFinal("battle-1", "p1", "move 1", &reward, true); err != nil {
		t.Fatalf("SendFinal: %v", err)
	}

	_, raw, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("reading final message: %v", err)
	}
	var final wire.AgentFinal
	if err := json.Unmarshal(raw, &final); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if final.Type != "agent_final" {
		t.Fatalf("got Type %q, want agent_final", final.Type)
	}
	if final.Battle != "battle-1" || final.Name != "p1" {
		t.Fatalf("got Battle=%q Name=%q, want battle-1/p1", final.Battle, final.Name)
	}
}

func TestRankChoices_MissingChoicesSortToEndPreservingRelativeOrder(t *testing.T) {
	choices := actions("a", "b", "c", "d")
	ranked := rankChoices(choices, []string{"c", "a"})
	want := []string{"c", "a", "b", "d"}
	for i, w := range want {
		if ranked[i].String() != w {
			t.Fatalf("ranked = %v, want %v", actionStrings(ranked), want)
		}
	}
}
