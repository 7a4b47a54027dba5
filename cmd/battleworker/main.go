// Command battleworker runs one Battle Worker process:
// it dials the predictor's agent socket when that socket path exists,
// accepts exactly one websocket connection on its own Unix-domain battle
// socket, then dispatches inbound battle requests to the Battle Simulation
// Pipeline until the battle socket closes.
//
// Flag parsing and signal-driven context cancellation follow kilroy's
// cmd/kilroy/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psai-rl/battlecore/internal/agentbridge"
	"github.com/psai-rl/battlecore/internal/builtinagents"
	"github.com/psai-rl/battlecore/internal/config"
	"github.com/psai-rl/battlecore/internal/pipeline"
	"github.com/psai-rl/battlecore/internal/protocol"
	"github.com/psai-rl/battlecore/internal/simulator"
	"github.com/psai-rl/battlecore/internal/wire"
	"github.com/psai-rl/battlecore/internal/worker"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: battleworker --config <worker.yaml>")
}

func main() {
	var configPath string
	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--config":
			i++
			if i >= len(os.Args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = os.Args[i]
		case "--version", "-v":
			fmt.Println("battleworker (battlecore)")
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", os.Args[i])
			usage()
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.SocketAddr == "" || cfg.WorkerID == "" || cfg.SimulatorBin == "" {
		fmt.Fprintln(os.Stderr, "config: socket_addr, worker_id, and simulator_bin are required")
		os.Exit(1)
	}
	dataset, err := config.LoadDataset(cfg.DatasetPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cleanupSignalCtx := signalCancelContext()
	defer cleanupSignalCtx()

	schemas, err := wire.CompileSchemas()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var bridge *agentbridge.Bridge
	agentSocketPath := wire.SocketPath(wire.SocketAgent, cfg.SocketAddr)
	if _, statErr := os.Stat(agentSocketPath); statErr == nil {
		bridge, err = agentbridge.Dial(ctx, agentSocketPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	w := worker.New(worker.Deps{
		Schemas:     schemas,
		EventParser: noopEventParser{},
		NewState:    func() protocol.BattleState { return noopBattleState{} },
		NewProcess: func(ctx context.Context) (pipeline.Process, error) {
			return simulator.Start(ctx, cfg.SimulatorBin)
		},
		Choices: datasetChoiceSource{dataset: dataset, smoothing: cfg.Smoothing},
		Agents:  builtinagents.NewRegistry(),
		Bridge:  bridge,
		SimulatorDefaults: worker.SimulatorDefaults{
			MaxTurns: cfg.MaxTurns,
			Timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	})

	battleSocketPath := wire.SocketPath(wire.SocketBattle, cfg.SocketAddr)
	if err := w.Ready(ctx, battleSocketPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	runErr := w.Run(ctx)
	closeErr := w.Close()

	if runErr != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
	if closeErr != nil {
		fmt.Fprintln(os.Stderr, closeErr)
		os.Exit(1)
	}
	os.Exit(0)
}

// noopEventParser and noopBattleState are placeholders for two
// collaborators this module deliberately treats as external: protocol
// tokenization and game-mechanics tracking. A real deployment links in
// its own EventParser/BattleState; this binary only demonstrates the
// wiring, so its EventParser returns an error for every chunk instead of
// inventing tokenization or mechanics this module does not own.
type noopEventParser struct{}

func (noopEventParser) Parse(chunk simulator.Chunk) ([]protocol.Event, error) {
	return nil, fmt.Errorf("battleworker: no EventParser configured for chunk %q", chunk.Data)
}

type noopBattleState struct{}

func (noopBattleState) Update(ctx context.Context, ev protocol.Event) error { return nil }
func (noopBattleState) Snapshot() protocol.StateSnapshot                   { return noopSnapshot{} }

type noopSnapshot struct{}

func (noopSnapshot) Encode(buf []byte) (int, error) { return 0, nil }
func (noopSnapshot) EncodedSize() int               { return 0 }

// datasetChoiceSource is the placeholder ChoiceSource: a real deployment's
// EventParser knows the legal choices for a request from the simulator
// protocol itself. This one only demonstrates that the loaded usage
// dataset and smoothing factor are available to whatever choice-ranking
// policy a deployment wires in.
type datasetChoiceSource struct {
	dataset   *config.Dataset
	smoothing float64
}

func (c datasetChoiceSource) Choices(req protocol.RequestBody) []protocol.Action {
	return nil
}
