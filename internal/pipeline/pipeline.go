// Package pipeline implements the Battle Simulation Pipeline: for one battle, it starts the simulator subprocess, constructs a
// Battle Driver per side plus an omniscient log-reading task, and drives
// all three concurrently until the battle finishes, is truncated by the
// turn cap, or a task fails.
//
// The three-task-plus-first-error-wins shape replaces a hand-rolled
// sync.WaitGroup/error-channel pair with golang.org/x/sync/errgroup,
// promoting it from an indirect dependency (pulled in transitively by the
// teacher's own go.mod) to one this package imports directly — the same
// combinator kilroy's internal/server/registry.go PipelineState lifecycle
// would reach for had it needed first-error-wins fan-in instead of its
// simpler sequential stage list.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psai-rl/battlecore/internal/driver"
	"github.com/psai-rl/battlecore/internal/logsink"
	"github.com/psai-rl/battlecore/internal/protocol"
	"github.com/psai-rl/battlecore/internal/simulator"
	"github.com/psai-rl/battlecore/internal/timeoutguard"
)

// Process is the subset of *simulator.Process the pipeline needs,
// narrowed to an interface so tests can drive the pipeline without a real
// subprocess (*simulator.Process satisfies this already).
type Process interface {
	Send(line string) error
	ReadChunk() (simulator.Chunk, error)
	Close() error
}

// EventParser turns one raw framed chunk into the sequence of events it
// encodes. Tokenization itself is out of scope for this module; the pipeline only needs somewhere to hand chunks for decoding.
type EventParser interface {
	Parse(chunk simulator.Chunk) ([]protocol.Event, error)
}

// ProcessFactory starts the simulator subprocess for one battle.
type ProcessFactory func(ctx context.Context) (Process, error)

// PlayerConfig configures one side's seat in the battle.
type PlayerConfig struct {
	Name   string
	Parser protocol.DriverParser
	State  protocol.BattleState
}

// Config configures a single pipeline run.
type Config struct {
	// StartOptions is appended verbatim to the simulator's ">start"
	// command; its contents are opaque to this package.
	StartOptions string
	// MaxTurns caps the battle length; <= 0 means uncapped.
	MaxTurns int
	// Timeout, if > 0, wraps every stream read and Driver invocation in
	// timeoutguard.With.
	Timeout time.Duration
	LogPath string
	// EagerLog realizes the log sink before the battle starts instead of
	// deferring realization to an error or an explicit Ensure call.
	EagerLog bool
	Sink     *logsink.Sink

	EventParser EventParser
	P1, P2      PlayerConfig
}

// Result is the outcome of one pipeline run. Err is
// captured, never re-thrown: callers inspect it like any other field.
type Result struct {
	Winner    string
	Truncated bool
	LogPath   string
	Err       error
}

// errTurnCapped is the sentinel a side task returns when it observes
// turn(n) with n >= MaxTurns. It is not a failure: Run translates it into
// Result.Truncated and swallows it rather than wrapping it as Result.Err.
var errTurnCapped = errors.New("pipeline: turn cap reached")

type runState struct {
	mu      sync.Mutex
	winner  string
	hasWin  bool
}

func (r *runState) setWinner(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasWin {
		r.winner = name
		r.hasWin = true
	}
}

func (r *runState) getWinner() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.winner, r.hasWin
}

// Run executes one battle to completion.
func Run(ctx context.Context, newProcess ProcessFactory, cfg Config) Result {
	if cfg.EagerLog {
		if _, err := cfg.Sink.Ensure(cfg.LogPath, "battle-*.log"); err != nil {
			return Result{Err: fmt.Errorf("pipeline: realizing log sink: %w", err)}
		}
	}

	proc, err := newProcess(ctx)
	if err != nil {
		return cfg.fail(fmt.Errorf("pipeline: starting simulator: %w", err))
	}
	if err := proc.Send(fmt.Sprintf(">start %s", cfg.StartOptions)); err != nil {
		proc.Close()
		return cfg.fail(fmt.Errorf("pipeline: sending start: %w", err))
	}

	p1Ch := make(chan simulator.Chunk, 16)
	p2Ch := make(chan simulator.Chunk, 16)
	omniCh := make(chan simulator.Chunk, 16)

	g, gctx := errgroup.WithContext(ctx)
	state := &runState{}

	d1 := driver.New(gctx, cfg.P1.State, cfg.P1.Parser, &sideSender{proc: proc, side: simulator.SideP1})
	d2 := driver.New(gctx, cfg.P2.State, cfg.P2.Parser, &sideSender{proc: proc, side: simulator.SideP2})

	g.Go(func() error { return demux(proc, p1Ch, p2Ch, omniCh) })
	g.Go(func() error {
		return runSide(gctx, cfg, simulator.SideP1, proc, p1Ch, d1)
	})
	g.Go(func() error {
		return runSide(gctx, cfg, simulator.SideP2, proc, p2Ch, d2)
	})
	g.Go(func() error { return runOmniscient(gctx, cfg, omniCh, state) })

	waitErr := g.Wait()

	truncated := errors.Is(waitErr, errTurnCapped)
	if truncated {
		waitErr = nil
	}

	if waitErr != nil {
		// A hung or erroring side leaves its Driver's decision task
		// outstanding; force both sides closed so a parser still awaiting
		// an executor result unblocks instead of leaking.
		d1.ForceFinish()
		d2.ForceFinish()
		proc.Close()
		path, _ := cfg.Sink.Ensure(cfg.LogPath, "battle-*.log")
		return Result{Truncated: true, LogPath: path, Err: fmt.Errorf("pipeline: %w (log: %s)", waitErr, path)}
	}

	path, _ := cfg.Sink.Path()
	proc.Close()
	winner, _ := state.getWinner()
	return Result{Winner: winner, Truncated: truncated, LogPath: path}
}

func (cfg Config) fail(err error) Result {
	path, _ := cfg.Sink.Ensure(cfg.LogPath, "battle-*.log")
	return Result{Truncated: true, LogPath: path, Err: err}
}

// demux reads the process's single multiplexed stdout and routes each
// chunk to the channel matching its side tag, closing every channel once
// the stream ends.
func demux(proc Process, p1Ch, p2Ch, omniCh chan simulator.Chunk) error {
	defer close(p1Ch)
	defer close(p2Ch)
	defer close(omniCh)
	for {
		chunk, err := proc.ReadChunk()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pipeline: reading simulator stream: %w", err)
		}
		switch chunk.Side {
		case simulator.SideP1:
			p1Ch <- chunk
		case simulator.SideP2:
			p2Ch <- chunk
		default:
			omniCh <- chunk
		}
	}
}

type sideSender struct {
	proc Process
	side simulator.Side
}

func (s *sideSender) Send(line string) error {
	return s.proc.Send(fmt.Sprintf("%s %s", s.side, line))
}

// runSide drives one side's Driver from its demultiplexed chunk stream,
// honoring the turn cap. d is owned by the caller, which also forces it
// closed on a sibling task's failure.
func runSide(ctx context.Context, cfg Config, side simulator.Side, proc Process, chunks <-chan simulator.Chunk, d *driver.Driver) error {
	for {
		chunk, ok, err := readChunk(ctx, cfg.Timeout, chunks)
		if err != nil {
			return fmt.Errorf("pipeline: %s: %w", side, err)
		}
		if !ok {
			if err := d.Finish(); err != nil {
				return fmt.Errorf("pipeline: %s: finish: %w", side, err)
			}
			return nil
		}

		events, err := cfg.EventParser.Parse(chunk)
		if err != nil {
			return fmt.Errorf("pipeline: %s: parsing chunk: %w", side, err)
		}

		for _, ev := range events {
			if ev.Kind == protocol.KindHalt {
				if err := d.Halt(); err != nil {
					return fmt.Errorf("pipeline: %s: halt: %w", side, err)
				}
				continue
			}

			if err := invoke(ctx, cfg.Timeout, func(ctx context.Context) error {
				return d.Handle(ctx, ev)
			}); err != nil {
				return fmt.Errorf("pipeline: %s: handling %s: %w", side, ev.Kind, err)
			}

			if ev.Kind == protocol.KindTurn && cfg.MaxTurns > 0 && ev.TurnNumber >= cfg.MaxTurns {
				_ = proc.Send(fmt.Sprintf("%s >end", side))
				return errTurnCapped
			}
		}
	}
}

// runOmniscient observes the full stream purely to learn the winner.
func runOmniscient(ctx context.Context, cfg Config, chunks <-chan simulator.Chunk, state *runState) error {
	for {
		chunk, ok, err := readChunk(ctx, cfg.Timeout, chunks)
		if err != nil {
			return fmt.Errorf("pipeline: omniscient: %w", err)
		}
		if !ok {
			return nil
		}
		events, err := cfg.EventParser.Parse(chunk)
		if err != nil {
			return fmt.Errorf("pipeline: omniscient: parsing chunk: %w", err)
		}
		for _, ev := range events {
			if ev.Kind == protocol.KindWin {
				state.setWinner(ev.WinnerName)
			}
		}
	}
}

type chunkResult struct {
	chunk simulator.Chunk
	ok    bool
}

func readChunk(ctx context.Context, timeout time.Duration, chunks <-chan simulator.Chunk) (simulator.Chunk, bool, error) {
	res, err := timeoutguard.With(ctx, timeout, func(ctx context.Context) (chunkResult, error) {
		// Drain anything already buffered before racing against ctx, so a
		// sibling task's cancellation can't shadow data this task already
		// had in hand.
		select {
		case chunk, ok := <-chunks:
			return chunkResult{chunk: chunk, ok: ok}, nil
		default:
		}
		select {
		case chunk, ok := <-chunks:
			return chunkResult{chunk: chunk, ok: ok}, nil
		case <-ctx.Done():
			return chunkResult{}, ctx.Err()
		}
	})
	if err != nil {
		return simulator.Chunk{}, false, err
	}
	return res.chunk, res.ok, nil
}

func invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := timeoutguard.With(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
