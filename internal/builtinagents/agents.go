// Package builtinagents implements the non-"model" player types a Battle
// Worker can configure directly: random, random_move, and
// max_damage. Because the core treats battle state as an opaque
// protocol.StateSnapshot (game-mechanics correctness is an explicit
// Non-goal), none of these can inspect move power or type effectiveness;
// they operate purely on the Action symbols themselves, biasing order
// rather than computing real damage.
package builtinagents

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/psai-rl/battlecore/internal/protocol"
)

func newRand(seed *int64) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := uint64(*seed)
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

func shuffle(r *rand.Rand, choices []protocol.Action) {
	r.Shuffle(len(choices), func(i, j int) {
		choices[i], choices[j] = choices[j], choices[i]
	})
}

func isMove(a protocol.Action) bool {
	return strings.HasPrefix(a.String(), "move")
}

// Random reorders the candidate choices uniformly at random.
type Random struct {
	rand *rand.Rand
}

func NewRandom(seed *int64) *Random {
	return &Random{rand: newRand(seed)}
}

func (a *Random) Decide(ctx context.Context, snapshot protocol.StateSnapshot, choices []protocol.Action) error {
	shuffle(a.rand, choices)
	return nil
}

// RandomMove prefers a uniformly random move action over any switch
// action, only falling back to a switch when no move is available.
type RandomMove struct {
	rand *rand.Rand
}

func NewRandomMove(seed *int64) *RandomMove {
	return &RandomMove{rand: newRand(seed)}
}

func (a *RandomMove) Decide(ctx context.Context, snapshot protocol.StateSnapshot, choices []protocol.Action) error {
	moves := choices[:0:0]
	rest := choices[:0:0]
	for _, c := range choices {
		if isMove(c) {
			moves = append(moves, c)
		} else {
			rest = append(rest, c)
		}
	}
	shuffle(a.rand, moves)
	shuffle(a.rand, rest)
	copy(choices, append(moves, rest...))
	return nil
}

// MaxDamage deterministically prefers move actions over switch actions,
// in their original relative order, on the theory that the first-listed
// move is usually the simulator's default/strongest suggestion. Without a
// damage oracle behind the opaque StateSnapshot, this is the closest
// approximation this core can make; an external encoder with real
// mechanics knowledge should supply ranked choices directly instead.
type MaxDamage struct{}

func NewMaxDamage() *MaxDamage {
	return &MaxDamage{}
}

func (a *MaxDamage) Decide(ctx context.Context, snapshot protocol.StateSnapshot, choices []protocol.Action) error {
	moves := choices[:0:0]
	rest := choices[:0:0]
	for _, c := range choices {
		if isMove(c) {
			moves = append(moves, c)
		} else {
			rest = append(rest, c)
		}
	}
	copy(choices, append(moves, rest...))
	return nil
}

var (
	_ protocol.Agent = (*Random)(nil)
	_ protocol.Agent = (*RandomMove)(nil)
	_ protocol.Agent = (*MaxDamage)(nil)
)
