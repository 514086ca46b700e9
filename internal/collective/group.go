// Package collective implements in-process collective communication for the
// data-parallel worker group. Workers run as goroutines, one per rank, and
// synchronize through rendezvous rounds. All reductions combine operands in
// rank order so results are deterministic across runs with the same seed.
package collective

import (
	"context"
	"sync"

	"github.com/halotrain/halotrain/pkg/errors"
)

// ============================================================================
// Group
// ============================================================================

// Group coordinates a fixed-size set of worker ranks. Every rank must invoke
// the same sequence of collective operations; a mismatched operation or
// operand shape fails the round for all participants.
type Group struct {
	worldSize int

	mu    sync.Mutex
	round *round
}

// round is one rendezvous: it collects a contribution per rank and releases
// all waiters once the last rank arrives.
type round struct {
	op      string
	arrived int
	vecs    [][]float64
	result  [][]float64
	err     error
	done    chan struct{}
}

// NewGroup creates a collective group for worldSize ranks
func NewGroup(worldSize int) (*Group, error) {
	if worldSize <= 0 {
		return nil, errors.ConfigErrorf("world size must be positive, got %d", worldSize)
	}
	return &Group{worldSize: worldSize}, nil
}

// WorldSize returns the number of ranks in the group
func (g *Group) WorldSize() int {
	return g.worldSize
}

// Member returns a rank-bound handle used by one worker goroutine
func (g *Group) Member(rank int) (*Member, error) {
	if rank < 0 || rank >= g.worldSize {
		return nil, errors.DistributedError("rank out of range", rank)
	}
	return &Member{group: g, rank: rank}, nil
}

// ============================================================================
// Member
// ============================================================================

// Member is a single rank's view of the group
type Member struct {
	group *Group
	rank  int
}

// Rank returns the member's rank
func (m *Member) Rank() int {
	return m.rank
}

// WorldSize returns the number of ranks in the group
func (m *Member) WorldSize() int {
	return m.group.worldSize
}

// IsCoordinator reports whether this member is rank 0. Rank 0 owns progress
// logging, checkpoint writes, and the status server.
func (m *Member) IsCoordinator() bool {
	return m.rank == 0
}

// Barrier blocks until every rank reaches the same barrier
func (m *Member) Barrier(ctx context.Context) error {
	_, err := m.rendezvous(ctx, "barrier", nil, func(vecs [][]float64) ([][]float64, error) {
		return nil, nil
	})
	return err
}

// AllReduceSum sums vec element-wise across all ranks and returns the sum to
// every rank. Operands are added in rank order.
func (m *Member) AllReduceSum(ctx context.Context, vec []float64) ([]float64, error) {
	results, err := m.rendezvous(ctx, "allreduce_sum", vec, func(vecs [][]float64) ([][]float64, error) {
		sum := make([]float64, len(vecs[0]))
		for rank := 0; rank < len(vecs); rank++ {
			for i, v := range vecs[rank] {
				sum[i] += v
			}
		}
		// Each rank gets its own copy so callers may scale in place
		out := make([][]float64, len(vecs))
		for rank := range out {
			out[rank] = append([]float64(nil), sum...)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// AllGather returns every rank's contribution, indexed by rank, to all ranks
func (m *Member) AllGather(ctx context.Context, vec []float64) ([][]float64, error) {
	var gathered [][]float64
	_, err := m.rendezvous(ctx, "allgather", vec, func(vecs [][]float64) ([][]float64, error) {
		gathered = vecs
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return gathered, nil
}

// Gather collects every rank's contribution at the root rank. Non-root ranks
// receive nil.
func (m *Member) Gather(ctx context.Context, root int, vec []float64) ([][]float64, error) {
	var gathered [][]float64
	_, err := m.rendezvous(ctx, "gather", vec, func(vecs [][]float64) ([][]float64, error) {
		gathered = vecs
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if m.rank != root {
		return nil, nil
	}
	return gathered, nil
}

// Broadcast distributes the root rank's vector to every rank
func (m *Member) Broadcast(ctx context.Context, root int, vec []float64) ([]float64, error) {
	if root < 0 || root >= m.group.worldSize {
		return nil, errors.DistributedError("broadcast root out of range", m.rank)
	}
	result, err := m.rendezvous(ctx, "broadcast", vec, func(vecs [][]float64) ([][]float64, error) {
		out := make([][]float64, len(vecs))
		for rank := range out {
			out[rank] = append([]float64(nil), vecs[root]...)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ============================================================================
// Rendezvous Core
// ============================================================================

// rendezvous joins the current round, contributes vec, and waits for the
// last rank to arrive and apply combine. The combine function runs exactly
// once per round, on the goroutine of the final arriver.
func (m *Member) rendezvous(ctx context.Context, op string, vec []float64, combine func([][]float64) ([][]float64, error)) ([]float64, error) {
	g := m.group

	g.mu.Lock()
	if g.round == nil {
		g.round = &round{
			op:   op,
			vecs: make([][]float64, g.worldSize),
			done: make(chan struct{}),
		}
	}
	r := g.round

	// Lockstep violation: some rank issued a different collective
	if r.op != op {
		mismatch := errors.DistributedError("collective operation mismatch", m.rank).
			WithDetails("expected", r.op).
			WithDetails("got", op)
		r.err = mismatch
		r.arrived++
		g.finishIfComplete(r)
		g.mu.Unlock()
		return nil, mismatch
	}

	if r.vecs[m.rank] != nil {
		g.mu.Unlock()
		return nil, errors.DistributedError("rank joined the same round twice", m.rank)
	}

	// Contribute; barrier-style ops carry an empty marker
	contribution := vec
	if contribution == nil {
		contribution = []float64{}
	}
	r.vecs[m.rank] = contribution

	// Shape check against the first non-nil contribution
	for rank, other := range r.vecs {
		if other == nil || rank == m.rank {
			continue
		}
		if len(other) != len(contribution) {
			r.err = errors.NewCoded(errors.ErrDistShape).
				WithDetails("rank", m.rank).
				WithDetails("len", len(contribution)).
				WithDetails("other_rank", rank).
				WithDetails("other_len", len(other))
		}
		break
	}

	r.arrived++
	last := r.arrived == g.worldSize
	if last {
		if r.err == nil {
			r.result, r.err = combine(r.vecs)
		}
		g.round = nil
		close(r.done)
	}
	g.mu.Unlock()

	if !last {
		select {
		case <-r.done:
		case <-ctx.Done():
			// Abandoning the round would deadlock the remaining ranks, so a
			// cancelled worker still poisons the round before leaving.
			g.mu.Lock()
			if g.round == r {
				r.err = errors.NewCoded(errors.ErrDistBarrier).
					WithDetails("rank", m.rank).
					WithDetails("op", op).
					WithCause(ctx.Err())
				r.arrived = g.worldSize
				g.round = nil
				close(r.done)
			}
			g.mu.Unlock()
			<-r.done
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.result == nil {
		return nil, nil
	}
	return r.result[m.rank], nil
}

// finishIfComplete closes the round once every rank has arrived; callers must
// hold the group mutex.
func (g *Group) finishIfComplete(r *round) {
	if r.arrived >= g.worldSize {
		g.round = nil
		close(r.done)
	}
}

//Personal.AI order the ending
