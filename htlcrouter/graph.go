// Package htlcrouter implements atomic multi-hop value transfer over a
// network of credit-line channels: path selection over a directed liquidity
// graph, onion-wrapped per-hop instructions, and the lock/settle/refund
// cascade that gives a multi-hop payment all-or-nothing semantics (spec
// §4.3).
package htlcrouter

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/btcsuite/btclog"

	"github.com/creditmesh/ledger/chancrypto"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DefaultHopFeeMilliUnits is the flat per-hop forwarding fee charged by an
// intermediate hub, in the same integer units as channel amounts (spec §9
// open question (b): fee accounting is specified explicitly as a flat
// constant in v1; see DESIGN.md).
var DefaultHopFeeMilliUnits = big.NewInt(1000)

// Edge is one directed, usable hop of the payment graph: a subchannel of a
// visible channel, from the forwarding node's perspective. An edge u->v
// exists iff v can receive on this subchannel (spec §4.3 step 1).
type Edge struct {
	ChannelID uint64
	From, To  chancrypto.Address
	TokenID   uint32

	// RemainingCredit is how much more value `To` could receive on this
	// subchannel right now (its available headroom before hitting its
	// credit limit/collateral bound).
	RemainingCredit *big.Int

	// Utilization is the subchannel's current committed balance magnitude,
	// used only as a path tie-break (lower is preferred).
	Utilization *big.Int
}

// Graph is a snapshot of the visible channel topology for one token, built
// fresh for each routing attempt from the caller's list of edges (spec §4.3:
// "available channels (visible topology)").
type Graph struct {
	tokenID uint32
	byFrom  map[chancrypto.Address][]Edge
	byTo    map[chancrypto.Address][]Edge
}

// BuildGraph indexes edges by both endpoints for adjacency lookups in either
// direction: byFrom for forward traversal, byTo for the backward search
// SelectPath uses to accumulate downstream fees correctly. All edges must
// share the same TokenID; BuildGraph returns an error otherwise.
func BuildGraph(tokenID uint32, edges []Edge) (*Graph, error) {
	g := &Graph{
		tokenID: tokenID,
		byFrom:  make(map[chancrypto.Address][]Edge),
		byTo:    make(map[chancrypto.Address][]Edge),
	}

	for _, e := range edges {
		if e.TokenID != tokenID {
			return nil, fmt.Errorf("%w: edge for token %d in a token %d graph",
				ErrValidation, e.TokenID, tokenID)
		}
		g.byFrom[e.From] = append(g.byFrom[e.From], e)
		g.byTo[e.To] = append(g.byTo[e.To], e)
	}
	return g, nil
}

// viable reports whether edge e can carry the amount it would actually
// forward -- the destination amount plus every fee charged by hops
// downstream of e -- per spec §4.3 step 1: "v's remaining credit in that
// subchannel >= amount + fees_downstream".
func viable(e Edge, amountPlusDownstreamFees *big.Int) bool {
	return e.RemainingCredit.Cmp(amountPlusDownstreamFees) >= 0
}

// Path is an ordered sequence of edges from source to destination.
type Path []Edge

// aggregateRemainingCredit sums RemainingCredit across the path (higher is a
// better tie-break, spec §4.3 step 2a).
func (p Path) aggregateRemainingCredit() *big.Int {
	sum := big.NewInt(0)
	for _, e := range p {
		sum.Add(sum, e.RemainingCredit)
	}
	return sum
}

// aggregateUtilization sums Utilization across the path (lower is a better
// tie-break, spec §4.3 step 2b).
func (p Path) aggregateUtilization() *big.Int {
	sum := big.NewInt(0)
	for _, e := range p {
		sum.Add(sum, e.Utilization)
	}
	return sum
}

// hubAddresses returns the From address of every hop along the path -- the
// source followed by the intermediate hubs -- used for the final
// lexicographic tie-break (spec §4.3 step 2c). Compared paths share the
// source, so the hubs decide the order.
func (p Path) hubAddresses() []chancrypto.Address {
	addrs := make([]chancrypto.Address, 0, len(p))
	for _, e := range p {
		addrs = append(addrs, e.From)
	}
	return addrs
}

// better reports whether p is a strictly better path than other under the
// tie-break rules of spec §4.3 step 2, assuming both have equal hop count
// (the caller only compares paths of the shortest length).
func (p Path) better(other Path) bool {
	credA, credB := p.aggregateRemainingCredit(), other.aggregateRemainingCredit()
	if c := credA.Cmp(credB); c != 0 {
		return c > 0
	}

	utilA, utilB := p.aggregateUtilization(), other.aggregateUtilization()
	if c := utilA.Cmp(utilB); c != 0 {
		return c < 0
	}

	hubsA, hubsB := p.hubAddresses(), other.hubAddresses()
	for i := 0; i < len(hubsA) && i < len(hubsB); i++ {
		if hubsA[i] != hubsB[i] {
			return hubsA[i].Less(hubsB[i])
		}
	}
	return false
}

// SelectPath finds the best path from src to dst carrying amount of
// tokenID, honoring maxHops, per spec §4.3: shortest by hop count, ties
// broken by (a) higher aggregate remaining credit, (b) lower aggregate
// utilization, (c) lexicographic hub address.
//
// The search walks backward from dst to src. An edge's viability depends on
// fees_downstream -- the fees every hop between it and the destination will
// charge -- which is only known once the suffix of the path from that edge
// to dst has been fixed. Walking from dst means that suffix is exactly the
// part of the path already explored, so the accumulated fee total at each
// step is the correct one; walking from src would require knowing the
// remainder of the path before it exists.
func SelectPath(g *Graph, src, dst chancrypto.Address, amount *big.Int, maxHops int) (Path, error) {
	if src == dst {
		return nil, fmt.Errorf("%w: source equals destination", ErrValidation)
	}

	var (
		best     Path
		found    bool
		shortest = maxHops + 1
	)

	// dfs accumulates edges in dst->src order (reversePath); reversePath is
	// reversed into src->dst order once src is reached.
	var dfs func(current chancrypto.Address, reversePath Path, remaining *big.Int, visited map[chancrypto.Address]bool)
	dfs = func(current chancrypto.Address, reversePath Path, remaining *big.Int, visited map[chancrypto.Address]bool) {
		if len(reversePath) > maxHops {
			return
		}
		// Prune branches that can't possibly beat the current best
		// length.
		if found && len(reversePath) > shortest {
			return
		}

		if current == src {
			if len(reversePath) == 0 {
				return
			}
			candidate := make(Path, len(reversePath))
			for i, e := range reversePath {
				candidate[len(reversePath)-1-i] = e
			}
			if !found || len(candidate) < shortest ||
				(len(candidate) == shortest && candidate.better(best)) {
				best = candidate
				shortest = len(candidate)
				found = true
			}
			return
		}

		for _, e := range g.byTo[current] {
			if visited[e.From] {
				continue
			}
			if !viable(e, remaining) {
				continue
			}

			visited[e.From] = true
			nextRemaining := new(big.Int).Add(remaining, DefaultHopFeeMilliUnits)
			dfs(e.From, append(reversePath, e), nextRemaining, visited)
			visited[e.From] = false
		}
	}

	dfs(dst, Path{}, new(big.Int).Set(amount), map[chancrypto.Address]bool{dst: true})

	if !found {
		return nil, fmt.Errorf("%w: no path from %v to %v for amount %s",
			ErrRouteFailed, src, dst, amount)
	}

	log.Debugf("selected %d-hop path from %v to %v carrying %s", len(best),
		src, dst, amount)

	return best, nil
}

// sortedEdges returns edges sorted by (From, To) for deterministic test
// fixtures and debug output.
func sortedEdges(edges []Edge) []Edge {
	out := append([]Edge(nil), edges...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From.Less(out[j].From)
		}
		return out[i].To.Less(out[j].To)
	})
	return out
}
