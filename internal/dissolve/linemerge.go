package dissolve

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// mergeLines joins lines that share endpoints into as few chains as it can.
// Lines are visited in input order and a chain is extended at its tail
// before its head, so the result is stable for a given input.
func mergeLines(lines []orb.LineString, snapMeters float64) []orb.LineString {
	used := make([]bool, len(lines))
	var chains []orb.LineString

	for i := range lines {
		if used[i] {
			continue
		}
		used[i] = true
		chain := lines[i].Clone()

		for {
			extended := false
			for j := range lines {
				if used[j] {
					continue
				}
				if joined, ok := join(chain, lines[j], snapMeters); ok {
					chain = joined
					used[j] = true
					extended = true
					break
				}
			}
			if !extended {
				break
			}
		}

		chains = append(chains, chain)
	}

	return chains
}

// join appends next to chain when they touch end to end, reversing next as
// needed. The duplicated touching vertex is dropped.
func join(chain, next orb.LineString, snapMeters float64) (orb.LineString, bool) {
	head, tail := chain[0], chain[len(chain)-1]
	first, last := next[0], next[len(next)-1]

	switch {
	case touches(tail, first, snapMeters):
		return append(chain.Clone(), next[1:]...), true
	case touches(tail, last, snapMeters):
		return append(chain.Clone(), reversed(next)[1:]...), true
	case touches(head, last, snapMeters):
		return append(next.Clone(), chain[1:]...), true
	case touches(head, first, snapMeters):
		return append(reversed(next), chain[1:]...), true
	}
	return nil, false
}

func touches(a, b orb.Point, snapMeters float64) bool {
	if a == b {
		return true
	}
	return snapMeters > 0 && geo.DistanceHaversine(a, b) <= snapMeters
}

func reversed(ls orb.LineString) orb.LineString {
	out := make(orb.LineString, len(ls))
	for i := range ls {
		out[i] = ls[len(ls)-1-i]
	}
	return out
}
