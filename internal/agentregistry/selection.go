package agentregistry

import (
	"github.com/steepcluster/steep/internal/domain"
)

// satisfies reports whether agent's advertised capability set is a
// superset of required (set inclusion per spec §4.3 point 2).
func satisfies(agentCaps, required []string) bool {
	have := make(map[string]struct{}, len(agentCaps))
	for _, c := range agentCaps {
		have[c] = struct{}{}
	}

	for _, need := range required {
		if _, ok := have[need]; !ok {
			return false
		}
	}

	return true
}

// matchingAgents returns the subset of agents satisfying required.
func matchingAgents(agents []Agent, required []string) []Agent {
	out := make([]Agent, 0, len(agents))

	for _, a := range agents {
		if satisfies(a.Capabilities, required) {
			out = append(out, a)
		}
	}

	return out
}

// pickWinningEntry implements spec §4.3 point 3: the requiredCapabilities
// entry with the largest product of (matching agent count x pending
// count) wins; ties break by higher count, then by lexicographic
// capability key (domain.CapabilityKey, so ordering is insertion-order
// independent).
func pickWinningEntry(demand []DemandEntry, agents []Agent) (DemandEntry, []Agent, bool) {
	var (
		winner       DemandEntry
		winnerAgents []Agent
		winnerScore  = -1
		found        bool
	)

	for _, entry := range demand {
		matches := matchingAgents(agents, entry.Capabilities)
		if len(matches) == 0 {
			continue
		}

		score := len(matches) * entry.Count

		switch {
		case !found:
			winner, winnerAgents, winnerScore, found = entry, matches, score, true
		case score > winnerScore:
			winner, winnerAgents, winnerScore = entry, matches, score
		case score == winnerScore:
			if entry.Count > winner.Count {
				winner, winnerAgents = entry, matches
			} else if entry.Count == winner.Count && domain.CapabilityKey(entry.Capabilities) < domain.CapabilityKey(winner.Capabilities) {
				winner, winnerAgents = entry, matches
			}
		}
	}

	return winner, winnerAgents, found
}
