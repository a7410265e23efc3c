package debug

import (
	"sort"
	"time"
)

// HistoryEntry is one executed command in arrival order.
type HistoryEntry struct {
	Command string    `json:"command"`
	At      time.Time `json:"timestamp"`
}

// Transition counts how often one command directly followed another.
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// CommandHistory is the derived aggregate behind get_command_history:
// per-command frequencies, the trailing command sequence, and the most
// common command-to-command transitions.
type CommandHistory struct {
	Total       int            `json:"total"`
	Frequencies map[string]int `json:"frequencies"`
	Last        []string       `json:"last"`
	Transitions []Transition   `json:"top_transitions"`
}

// summarizeHistory computes the aggregate over the full command sequence.
// Transitions are ranked by count descending, ties broken by from then to,
// so the result is stable for a given sequence.
func summarizeHistory(entries []HistoryEntry, lastN, topK int) CommandHistory {
	out := CommandHistory{
		Total:       len(entries),
		Frequencies: make(map[string]int, len(entries)),
		Last:        []string{},
		Transitions: []Transition{},
	}

	for _, e := range entries {
		out.Frequencies[e.Command]++
	}

	if lastN < 0 {
		lastN = 0
	}
	if lastN > len(entries) {
		lastN = len(entries)
	}
	for _, e := range entries[len(entries)-lastN:] {
		out.Last = append(out.Last, e.Command)
	}

	type pair struct{ from, to string }
	counts := make(map[pair]int)
	for i := 1; i < len(entries); i++ {
		counts[pair{entries[i-1].Command, entries[i].Command}]++
	}
	ranked := make([]Transition, 0, len(counts))
	for p, n := range counts {
		ranked = append(ranked, Transition{From: p.from, To: p.to, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		if ranked[i].From != ranked[j].From {
			return ranked[i].From < ranked[j].From
		}
		return ranked[i].To < ranked[j].To
	})
	if topK > len(ranked) {
		topK = len(ranked)
	}
	if topK > 0 {
		out.Transitions = ranked[:topK]
	}
	return out
}
