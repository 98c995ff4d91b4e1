package stream

import (
	"encoding/json"
	"sort"
)

// RunnerSnapshot is the immutable projection of one runner's book, levels
// sorted ascending by depth index.
type RunnerSnapshot struct {
	SelectionID  int64         `json:"selectionId"`
	Ltp          *float64      `json:"ltp,omitempty"`
	TradedVolume *float64      `json:"tv,omitempty"`
	Back         []LadderLevel `json:"batb"`
	Lay          []LadderLevel `json:"batl"`
}

// MarketSnapshot is the immutable, consumer-facing projection of a
// MarketState. Snapshots share no mutable structure with their source and are
// safe to retain and read concurrently while the state keeps changing.
type MarketSnapshot struct {
	MarketID         string           `json:"marketId"`
	PublishTime      *int64           `json:"publishTime,omitempty"`
	Clk              string           `json:"clk,omitempty"`
	TradedVolume     float64          `json:"tradedVolume"`
	MarketDefinition json.RawMessage  `json:"marketDefinition,omitempty"`
	Runners          []RunnerSnapshot `json:"runners"`
}

// Project converts a market state into a snapshot. Runners are sorted by
// selection id; market traded volume falls back to the sum of runner volumes
// for feeds that omit the market-level aggregate.
func Project(state *MarketState) MarketSnapshot {
	snap := MarketSnapshot{
		MarketID:         state.MarketID,
		PublishTime:      state.PublishTime,
		Clk:              state.Clk,
		MarketDefinition: state.MarketDefinition,
		Runners:          make([]RunnerSnapshot, 0, len(state.Runners)),
	}

	if state.TradedVolume != nil {
		snap.TradedVolume = *state.TradedVolume
	} else {
		for _, r := range state.Runners {
			if r.TradedVolume != nil {
				snap.TradedVolume += *r.TradedVolume
			}
		}
	}

	for _, r := range state.Runners {
		snap.Runners = append(snap.Runners, RunnerSnapshot{
			SelectionID:  r.SelectionID,
			Ltp:          r.Ltp,
			TradedVolume: r.TradedVolume,
			Back:         sortedLevels(r.Back),
			Lay:          sortedLevels(r.Lay),
		})
	}
	sort.Slice(snap.Runners, func(i, j int) bool {
		return snap.Runners[i].SelectionID < snap.Runners[j].SelectionID
	})

	return snap
}

func sortedLevels(m map[int]LadderLevel) []LadderLevel {
	out := make([]LadderLevel, 0, len(m))
	for _, lvl := range m {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}
