package stream

import "encoding/json"

// LadderLevel is one rung of a runner's back or lay book, addressed by depth
// index (level 0 is the best price), not by price.
type LadderLevel struct {
	Level int     `json:"level"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// RunnerState is the mutable per-runner book. Levels are sparse: the feed
// re-sends a whole index on change and deletes it with size 0, so the maps
// are replace-or-delete structures keyed by depth index.
type RunnerState struct {
	SelectionID  int64
	Ltp          *float64
	TradedVolume *float64
	Back         map[int]LadderLevel
	Lay          map[int]LadderLevel
}

// MarketState is the mutable per-market book, owned by the session for the
// lifetime of one subscription. It is replaced wholesale on a full-image
// reset, never merged.
type MarketState struct {
	MarketID         string
	PublishTime      *int64
	Clk              string
	TradedVolume     *float64
	MarketDefinition json.RawMessage
	Runners          map[int64]*RunnerState
}

// NewMarketState returns the empty state a market starts from on selection
// and on image reset.
func NewMarketState(marketID string) *MarketState {
	return &MarketState{
		MarketID: marketID,
		Runners:  make(map[int64]*RunnerState),
	}
}

// ApplyOptions pins a change message to the active subscription. Messages
// from superseded subscriptions are expected traffic and are discarded.
type ApplyOptions struct {
	SubscriptionID int
	MarketID       string
}

// Apply folds one market change message into prev and returns the resulting
// state. The returned pointer equals prev exactly when the message was
// discarded (wrong op, stale subscription id, heartbeat, or no change for the
// selected market). Accepted messages never mutate prev: the runner map and
// every touched runner are cloned first, so snapshots projected from prev
// remain valid.
func Apply(prev *MarketState, msg *MarketChangeMessage, opts ApplyOptions) *MarketState {
	if msg == nil || msg.Op != opMarketChange {
		return prev
	}
	if msg.ID == nil || *msg.ID != opts.SubscriptionID {
		return prev
	}
	if msg.Ct == ChangeHeartbeat {
		return prev
	}

	var change *MarketChange
	for i := range msg.Mc {
		if msg.Mc[i].ID == opts.MarketID {
			change = &msg.Mc[i]
			break
		}
	}
	if change == nil {
		// The server may multiplex markets we did not subscribe to.
		return prev
	}

	// A full image replaces all prior state for the market. A segmented image
	// resets only on its first segment; later segments overlay the partial
	// image built so far. Applying an image onto stale deltas is unsafe, so
	// "no prior state for this market" also starts from empty.
	reset := msg.Ct == ChangeSubImage &&
		(msg.SegmentType == "" || msg.SegmentType == SegStart)

	var next *MarketState
	if prev == nil || prev.MarketID != opts.MarketID || reset || change.Img {
		next = NewMarketState(opts.MarketID)
	} else {
		next = &MarketState{
			MarketID:         prev.MarketID,
			PublishTime:      prev.PublishTime,
			Clk:              prev.Clk,
			TradedVolume:     prev.TradedVolume,
			MarketDefinition: prev.MarketDefinition,
			Runners:          make(map[int64]*RunnerState, len(prev.Runners)),
		}
		for id, r := range prev.Runners {
			next.Runners[id] = r
		}
	}

	// Scalars: absent fields are left untouched, the feed sends only changes.
	if msg.PublishTime != nil {
		next.PublishTime = msg.PublishTime
	}
	if msg.Clk != "" {
		next.Clk = msg.Clk
	}
	if change.TradedVolume != nil {
		next.TradedVolume = change.TradedVolume
	}
	if change.MarketDefinition != nil {
		next.MarketDefinition = change.MarketDefinition
	}

	for i := range change.Rc {
		rc := &change.Rc[i]
		if rc.ID == 0 {
			continue
		}
		runner := cloneRunner(next.Runners[rc.ID], rc.ID)

		if rc.Ltp != nil {
			runner.Ltp = rc.Ltp
		}
		if rc.TradedVolume != nil {
			runner.TradedVolume = rc.TradedVolume
		}
		applyLevels(runner.Back, rc.Batb)
		applyLevels(runner.Lay, rc.Batl)

		next.Runners[rc.ID] = runner
	}

	return next
}

func cloneRunner(prev *RunnerState, selectionID int64) *RunnerState {
	if prev == nil {
		return &RunnerState{
			SelectionID: selectionID,
			Back:        make(map[int]LadderLevel),
			Lay:         make(map[int]LadderLevel),
		}
	}
	r := &RunnerState{
		SelectionID:  prev.SelectionID,
		Ltp:          prev.Ltp,
		TradedVolume: prev.TradedVolume,
		Back:         make(map[int]LadderLevel, len(prev.Back)),
		Lay:          make(map[int]LadderLevel, len(prev.Lay)),
	}
	for k, v := range prev.Back {
		r.Back[k] = v
	}
	for k, v := range prev.Lay {
		r.Lay[k] = v
	}
	return r
}

// applyLevels overlays [level, price, size] triples onto one side of a
// runner's book. Size 0 removes the level; short triples are ignored.
func applyLevels(target map[int]LadderLevel, changes [][]float64) {
	for _, c := range changes {
		if len(c) < 3 {
			continue
		}
		level := int(c[0])
		price, size := c[1], c[2]
		if size == 0 {
			delete(target, level)
			continue
		}
		target[level] = LadderLevel{Level: level, Price: price, Size: size}
	}
}
