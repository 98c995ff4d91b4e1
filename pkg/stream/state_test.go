package stream

import (
	"encoding/json"
	"testing"
)

func intPtr(v int) *int         { return &v }
func f64Ptr(v float64) *float64 { return &v }
func i64Ptr(v int64) *int64     { return &v }

var defaultOpts = ApplyOptions{SubscriptionID: 1000, MarketID: "1.23"}

func deltaMsg(id int, mc ...MarketChange) *MarketChangeMessage {
	return &MarketChangeMessage{Op: opMarketChange, ID: intPtr(id), Mc: mc}
}

func TestApplyDeltaMerge(t *testing.T) {
	msg := deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{
			{ID: 7, Batb: [][]float64{{0, 2.5, 100}}},
		},
	})

	state := Apply(nil, msg, defaultOpts)
	if state == nil {
		t.Fatal("message was discarded")
	}

	snap := Project(state)
	if len(snap.Runners) != 1 {
		t.Fatalf("got %d runners, want 1", len(snap.Runners))
	}
	runner := snap.Runners[0]
	if runner.SelectionID != 7 {
		t.Errorf("selection id = %d, want 7", runner.SelectionID)
	}
	if len(runner.Back) != 1 {
		t.Fatalf("got %d back levels, want 1", len(runner.Back))
	}
	if lvl := runner.Back[0]; lvl.Level != 0 || lvl.Price != 2.5 || lvl.Size != 100 {
		t.Errorf("back level 0 = %+v, want {0 2.5 100}", lvl)
	}
}

func TestApplyRejects(t *testing.T) {
	base := Apply(nil, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{{ID: 7, Ltp: f64Ptr(3.0)}},
	}), defaultOpts)

	t.Run("wrong op", func(t *testing.T) {
		msg := &MarketChangeMessage{Op: opStatus, ID: intPtr(1000)}
		if got := Apply(base, msg, defaultOpts); got != base {
			t.Error("non-mcm message was not discarded")
		}
	})

	t.Run("stale subscription id", func(t *testing.T) {
		msg := deltaMsg(5, MarketChange{
			ID: "1.23",
			Rc: []RunnerChange{{ID: 7, Ltp: f64Ptr(9.9)}},
		})
		if got := Apply(base, msg, defaultOpts); got != base {
			t.Error("stale-subscription message was not discarded")
		}
	})

	t.Run("missing id", func(t *testing.T) {
		msg := &MarketChangeMessage{Op: opMarketChange, Mc: []MarketChange{{ID: "1.23"}}}
		if got := Apply(base, msg, defaultOpts); got != base {
			t.Error("id-less message was not discarded")
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		msg := &MarketChangeMessage{Op: opMarketChange, ID: intPtr(1000), Ct: ChangeHeartbeat}
		if got := Apply(base, msg, defaultOpts); got != base {
			t.Error("heartbeat changed the state")
		}
	})

	t.Run("unmatched market", func(t *testing.T) {
		msg := deltaMsg(1000, MarketChange{
			ID: "1.99",
			Rc: []RunnerChange{{ID: 7, Ltp: f64Ptr(9.9)}},
		})
		if got := Apply(base, msg, defaultOpts); got != base {
			t.Error("message for another market was not discarded")
		}
	})
}

func TestApplyZeroSizeRemovesLevel(t *testing.T) {
	state := Apply(nil, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{
			{ID: 7, Batb: [][]float64{{0, 2.5, 100}, {1, 2.48, 50}}},
		},
	}), defaultOpts)

	state = Apply(state, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{
			{ID: 7, Batb: [][]float64{{0, 2.5, 0}}},
		},
	}), defaultOpts)

	snap := Project(state)
	back := snap.Runners[0].Back
	if len(back) != 1 {
		t.Fatalf("got %d back levels, want 1", len(back))
	}
	if back[0].Level != 1 {
		t.Errorf("surviving level = %d, want 1", back[0].Level)
	}
}

func TestApplySparseOverlay(t *testing.T) {
	// Levels not mentioned in a delta are untouched; mentioned ones are
	// replaced wholesale.
	state := Apply(nil, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{{
			ID:   7,
			Ltp:  f64Ptr(2.5),
			Batb: [][]float64{{0, 2.5, 100}, {1, 2.48, 50}, {2, 2.46, 25}},
		}},
	}), defaultOpts)

	state = Apply(state, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{{
			ID:   7,
			Batb: [][]float64{{1, 2.5, 75}},
			Batl: [][]float64{{0, 2.52, 10}},
		}},
	}), defaultOpts)

	snap := Project(state)
	runner := snap.Runners[0]

	if runner.Ltp == nil || *runner.Ltp != 2.5 {
		t.Error("ltp lost by a delta that did not mention it")
	}
	if len(runner.Back) != 3 {
		t.Fatalf("got %d back levels, want 3", len(runner.Back))
	}
	if runner.Back[1].Size != 75 {
		t.Errorf("level 1 size = %v, want 75", runner.Back[1].Size)
	}
	if runner.Back[0].Size != 100 || runner.Back[2].Size != 25 {
		t.Error("unmentioned levels were modified")
	}
	if len(runner.Lay) != 1 || runner.Lay[0].Price != 2.52 {
		t.Errorf("lay side = %+v, want level 0 at 2.52", runner.Lay)
	}
}

func TestApplyImageResetDiscardsPriorDeltas(t *testing.T) {
	deltas := Apply(nil, deltaMsg(1000, MarketChange{
		ID:           "1.23",
		TradedVolume: f64Ptr(500),
		Rc: []RunnerChange{
			{ID: 7, Batb: [][]float64{{0, 2.5, 100}}},
			{ID: 8, Batl: [][]float64{{0, 4.1, 30}}},
		},
	}), defaultOpts)

	image := &MarketChangeMessage{
		Op: opMarketChange,
		ID: intPtr(1000),
		Ct: ChangeSubImage,
		Mc: []MarketChange{{
			ID: "1.23",
			Rc: []RunnerChange{{ID: 9, Batb: [][]float64{{0, 6.2, 40}}}},
		}},
	}

	afterImage := Apply(deltas, image, defaultOpts)
	fromScratch := Apply(nil, image, defaultOpts)

	got, err := json.Marshal(Project(afterImage))
	if err != nil {
		t.Fatal(err)
	}
	want, err := json.Marshal(Project(fromScratch))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("image applied over deltas differs from image alone:\n%s\n%s", got, want)
	}
	if len(afterImage.Runners) != 1 {
		t.Errorf("got %d runners after image, want 1", len(afterImage.Runners))
	}
}

func TestApplyExplicitImgFlagResets(t *testing.T) {
	state := Apply(nil, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{{ID: 7, Batb: [][]float64{{0, 2.5, 100}}}},
	}), defaultOpts)

	state = Apply(state, deltaMsg(1000, MarketChange{
		ID:  "1.23",
		Img: true,
		Rc:  []RunnerChange{{ID: 8, Batb: [][]float64{{0, 3.0, 20}}}},
	}), defaultOpts)

	if _, ok := state.Runners[7]; ok {
		t.Error("img flag did not discard prior runner state")
	}
	if _, ok := state.Runners[8]; !ok {
		t.Error("img change did not populate the new runner")
	}
}

func TestApplySegmentedImage(t *testing.T) {
	// Only the first segment of a segmented image resets; later segments
	// overlay the partial image.
	segStart := &MarketChangeMessage{
		Op: opMarketChange, ID: intPtr(1000),
		Ct: ChangeSubImage, SegmentType: SegStart,
		Mc: []MarketChange{{ID: "1.23", Rc: []RunnerChange{{ID: 7, Batb: [][]float64{{0, 2.5, 100}}}}}},
	}
	segEnd := &MarketChangeMessage{
		Op: opMarketChange, ID: intPtr(1000),
		Ct: ChangeSubImage, SegmentType: SegEnd,
		Mc: []MarketChange{{ID: "1.23", Rc: []RunnerChange{{ID: 8, Batb: [][]float64{{0, 3.0, 20}}}}}},
	}

	state := Apply(nil, segStart, defaultOpts)
	state = Apply(state, segEnd, defaultOpts)

	if len(state.Runners) != 2 {
		t.Fatalf("got %d runners after segments, want 2", len(state.Runners))
	}
}

func TestApplyScalarFields(t *testing.T) {
	state := Apply(nil, &MarketChangeMessage{
		Op:          opMarketChange,
		ID:          intPtr(1000),
		PublishTime: i64Ptr(1700000000000),
		Clk:         "AAA",
		Mc: []MarketChange{{
			ID:               "1.23",
			TradedVolume:     f64Ptr(1234.5),
			MarketDefinition: json.RawMessage(`{"status":"OPEN"}`),
		}},
	}, defaultOpts)

	if state.PublishTime == nil || *state.PublishTime != 1700000000000 {
		t.Error("publish time not applied")
	}
	if state.Clk != "AAA" {
		t.Error("change token not applied")
	}

	// A later message without those fields leaves them untouched.
	state = Apply(state, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{{ID: 7, Ltp: f64Ptr(2.0)}},
	}), defaultOpts)

	if state.Clk != "AAA" {
		t.Error("absent clk overwrote the stored token")
	}
	if state.TradedVolume == nil || *state.TradedVolume != 1234.5 {
		t.Error("absent tv overwrote the stored volume")
	}
	if string(state.MarketDefinition) != `{"status":"OPEN"}` {
		t.Error("absent marketDefinition overwrote the stored definition")
	}
}

func TestApplyCopyOnWrite(t *testing.T) {
	first := Apply(nil, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{{ID: 7, Batb: [][]float64{{0, 2.5, 100}}}},
	}), defaultOpts)
	firstSnap := Project(first)

	second := Apply(first, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{{ID: 7, Batb: [][]float64{{0, 2.6, 10}, {1, 2.48, 5}}}},
	}), defaultOpts)

	if second == first {
		t.Fatal("accepted delta returned the previous state")
	}

	// The snapshot taken before the second delta still reflects the old book.
	if len(firstSnap.Runners[0].Back) != 1 {
		t.Fatal("earlier snapshot grew a level after a later mutation")
	}
	if firstSnap.Runners[0].Back[0].Price != 2.5 {
		t.Error("earlier snapshot changed after a later mutation")
	}
	if first.Runners[7].Back[0].Price != 2.5 {
		t.Error("previous state mutated in place")
	}
	if second.Runners[7].Back[0].Price != 2.6 {
		t.Error("new state missing the applied delta")
	}
}

func TestProjectSorting(t *testing.T) {
	state := Apply(nil, deltaMsg(1000, MarketChange{
		ID: "1.23",
		Rc: []RunnerChange{
			{ID: 42, Batb: [][]float64{{2, 1.9, 1}, {0, 2.0, 2}, {1, 1.95, 3}}},
			{ID: 7, Batl: [][]float64{{1, 2.2, 4}, {0, 2.1, 5}}},
		},
	}), defaultOpts)

	snap := Project(state)
	if snap.Runners[0].SelectionID != 7 || snap.Runners[1].SelectionID != 42 {
		t.Errorf("runners not sorted by selection id: %d then %d",
			snap.Runners[0].SelectionID, snap.Runners[1].SelectionID)
	}
	back := snap.Runners[1].Back
	for i := 0; i < len(back)-1; i++ {
		if back[i].Level > back[i+1].Level {
			t.Fatalf("back levels not sorted by depth: %+v", back)
		}
	}
	lay := snap.Runners[0].Lay
	if lay[0].Level != 0 || lay[1].Level != 1 {
		t.Errorf("lay levels not sorted by depth: %+v", lay)
	}
}

func TestProjectTradedVolumeFallback(t *testing.T) {
	t.Run("explicit market volume wins", func(t *testing.T) {
		state := Apply(nil, deltaMsg(1000, MarketChange{
			ID:           "1.23",
			TradedVolume: f64Ptr(999),
			Rc: []RunnerChange{
				{ID: 7, TradedVolume: f64Ptr(100)},
				{ID: 8, TradedVolume: f64Ptr(200)},
			},
		}), defaultOpts)
		if got := Project(state).TradedVolume; got != 999 {
			t.Errorf("traded volume = %v, want 999", got)
		}
	})

	t.Run("sums runner volumes when absent", func(t *testing.T) {
		state := Apply(nil, deltaMsg(1000, MarketChange{
			ID: "1.23",
			Rc: []RunnerChange{
				{ID: 7, TradedVolume: f64Ptr(100)},
				{ID: 8, TradedVolume: f64Ptr(200)},
			},
		}), defaultOpts)
		if got := Project(state).TradedVolume; got != 300 {
			t.Errorf("traded volume = %v, want 300", got)
		}
	})
}
