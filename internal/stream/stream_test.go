package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"breakout-engine/internal/clock"
	"breakout-engine/internal/events"
	"breakout-engine/internal/hydrator"
	"breakout-engine/internal/intent"
	"breakout-engine/internal/logging"
	"breakout-engine/internal/market"
	"breakout-engine/internal/rangecalc"
)

var testInst = market.Instrument{
	Canonical:  "NQ",
	Contract:   "NQZ5",
	TickSize:   0.25,
	PointValue: 20,
}

var (
	rangeStart   = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	slotTime     = time.Date(2025, 3, 10, 14, 45, 0, 0, time.UTC)
	sessionClose = time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)
)

// fakeExec records the commands a stream issues and serves a scripted
// execution status back to its tick.
type fakeExec struct {
	status ExecStatus

	brackets   int
	immediates int
	cancels    int
	closeOuts  int
	lastLong   *intent.Intent
	lastShort  *intent.Intent
	lastImmed  *intent.Intent

	failBracket bool
}

func (e *fakeExec) PlaceBracket(ctx context.Context, streamID string, long, short *intent.Intent) error {
	if e.failBracket {
		return errors.New("venue link down")
	}
	e.brackets++
	e.lastLong, e.lastShort = long, short
	return nil
}

func (e *fakeExec) PlaceImmediate(ctx context.Context, streamID string, it *intent.Intent) error {
	e.immediates++
	e.lastImmed = it
	return nil
}

func (e *fakeExec) CancelStreamOrders(ctx context.Context, streamID string) error {
	e.cancels++
	return nil
}

func (e *fakeExec) CloseOut(ctx context.Context, streamID string) error {
	e.closeOuts++
	return nil
}

func (e *fakeExec) Status(streamID string) ExecStatus { return e.status }

type streamFixture struct {
	clk   *clock.ManualClock
	buf   *hydrator.Hydrator
	exec  *fakeExec
	store *MemoryRecordStore
	wal   *MemoryRangeLog
	sm    *StateMachine
}

func newCfg(gapTolerance int) Config {
	return Config{
		TradingDate:         "2025-03-10",
		Session:             "RTH",
		Slot:                "14:45",
		Instrument:          testInst,
		RangeStart:          rangeStart,
		SlotTime:            slotTime,
		SessionClose:        sessionClose,
		Quantity:            1,
		TargetPoints:        10,
		GapToleranceMin:     gapTolerance,
		ArmGrace:            time.Minute,
		ForceFlattenAtClose: true,
	}
}

func newStreamFixture(t *testing.T, cfg Config) *streamFixture {
	t.Helper()
	f := &streamFixture{
		clk:   clock.NewManualClock(rangeStart),
		exec:  &fakeExec{},
		store: NewMemoryRecordStore(),
		wal:   NewMemoryRangeLog(),
	}
	f.buf = hydrator.New(testInst.Contract, f.clk, 0)
	sm, err := New(cfg, f.buf, f.exec, f.store, f.wal, events.NewBus(), logging.Default())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	f.sm = sm
	return f
}

func wbar(start time.Time, high, low, close float64) market.Bar {
	return market.Bar{
		Contract: testInst.Contract,
		Start:    start,
		Open:     close,
		High:     high,
		Low:      low,
		Close:    close,
		Volume:   25,
		Source:   market.SourceLive,
	}
}

// feed advances the clock past the bar's close and offers it to the stream.
func (f *streamFixture) feed(ctx context.Context, b market.Bar) {
	if f.clk.Now().Before(b.End()) {
		f.clk.Set(b.End())
	}
	f.sm.OnBar(ctx, b)
}

// feedWindow loads a full 15-minute range window, high 18010 / low 17990.
func (f *streamFixture) feedWindow(ctx context.Context) {
	for i := 0; i < 15; i++ {
		high, low := 18005.0, 17995.0
		if i == 4 {
			high = 18010.0
		}
		if i == 9 {
			low = 17990.0
		}
		f.feed(ctx, wbar(rangeStart.Add(time.Duration(i)*time.Minute), high, low, 18000))
	}
}

func (f *streamFixture) tickAt(ctx context.Context, at time.Time) {
	f.clk.Set(at)
	f.sm.Tick(ctx, at)
}

func TestArmsOnFirstBar(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))

	f.clk.Set(rangeStart.Add(-4 * time.Minute))
	f.sm.Tick(ctx, rangeStart.Add(-4*time.Minute))
	if got := f.sm.CurrentState(); got != StatePreHydration {
		t.Fatalf("Expected PRE_HYDRATION before any bar, got %s", got)
	}

	f.feed(ctx, wbar(rangeStart.Add(-5*time.Minute), 18002, 17998, 18000))
	f.sm.Tick(ctx, rangeStart.Add(-3*time.Minute))
	if got := f.sm.CurrentState(); got != StateArmed {
		t.Fatalf("Expected ARMED after first hydrated bar, got %s", got)
	}

	f.tickAt(ctx, rangeStart)
	if got := f.sm.CurrentState(); got != StateRangeBuilding {
		t.Errorf("Expected RANGE_BUILDING at window open, got %s", got)
	}
}

func TestLockPlacesRestingBracket(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.feedWindow(ctx)

	f.tickAt(ctx, slotTime.Add(30*time.Second))

	if got := f.sm.CurrentState(); got != StateRangeLocked {
		t.Fatalf("Expected RANGE_LOCKED, got %s", got)
	}
	snap := f.sm.Snapshot()
	if !snap.Locked {
		t.Fatalf("Expected locked range snapshot")
	}
	if snap.Range.High != 18010 || snap.Range.Low != 17990 {
		t.Errorf("Expected range 18010/17990, got %f/%f", snap.Range.High, snap.Range.Low)
	}
	if snap.Range.BreakoutLong != 18010.25 || snap.Range.BreakoutShort != 17989.75 {
		t.Errorf("Expected breakout levels one tick beyond the band, got %f/%f",
			snap.Range.BreakoutLong, snap.Range.BreakoutShort)
	}

	if f.exec.brackets != 1 || f.exec.immediates != 0 {
		t.Fatalf("Expected one resting bracket, got %d brackets / %d immediates", f.exec.brackets, f.exec.immediates)
	}
	if f.exec.lastLong.EntryPrice != 18010.25 || f.exec.lastShort.EntryPrice != 17989.75 {
		t.Errorf("Expected entries at the breakout levels, got %f/%f",
			f.exec.lastLong.EntryPrice, f.exec.lastShort.EntryPrice)
	}

	// The lock must be in the range log, after the window bars.
	recs, err := f.wal.Replay(ctx, f.sm.ID())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(recs) != 16 || recs[15].Kind != WalLock {
		t.Errorf("Expected 15 bar records plus a lock record, got %d (last %v)", len(recs), recs[len(recs)-1].Kind)
	}
}

func TestGapToleranceInvalidatesRange(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))

	f.feed(ctx, wbar(rangeStart, 18005, 17995, 18000))
	f.feed(ctx, wbar(rangeStart.Add(time.Minute), 18005, 17995, 18000))

	// Ten minutes in, eight window minutes are missing.
	f.tickAt(ctx, rangeStart.Add(10*time.Minute))

	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitRangeInvalidated {
		t.Fatalf("Expected RANGE_INVALIDATED commit, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
	// No order activity may follow an invalidated range.
	f.tickAt(ctx, slotTime)
	if f.exec.brackets != 0 || f.exec.immediates != 0 {
		t.Errorf("Expected no submissions after invalidation")
	}
}

func TestEmptyWindowCommitsNoTrade(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(60))

	f.tickAt(ctx, slotTime)

	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitNoTrade {
		t.Fatalf("Expected NO_TRADE commit with an empty window, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
	if f.exec.brackets != 0 {
		t.Errorf("Expected no bracket without a range")
	}
}

func TestCommitIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.feedWindow(ctx)
	f.tickAt(ctx, slotTime)

	f.exec.status = ExecStatus{Completed: true, Reason: "TRADE_COMPLETE"}
	f.tickAt(ctx, slotTime.Add(5*time.Minute))
	if f.sm.CommitReason() != CommitTradeComplete {
		t.Fatalf("Expected TRADE_COMPLETE, got %q", f.sm.CommitReason())
	}

	// A later stand-down report must not rewrite the terminal reason.
	f.exec.status = ExecStatus{StoodDown: true, Reason: "late"}
	f.tickAt(ctx, slotTime.Add(6*time.Minute))
	if f.sm.CommitReason() != CommitTradeComplete {
		t.Errorf("Commit must be write-once, reason became %q", f.sm.CommitReason())
	}

	// Committed streams ignore bars entirely.
	before := f.buf.Count()
	f.feed(ctx, wbar(slotTime.Add(10*time.Minute), 18050, 18040, 18045))
	if f.buf.Count() != before {
		t.Errorf("Committed stream must not ingest bars")
	}
}

func TestStandDownCommits(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.feedWindow(ctx)
	f.tickAt(ctx, slotTime)

	f.exec.status = ExecStatus{StoodDown: true, Reason: "watchdog breach"}
	f.tickAt(ctx, slotTime.Add(time.Minute))

	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitStandDown {
		t.Errorf("Expected STAND_DOWN commit, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
}

func TestLateLockForfeitsMissedBreakout(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.feedWindow(ctx)
	// A breakout printed two minutes past the slot, before the first tick.
	f.feed(ctx, wbar(slotTime.Add(2*time.Minute), 18014, 18006, 18008))

	f.tickAt(ctx, slotTime.Add(5*time.Minute))

	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitMissedBreakout {
		t.Fatalf("Expected MISSED_BREAKOUT commit, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
	if f.exec.brackets != 0 || f.exec.immediates != 0 {
		t.Errorf("A forfeited breakout must never be entered, got %d/%d",
			f.exec.brackets, f.exec.immediates)
	}
}

func TestImmediateEntryWhenFreezeBeyondLevel(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.feedWindow(ctx)
	// The slot-minute bar closes above the long level (18010.25). It is the
	// freeze bar, not part of the high/low window.
	f.feed(ctx, wbar(slotTime, 18013, 18007, 18012))

	f.tickAt(ctx, slotTime.Add(70*time.Second))

	if f.sm.IsCommitted() {
		t.Fatalf("Expected live stream, committed with %q", f.sm.CommitReason())
	}
	if f.exec.immediates != 1 || f.exec.brackets != 0 {
		t.Fatalf("Expected one immediate entry and no bracket, got %d/%d",
			f.exec.immediates, f.exec.brackets)
	}
	if f.exec.lastImmed.Direction != market.Long || f.exec.lastImmed.EntryPrice != 18010.25 {
		t.Errorf("Expected long immediate entry at 18010.25, got %s at %f",
			f.exec.lastImmed.Direction, f.exec.lastImmed.EntryPrice)
	}
	if !f.sm.EntryDetected() {
		t.Errorf("Expected entry detected after immediate entry")
	}
	// The window high must not include the slot bar.
	if snap := f.sm.Snapshot(); snap.Range.High != 18010 {
		t.Errorf("Expected window high 18010, got %f", snap.Range.High)
	}
}

func TestSessionCloseWithoutEntry(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.feedWindow(ctx)
	f.tickAt(ctx, slotTime)

	f.exec.status = ExecStatus{Working: true}
	f.tickAt(ctx, sessionClose)

	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitNoTrade {
		t.Fatalf("Expected NO_TRADE at session close, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
	if f.exec.cancels == 0 {
		t.Errorf("Expected resting bracket cancelled at session close")
	}
}

func TestSessionCloseFlattensLiveTrade(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.feedWindow(ctx)
	f.tickAt(ctx, slotTime)

	f.exec.status = ExecStatus{Live: true}
	f.tickAt(ctx, sessionClose)
	if f.exec.closeOuts != 1 {
		t.Fatalf("Expected close-out at session close, got %d", f.exec.closeOuts)
	}
	if f.sm.IsCommitted() {
		t.Fatalf("Stream must wait for the flat report before committing")
	}

	// The flat report arrives on a later tick.
	f.exec.status = ExecStatus{}
	f.tickAt(ctx, sessionClose.Add(time.Minute))
	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitSessionClose {
		t.Errorf("Expected SESSION_CLOSE commit, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
}

func TestSessionCloseOutReportedCompleteCommitsSessionClose(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.feedWindow(ctx)
	f.tickAt(ctx, slotTime)

	f.exec.status = ExecStatus{Live: true}
	f.tickAt(ctx, sessionClose)
	if f.exec.closeOuts != 1 {
		t.Fatalf("Expected close-out at session close, got %d", f.exec.closeOuts)
	}

	// The coordinator marks the trade completed once the flatten fill
	// lands. A close-out the stream itself requested still commits as a
	// session close, not as a completed trade.
	f.exec.status = ExecStatus{Completed: true}
	f.tickAt(ctx, sessionClose.Add(time.Minute))
	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitSessionClose {
		t.Errorf("Expected SESSION_CLOSE commit, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
}

func TestBarTrafficPublishesEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	ingested := make(chan events.Event, 4)
	rejected := make(chan events.Event, 4)
	bus.Subscribe(events.EventBarIngested, func(ev events.Event) { ingested <- ev })
	bus.Subscribe(events.EventBarRejected, func(ev events.Event) { rejected <- ev })

	clk := clock.NewManualClock(rangeStart)
	buf := hydrator.New(testInst.Contract, clk, 0)
	sm, err := New(newCfg(3), buf, &fakeExec{}, NewMemoryRecordStore(), NewMemoryRangeLog(), bus, logging.Default())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	bar := wbar(rangeStart, 18005, 17995, 18000)
	clk.Set(bar.End())
	sm.OnBar(ctx, bar)
	select {
	case ev := <-ingested:
		if src, _ := ev.Data["source"].(string); src != "LIVE" {
			t.Errorf("Expected LIVE source on ingest event, got %q", src)
		}
	case <-time.After(time.Second):
		t.Fatalf("Expected an ingest event for an accepted bar")
	}

	// The same bar at equal precedence is a duplicate.
	sm.OnBar(ctx, bar)
	select {
	case ev := <-rejected:
		if reason, _ := ev.Data["reason"].(string); reason != hydrator.ReasonDuplicate {
			t.Errorf("Expected duplicate rejection reason, got %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("Expected a reject event for the duplicate bar")
	}
}

func TestBracketFailureCommitsSubmitFailed(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.exec.failBracket = true
	f.feedWindow(ctx)

	f.tickAt(ctx, slotTime)

	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitSubmitFailed {
		t.Fatalf("Expected ORDER_SUBMIT_FAILED commit, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
	if f.exec.cancels == 0 {
		t.Errorf("Expected cleanup cancel after a failed bracket")
	}
}

func TestRecoverFreshStream(t *testing.T) {
	f := newStreamFixture(t, newCfg(3))
	if err := f.sm.Recover(context.Background()); err != nil {
		t.Fatalf("Recover on a fresh stream: %v", err)
	}
	if got := f.sm.CurrentState(); got != StatePreHydration {
		t.Errorf("Expected PRE_HYDRATION after fresh recover, got %s", got)
	}
}

func TestRecoverCommittedStream(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	seed := &Record{
		StreamID:     f.sm.ID(),
		State:        StateDone,
		Committed:    true,
		CommitReason: CommitNoTrade,
	}
	if err := f.store.Save(ctx, seed); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if err := f.sm.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !f.sm.IsCommitted() || f.sm.CommitReason() != CommitNoTrade {
		t.Errorf("Expected committed NO_TRADE restored, got committed=%v reason=%q",
			f.sm.IsCommitted(), f.sm.CommitReason())
	}
	// Committed streams stay inert after restart.
	f.tickAt(ctx, slotTime)
	if f.exec.brackets != 0 {
		t.Errorf("Recovered committed stream must not submit")
	}
}

func TestRecoverRestoresLockedRangeFromLog(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	rng := rangecalc.Range{
		High: 18010, Low: 17990, FreezeClose: 18000,
		BreakoutLong: 18010.25, BreakoutShort: 17989.75,
		BarCount: 15, RangeStart: rangeStart, SlotTime: slotTime,
	}
	if err := f.wal.Append(ctx, f.sm.ID(), WalRecord{Kind: WalLock, Range: rng}); err != nil {
		t.Fatalf("seed wal: %v", err)
	}
	if err := f.store.Save(ctx, &Record{StreamID: f.sm.ID(), State: StateRangeLocked, RangeLocked: true}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if err := f.sm.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := f.sm.CurrentState(); got != StateRangeLocked {
		t.Fatalf("Expected RANGE_LOCKED restored, got %s", got)
	}
	snap := f.sm.Snapshot()
	if !snap.Locked || snap.Range != rng {
		t.Errorf("Expected range restored from log, got %+v", snap)
	}
}

func TestRecoverRecomputesFromLoggedBars(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.clk.Set(slotTime.Add(time.Minute))

	// The journal says locked but the lock record is missing; the logged
	// window bars are complete, so the range is recomputed.
	for i := 0; i < 15; i++ {
		high := 18005.0
		if i == 7 {
			high = 18010.0
		}
		b := wbar(rangeStart.Add(time.Duration(i)*time.Minute), high, 17990, 18000)
		if err := f.wal.Append(ctx, f.sm.ID(), WalRecord{Kind: WalBar, Bar: b}); err != nil {
			t.Fatalf("seed wal: %v", err)
		}
	}
	if err := f.store.Save(ctx, &Record{StreamID: f.sm.ID(), State: StateRangeLocked, RangeLocked: true}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if err := f.sm.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := f.sm.CurrentState(); got != StateRangeLocked {
		t.Fatalf("Expected RANGE_LOCKED after recompute, got %s", got)
	}
	snap := f.sm.Snapshot()
	if snap.Range.High != 18010 || snap.Range.Low != 17990 {
		t.Errorf("Expected recomputed range 18010/17990, got %f/%f", snap.Range.High, snap.Range.Low)
	}
}

func TestRecoverSuspendsWhenRangeIrrecoverable(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(t, newCfg(3))
	f.clk.Set(slotTime.Add(time.Minute))

	// Locked per the journal, but the log holds neither a lock record nor
	// enough bars to recompute deterministically.
	for i := 0; i < 2; i++ {
		b := wbar(rangeStart.Add(time.Duration(i)*time.Minute), 18005, 17995, 18000)
		if err := f.wal.Append(ctx, f.sm.ID(), WalRecord{Kind: WalBar, Bar: b}); err != nil {
			t.Fatalf("seed wal: %v", err)
		}
	}
	if err := f.store.Save(ctx, &Record{StreamID: f.sm.ID(), State: StateRangeLocked, RangeLocked: true}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if err := f.sm.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := f.sm.CurrentState(); got != StateSuspended {
		t.Fatalf("Expected SUSPENDED_INSUFFICIENT_DATA, got %s", got)
	}
	// Suspension is terminal: ticks and bars are ignored.
	f.tickAt(ctx, slotTime.Add(2*time.Minute))
	if f.exec.brackets != 0 || f.exec.immediates != 0 {
		t.Errorf("Suspended stream must never submit")
	}
}
