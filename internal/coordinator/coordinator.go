// Package coordinator owns live order state per intent and enforces the
// protective-order contract: an entry fill is either protected by working
// stop and target orders sized to the cumulative filled quantity, or the
// position is flattened and the stream stood down. There is no third
// outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"breakout-engine/internal/broker"
	"breakout-engine/internal/events"
	"breakout-engine/internal/intent"
	"breakout-engine/internal/journal"
	"breakout-engine/internal/market"
)

var (
	ErrStreamStoodDown     = errors.New("stream is stood down, order activity refused")
	ErrRegistrationAborted = errors.New("intent registration failed, submission aborted")
)

const (
	// protectiveAttempts bounds retries for stop/target submission.
	protectiveAttempts = 3
	protectiveBackoff  = 500 * time.Millisecond

	flattenAttempts = 3
	flattenBackoff  = time.Second
)

// Alerter delivers operator notifications. Best effort: failures are
// logged and never block the fail-closed sequence or the fill path.
type Alerter interface {
	SendIncident(inc *journal.Incident)
	SendTradeClose(streamID, contract string, entryPrice, exitPrice, pnl float64) error
}

// ProtectionWatch registers filled entries awaiting protective orders with
// an external deadline monitor. Optional; nil disables the watchdog.
type ProtectionWatch interface {
	Watch(ctx context.Context, intentID, streamID, contract string, qty int) error
	Clear(ctx context.Context, intentID string) error
}

// StreamStatus is the execution-side view a stream polls on its tick.
type StreamStatus struct {
	Working   bool // resting entry order(s) live
	Live      bool // open position
	Completed bool
	StoodDown bool
	Reason    string
}

// trackedIntent is the live order state for one intent.
type trackedIntent struct {
	it           *intent.Intent
	streamID     string
	entryVenueID string
	stopVenueID  string
	tgtVenueID   string
	protectedQty int // qty the current protectives are sized for
	beDone       bool
}

// streamOrders groups the order state owned by one stream.
type streamOrders struct {
	longEntry  string // venue id of resting long entry, if any
	shortEntry string
	active     *trackedIntent // set once an entry fills; nil before
	completed  bool
	reason     string
}

type orderRef struct {
	intentID string
	streamID string
	kind     broker.OrderKind
}

// Coordinator routes executions, sizes protectives from the journal's
// cumulative fill, and runs every fail-closed path.
type Coordinator struct {
	mu      sync.RWMutex
	intents map[string]*trackedIntent
	orders  map[string]orderRef
	streams map[string]*streamOrders
	standby map[string]string // streamID -> stand-down reason, day scoped

	adapter broker.Adapter
	ledger  *journal.Journal
	bus     *events.Bus
	alerter Alerter
	watch   ProtectionWatch
	logger  zerolog.Logger
}

// New creates a coordinator and installs itself as the adapter's execution
// handler.
func New(adapter broker.Adapter, ledger *journal.Journal, bus *events.Bus, alerter Alerter, watch ProtectionWatch, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		intents: make(map[string]*trackedIntent),
		orders:  make(map[string]orderRef),
		streams: make(map[string]*streamOrders),
		standby: make(map[string]string),
		adapter: adapter,
		ledger:  ledger,
		bus:     bus,
		alerter: alerter,
		watch:   watch,
		logger:  logger.With().Str("component", "OrderCoordinator").Logger(),
	}
	adapter.SetExecutionHandler(c.OnExecution)
	return c
}

// RegisterIntent records the intent durably before anything can reference
// it. If the write cannot be confirmed the submission that follows must not
// happen: the caller gets ErrRegistrationAborted and an incident is raised.
func (c *Coordinator) RegisterIntent(ctx context.Context, streamID string, it *intent.Intent) error {
	if err := it.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationAborted, err)
	}

	entry := &journal.Entry{
		IntentID:    it.ID,
		StreamID:    streamID,
		Contract:    it.Contract,
		Direction:   it.Direction,
		EntryPrice:  it.EntryPrice,
		StopPrice:   it.StopPrice,
		TargetPrice: it.TargetPrice,
		Quantity:    it.Quantity,
		PointValue:  it.PointValue,
	}
	if err := c.ledger.RecordIntent(ctx, entry); err != nil {
		c.raiseIncident(ctx, streamID, it.ID, journal.IncidentRegistrationFailed,
			fmt.Sprintf("intent registration not durable: %v", err))
		return fmt.Errorf("%w: %v", ErrRegistrationAborted, err)
	}

	c.mu.Lock()
	if _, ok := c.intents[it.ID]; !ok {
		c.intents[it.ID] = &trackedIntent{it: it, streamID: streamID}
	}
	c.mu.Unlock()
	return nil
}

// PlaceBracket submits the resting stop-entry pair bracketing the range.
// Idempotent per intent id: an already-submitted side is skipped.
func (c *Coordinator) PlaceBracket(ctx context.Context, streamID string, long, short *intent.Intent) error {
	if reason, down := c.isStoodDown(streamID); down {
		return fmt.Errorf("%w: %s", ErrStreamStoodDown, reason)
	}
	so := c.streamState(streamID)

	for _, it := range []*intent.Intent{long, short} {
		if err := c.RegisterIntent(ctx, streamID, it); err != nil {
			return err
		}
	}
	for _, it := range []*intent.Intent{long, short} {
		venueID, submitted, err := c.submitEntry(ctx, streamID, it, true)
		if err != nil {
			return err
		}
		if !submitted {
			continue
		}
		c.mu.Lock()
		if it.Direction == market.Long {
			so.longEntry = venueID
		} else {
			so.shortEntry = venueID
		}
		c.mu.Unlock()
	}
	return nil
}

// PlaceImmediate submits a marketable entry for the immediate-entry path
// (freeze close already beyond the breakout level at lock).
func (c *Coordinator) PlaceImmediate(ctx context.Context, streamID string, it *intent.Intent) error {
	if reason, down := c.isStoodDown(streamID); down {
		return fmt.Errorf("%w: %s", ErrStreamStoodDown, reason)
	}
	c.streamState(streamID)

	if err := c.RegisterIntent(ctx, streamID, it); err != nil {
		return err
	}
	_, _, err := c.submitEntry(ctx, streamID, it, false)
	return err
}

// submitEntry is the idempotent entry submission. Returns submitted=false
// when the journal already shows a submission for this intent id.
func (c *Coordinator) submitEntry(ctx context.Context, streamID string, it *intent.Intent, resting bool) (string, bool, error) {
	already, err := c.ledger.IsSubmitted(ctx, it.ID)
	if err != nil {
		return "", false, fmt.Errorf("idempotency check for %s: %w", it.ID, err)
	}
	if already {
		c.logger.Info().Str("intent_id", it.ID).Msg("entry already submitted, skipping")
		return "", false, nil
	}

	venueID, err := c.adapter.SubmitEntry(ctx, it, resting)
	if err != nil {
		c.bus.Publish(events.Event{Type: events.EventOrderRejected, StreamID: streamID, IntentID: it.ID,
			Data: map[string]interface{}{"kind": "ENTRY", "error": err.Error()}})
		return "", false, fmt.Errorf("submit entry %s: %w", it.ID, err)
	}
	if err := c.ledger.RecordSubmission(ctx, it.ID); err != nil {
		c.logger.Error().Err(err).Str("intent_id", it.ID).Msg("submission not journaled")
	}

	c.mu.Lock()
	if ti, ok := c.intents[it.ID]; ok {
		ti.entryVenueID = venueID
	}
	c.orders[venueID] = orderRef{intentID: it.ID, streamID: streamID, kind: broker.KindEntry}
	c.mu.Unlock()

	c.bus.Publish(events.Event{Type: events.EventOrderSubmitted, StreamID: streamID, IntentID: it.ID,
		Data: map[string]interface{}{"kind": "ENTRY", "venue_id": venueID, "resting": resting}})
	return venueID, true, nil
}

// CancelStreamOrders cancels any still-working orders for a stream. Used at
// session close and on terminal commit without entry.
func (c *Coordinator) CancelStreamOrders(ctx context.Context, streamID string) error {
	c.mu.RLock()
	so, ok := c.streams[streamID]
	var ids []string
	if ok {
		for _, id := range []string{so.longEntry, so.shortEntry} {
			if id != "" {
				ids = append(ids, id)
			}
		}
		if so.active != nil {
			for _, id := range []string{so.active.stopVenueID, so.active.tgtVenueID} {
				if id != "" {
					ids = append(ids, id)
				}
			}
		}
	}
	c.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := c.adapter.Cancel(ctx, id); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// CloseOut is the orderly session-close path: cancel anything working and
// flatten any open position. Unlike a fail-closed trigger it does not stand
// the stream down; the day simply ended.
func (c *Coordinator) CloseOut(ctx context.Context, streamID string) error {
	c.mu.RLock()
	so, ok := c.streams[streamID]
	var contract string
	if ok && so.active != nil && !so.completed {
		contract = so.active.it.Contract
	}
	c.mu.RUnlock()

	if err := c.CancelStreamOrders(ctx, streamID); err != nil {
		c.logger.Error().Err(err).Str("stream_id", streamID).Msg("close-out cancels failed")
	}
	if contract != "" {
		c.flattenWithRetry(ctx, contract, streamID, "")
	}
	return nil
}

// Status returns the execution-side view for a stream's tick.
func (c *Coordinator) Status(streamID string) StreamStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if reason, down := c.standby[streamID]; down {
		return StreamStatus{StoodDown: true, Reason: reason}
	}
	so, ok := c.streams[streamID]
	if !ok {
		return StreamStatus{}
	}
	st := StreamStatus{
		Working:   so.longEntry != "" || so.shortEntry != "",
		Completed: so.completed,
		Reason:    so.reason,
	}
	if so.active != nil && !so.completed {
		st.Live = true
	}
	return st
}

// OnExecution is the single entry point for venue execution reports. It
// runs on the adapter's goroutine.
func (c *Coordinator) OnExecution(u broker.ExecutionUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	ref, known := c.orders[u.VenueOrderID]
	if !known && u.IntentID != "" {
		// Recovered orders may report before the venue id is mapped.
		if ti, ok := c.intents[u.IntentID]; ok {
			ref = orderRef{intentID: u.IntentID, streamID: ti.streamID, kind: u.Kind}
			c.orders[u.VenueOrderID] = ref
			known = true
		}
	}
	c.mu.Unlock()

	if u.Kind == broker.KindFlatten {
		// Flatten fills carry no tracked order id, whether ours or a
		// manual/external close. Book them against the live intent on
		// the contract so the position-flat check below sees the truth.
		c.onFlattenFill(ctx, u)
		return
	}
	if !known {
		c.onUnknownExecution(ctx, u)
		return
	}

	switch u.Status {
	case broker.ExecRejected:
		c.onRejected(ctx, ref, u)
	case broker.ExecCancelled:
		c.onCancelled(ref, u)
	default:
		c.onFill(ctx, ref, u)
	}

	// Position-flat check after every execution update, not only on an
	// explicit close: external/manual closure must be caught here.
	c.checkFlat(ctx, ref.streamID)
}

// onUnknownExecution handles a fill for an order the coordinator does not
// track. Per contract this is an invariant violation: flatten immediately,
// stand down, incident, alert. Never skipped, never merely logged.
func (c *Coordinator) onUnknownExecution(ctx context.Context, u broker.ExecutionUpdate) {
	if u.Status == broker.ExecCancelled {
		return // cancel acks for orders we already dropped are benign
	}
	c.logger.Error().Str("venue_id", u.VenueOrderID).Str("contract", u.Contract).
		Msg("execution for untracked order, flattening")

	c.flattenWithRetry(ctx, u.Contract, "", "")
	c.raiseIncident(ctx, "", u.IntentID, journal.IncidentUnknownFill,
		fmt.Sprintf("execution for untracked venue order %s on %s", u.VenueOrderID, u.Contract))
}

// onFlattenFill books a flatten (ours or an external close) against the
// live intent on the contract, then runs the flat check so leftover orders
// are cancelled before they can re-enter.
func (c *Coordinator) onFlattenFill(ctx context.Context, u broker.ExecutionUpdate) {
	c.mu.RLock()
	var ti *trackedIntent
	var streamID string
	for id, so := range c.streams {
		if so.active != nil && !so.completed && so.active.it.Contract == u.Contract {
			ti = so.active
			streamID = id
			break
		}
	}
	c.mu.RUnlock()

	if ti == nil {
		return // nothing live on this contract; fill already accounted
	}

	entry, err := c.ledger.Get(ctx, ti.it.ID)
	if err != nil {
		c.logger.Error().Err(err).Str("intent_id", ti.it.ID).Msg("flatten fill for unknown ledger row")
		return
	}
	cum := entry.ExitFilledQty + u.FillDelta
	if err := c.ledger.RecordExitFill(ctx, ti.it.ID, u.FillDelta, cum, u.AvgPrice); err != nil {
		c.logger.Error().Err(err).Str("intent_id", ti.it.ID).Msg("flatten fill not journaled")
	}
	c.bus.Publish(events.Event{Type: events.EventFillApplied, StreamID: streamID, IntentID: ti.it.ID,
		Data: map[string]interface{}{"kind": "FLATTEN", "delta": u.FillDelta, "avg_price": u.AvgPrice}})
	c.checkFlat(ctx, streamID)
}

func (c *Coordinator) onRejected(ctx context.Context, ref orderRef, u broker.ExecutionUpdate) {
	c.bus.Publish(events.Event{Type: events.EventOrderRejected, StreamID: ref.streamID, IntentID: ref.intentID,
		Data: map[string]interface{}{"kind": string(ref.kind), "venue_id": u.VenueOrderID, "reason": u.Reason}})

	switch ref.kind {
	case broker.KindEntry:
		if err := c.ledger.RecordRejection(ctx, ref.intentID, u.Reason); err != nil {
			c.logger.Error().Err(err).Str("intent_id", ref.intentID).Msg("rejection not journaled")
		}
		c.clearEntry(ref.streamID, u.VenueOrderID)
	case broker.KindStop, broker.KindTarget:
		// A protective order rejected after acceptance gets the same
		// mandatory response as exhausted submission retries.
		c.failClosed(ctx, ref.streamID, ref.intentID, journal.IncidentProtectiveRejected,
			fmt.Sprintf("venue rejected working %s order %s: %s", ref.kind, u.VenueOrderID, u.Reason))
	}
}

func (c *Coordinator) onCancelled(ref orderRef, u broker.ExecutionUpdate) {
	c.mu.Lock()
	delete(c.orders, u.VenueOrderID)
	c.clearEntryLocked(ref.streamID, u.VenueOrderID)
	c.mu.Unlock()
	c.bus.Publish(events.Event{Type: events.EventOrderCancelled, StreamID: ref.streamID, IntentID: ref.intentID,
		Data: map[string]interface{}{"kind": string(ref.kind), "venue_id": u.VenueOrderID}})
}

func (c *Coordinator) onFill(ctx context.Context, ref orderRef, u broker.ExecutionUpdate) {
	c.mu.RLock()
	var direction string
	if ti, ok := c.intents[ref.intentID]; ok {
		direction = string(ti.it.Direction)
	}
	c.mu.RUnlock()
	c.bus.Publish(events.Event{Type: events.EventFillApplied, StreamID: ref.streamID, IntentID: ref.intentID,
		Data: map[string]interface{}{
			"kind": string(ref.kind), "venue_id": u.VenueOrderID, "contract": u.Contract,
			"direction": direction, "delta": u.FillDelta, "cumulative": u.FillCumulative,
			"avg_price": u.AvgPrice,
		}})

	switch ref.kind {
	case broker.KindEntry:
		c.onEntryFill(ctx, ref, u)
	case broker.KindStop, broker.KindTarget, broker.KindFlatten:
		c.onExitFill(ctx, ref, u)
	}
}

// onEntryFill records the cumulative fill and guarantees protection: the
// protective pair is submitted (or resized) for the full cumulative
// quantity before this function returns, or the fail-closed path runs.
func (c *Coordinator) onEntryFill(ctx context.Context, ref orderRef, u broker.ExecutionUpdate) {
	c.mu.Lock()
	ti, ok := c.intents[ref.intentID]
	if !ok {
		c.mu.Unlock()
		// Tracked venue id but no intent: same invariant violation as an
		// untracked order.
		c.flattenWithRetry(ctx, u.Contract, ref.streamID, ref.intentID)
		c.standDown(ctx, ref.streamID, "entry fill with unregistered intent")
		c.raiseIncident(ctx, ref.streamID, ref.intentID, journal.IncidentUnknownFill,
			"entry fill references an unregistered intent id")
		return
	}
	so := c.streams[ref.streamID]
	if so != nil && so.active == nil {
		so.active = ti
	}
	// First fill on one side retires the opposite resting entry and takes
	// the filled side out of the working set.
	var opposite string
	if so != nil {
		if ti.it.Direction == market.Long {
			opposite = so.shortEntry
		} else {
			opposite = so.longEntry
		}
		so.longEntry, so.shortEntry = "", ""
	}
	c.mu.Unlock()

	if err := c.ledger.RecordEntryFill(ctx, ref.intentID, u.FillDelta, u.FillCumulative, u.AvgPrice); err != nil {
		c.logger.Error().Err(err).Str("intent_id", ref.intentID).Msg("entry fill not journaled")
	}

	if opposite != "" {
		if err := c.adapter.Cancel(ctx, opposite); err != nil {
			c.logger.Error().Err(err).Str("venue_id", opposite).Msg("opposite entry cancel failed")
		}
	}

	if c.watch != nil {
		cum := c.ledger.CumulativeEntryQty(ctx, ref.intentID)
		if err := c.watch.Watch(ctx, ref.intentID, ref.streamID, u.Contract, cum); err != nil {
			c.logger.Warn().Err(err).Str("intent_id", ref.intentID).Msg("protection watchdog unavailable")
		}
	}

	c.ensureProtection(ctx, ref.streamID, ti)
}

// ensureProtection submits or resizes the protective stop and target so
// their quantity equals the journal's cumulative entry fill. The two are
// independent orders, never OCO-paired, each with bounded retry.
func (c *Coordinator) ensureProtection(ctx context.Context, streamID string, ti *trackedIntent) {
	cum := c.ledger.CumulativeEntryQty(ctx, ti.it.ID)
	if cum <= 0 {
		return
	}

	c.mu.Lock()
	if ti.protectedQty == cum {
		c.mu.Unlock()
		return
	}
	oldStop, oldTgt := ti.stopVenueID, ti.tgtVenueID
	c.mu.Unlock()

	// Resize is cancel-replace: the replacement covers the full
	// cumulative quantity, never the delta.
	for _, id := range []string{oldStop, oldTgt} {
		if id != "" {
			if err := c.adapter.Cancel(ctx, id); err != nil {
				c.logger.Error().Err(err).Str("venue_id", id).Msg("protective cancel-replace failed")
			}
		}
	}

	stopPrice := ti.it.StopPrice
	if ti.beDone {
		// Keep the break-even stop through resizes.
		stopPrice = ti.it.BreakEvenStop(market.Instrument{TickSize: ti.it.TickSize})
	}

	stopID, err := c.submitProtective(ctx, ti, broker.KindStop, cum, stopPrice)
	if err != nil {
		c.failClosed(ctx, streamID, ti.it.ID, journal.IncidentProtectiveExhausted,
			fmt.Sprintf("protective stop submission exhausted %d attempts: %v", protectiveAttempts, err))
		return
	}
	tgtID, err := c.submitProtective(ctx, ti, broker.KindTarget, cum, ti.it.TargetPrice)
	if err != nil {
		c.failClosed(ctx, streamID, ti.it.ID, journal.IncidentProtectiveExhausted,
			fmt.Sprintf("protective target submission exhausted %d attempts: %v", protectiveAttempts, err))
		return
	}

	c.mu.Lock()
	ti.stopVenueID = stopID
	ti.tgtVenueID = tgtID
	ti.protectedQty = cum
	c.orders[stopID] = orderRef{intentID: ti.it.ID, streamID: streamID, kind: broker.KindStop}
	c.orders[tgtID] = orderRef{intentID: ti.it.ID, streamID: streamID, kind: broker.KindTarget}
	c.mu.Unlock()

	if c.watch != nil {
		if err := c.watch.Clear(ctx, ti.it.ID); err != nil {
			c.logger.Warn().Err(err).Str("intent_id", ti.it.ID).Msg("watchdog clear failed")
		}
	}
	c.logger.Info().Str("intent_id", ti.it.ID).Int("qty", cum).
		Float64("stop", stopPrice).Float64("target", ti.it.TargetPrice).
		Msg("protective pair working")
}

func (c *Coordinator) submitProtective(ctx context.Context, ti *trackedIntent, kind broker.OrderKind, qty int, price float64) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= protectiveAttempts; attempt++ {
		var id string
		var err error
		if kind == broker.KindStop {
			id, err = c.adapter.SubmitStop(ctx, ti.it, qty, price)
		} else {
			id, err = c.adapter.SubmitTarget(ctx, ti.it, qty, price)
		}
		if err == nil {
			return id, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("intent_id", ti.it.ID).Str("kind", string(kind)).
			Int("attempt", attempt).Msg("protective submission failed")
		if attempt < protectiveAttempts {
			time.Sleep(protectiveBackoff)
		}
	}
	return "", lastErr
}

func (c *Coordinator) onExitFill(ctx context.Context, ref orderRef, u broker.ExecutionUpdate) {
	if ref.intentID == "" {
		return
	}
	// The venue reports cumulative per order; the ledger's exit side is
	// cumulative per intent, so fold the delta onto the recorded total.
	entry, err := c.ledger.Get(ctx, ref.intentID)
	if err != nil {
		c.logger.Error().Err(err).Str("intent_id", ref.intentID).Msg("exit fill for unknown ledger row")
		return
	}
	cum := entry.ExitFilledQty + u.FillDelta
	if err := c.ledger.RecordExitFill(ctx, ref.intentID, u.FillDelta, cum, u.AvgPrice); err != nil {
		c.logger.Error().Err(err).Str("intent_id", ref.intentID).Msg("exit fill not journaled")
	}
}

// checkFlat completes the trade once the position returns to flat: cancel
// the survivor of the protective pair and any still-resting opposite entry,
// then mark the stream's execution completed.
func (c *Coordinator) checkFlat(ctx context.Context, streamID string) {
	if streamID == "" {
		return
	}
	c.mu.RLock()
	so, ok := c.streams[streamID]
	var ti *trackedIntent
	if ok {
		ti = so.active
	}
	c.mu.RUnlock()
	if !ok || ti == nil {
		return
	}

	entry, err := c.ledger.Get(ctx, ti.it.ID)
	if err != nil || entry.EntryFilledQty == 0 || entry.OpenQuantity() != 0 {
		return
	}

	c.mu.Lock()
	if so.completed {
		c.mu.Unlock()
		return
	}
	so.completed = true
	so.reason = "TRADE_COMPLETE"
	stop, tgt := ti.stopVenueID, ti.tgtVenueID
	longE, shortE := so.longEntry, so.shortEntry
	so.longEntry, so.shortEntry = "", ""
	c.mu.Unlock()

	// Manual/external closure leaves the opposite resting entry live;
	// cancel it before any later bar can fill it and re-enter.
	for _, id := range []string{stop, tgt, longE, shortE} {
		if id != "" {
			if err := c.adapter.Cancel(ctx, id); err != nil {
				c.logger.Error().Err(err).Str("venue_id", id).Msg("post-flat cancel failed")
			}
		}
	}
	if c.watch != nil {
		_ = c.watch.Clear(ctx, ti.it.ID)
	}

	pnl, err := c.ledger.RealizedPnl(ctx, ti.it.ID)
	if err == nil {
		c.logger.Info().Str("stream_id", streamID).Str("intent_id", ti.it.ID).
			Float64("realized_pnl", pnl).Msg("trade complete, position flat")
		if c.alerter != nil {
			if aerr := c.alerter.SendTradeClose(streamID, ti.it.Contract, entry.AvgEntryPrice, entry.AvgExitPrice, pnl); aerr != nil {
				c.logger.Warn().Err(aerr).Str("stream_id", streamID).Msg("trade close alert not delivered")
			}
		}
	}
}

// OnBar feeds bar extremes to the break-even logic for any live trade on
// the bar's contract.
func (c *Coordinator) OnBar(ctx context.Context, bar market.Bar) {
	c.mu.RLock()
	var live []*trackedIntent
	for _, so := range c.streams {
		if so.active != nil && !so.completed && so.active.it.Contract == bar.Contract {
			live = append(live, so.active)
		}
	}
	c.mu.RUnlock()

	for _, ti := range live {
		c.maybeBreakEven(ctx, ti, bar)
	}
}

// maybeBreakEven moves the stop to entry plus one tick the first time bar
// extremes cross the trigger in the trade's favor. Write-once per intent;
// a retrace never re-arms it.
func (c *Coordinator) maybeBreakEven(ctx context.Context, ti *trackedIntent, bar market.Bar) {
	c.mu.Lock()
	if ti.beDone || ti.stopVenueID == "" || !ti.it.BreakEvenCrossed(bar.High, bar.Low) {
		c.mu.Unlock()
		return
	}
	ti.beDone = true
	stopID := ti.stopVenueID
	c.mu.Unlock()

	newStop := ti.it.BreakEvenStop(market.Instrument{TickSize: ti.it.TickSize})
	if err := c.adapter.ModifyStop(ctx, stopID, newStop); err != nil {
		// The stop is still working at its original price: protection is
		// intact, so this degrades to a log line, not a fail-closed.
		c.logger.Error().Err(err).Str("intent_id", ti.it.ID).Msg("break-even modify failed")
		c.mu.Lock()
		ti.beDone = false
		c.mu.Unlock()
		return
	}
	if err := c.ledger.MarkBreakEven(ctx, ti.it.ID); err != nil {
		c.logger.Error().Err(err).Str("intent_id", ti.it.ID).Msg("break-even not journaled")
	}
	c.bus.Publish(events.Event{Type: events.EventBreakEvenMoved, StreamID: ti.streamID, IntentID: ti.it.ID,
		Data: map[string]interface{}{"new_stop": newStop}})
}

// FailClosed runs the mandatory fail-closed sequence on behalf of an
// external monitor (the protection watchdog).
func (c *Coordinator) FailClosed(ctx context.Context, streamID, intentID, kind, message string) {
	c.failClosed(ctx, streamID, intentID, kind, message)
}

// failClosed is the single fail-closed sequence: flatten with retry, stand
// the stream down for the day, persist an incident, alert. Every caller
// gets all four steps.
func (c *Coordinator) failClosed(ctx context.Context, streamID, intentID, kind, message string) {
	c.mu.RLock()
	var contract string
	if ti, ok := c.intents[intentID]; ok {
		contract = ti.it.Contract
	}
	c.mu.RUnlock()

	c.bus.PublishFailClosed(streamID, intentID, kind, message)
	if contract != "" {
		c.flattenWithRetry(ctx, contract, streamID, intentID)
	}
	c.standDown(ctx, streamID, message)
	c.raiseIncident(ctx, streamID, intentID, kind, message)
}

func (c *Coordinator) flattenWithRetry(ctx context.Context, contract, streamID, intentID string) {
	var lastErr error
	for attempt := 1; attempt <= flattenAttempts; attempt++ {
		if err := c.adapter.Flatten(ctx, contract); err != nil {
			lastErr = err
			c.logger.Error().Err(err).Str("contract", contract).Int("attempt", attempt).
				Msg("flatten failed")
			if attempt < flattenAttempts {
				time.Sleep(flattenBackoff)
			}
			continue
		}
		return
	}
	c.raiseIncident(ctx, streamID, intentID, journal.IncidentFlattenFailed,
		fmt.Sprintf("flatten of %s failed after %d attempts: %v", contract, flattenAttempts, lastErr))
}

// StandDown marks the stream refused for further order activity today and
// cancels anything still working.
func (c *Coordinator) StandDown(ctx context.Context, streamID, reason string) {
	c.standDown(ctx, streamID, reason)
}

func (c *Coordinator) standDown(ctx context.Context, streamID, reason string) {
	if streamID == "" {
		return
	}
	c.mu.Lock()
	if _, already := c.standby[streamID]; already {
		c.mu.Unlock()
		return
	}
	c.standby[streamID] = reason
	c.mu.Unlock()

	if err := c.CancelStreamOrders(ctx, streamID); err != nil {
		c.logger.Error().Err(err).Str("stream_id", streamID).Msg("stand-down cancels failed")
	}
	c.logger.Error().Str("stream_id", streamID).Str("reason", reason).Msg("stream stood down")
}

func (c *Coordinator) isStoodDown(streamID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reason, ok := c.standby[streamID]
	return reason, ok
}

func (c *Coordinator) streamState(streamID string) *streamOrders {
	c.mu.Lock()
	defer c.mu.Unlock()
	so, ok := c.streams[streamID]
	if !ok {
		so = &streamOrders{}
		c.streams[streamID] = so
	}
	return so
}

func (c *Coordinator) clearEntry(streamID, venueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearEntryLocked(streamID, venueID)
}

func (c *Coordinator) clearEntryLocked(streamID, venueID string) {
	so, ok := c.streams[streamID]
	if !ok {
		return
	}
	if so.longEntry == venueID {
		so.longEntry = ""
	}
	if so.shortEntry == venueID {
		so.shortEntry = ""
	}
}

func (c *Coordinator) raiseIncident(ctx context.Context, streamID, intentID, kind, message string) {
	inc := &journal.Incident{
		ID:       c.bus.NewID(),
		StreamID: streamID,
		IntentID: intentID,
		Kind:     kind,
		Message:  message,
	}
	if err := c.ledger.RaiseIncident(ctx, inc); err != nil {
		c.logger.Error().Err(err).Str("kind", kind).Msg("incident not persisted")
	}
	c.bus.Publish(events.Event{Type: events.EventIncidentRaised, StreamID: streamID, IntentID: intentID,
		Data: map[string]interface{}{"incident_id": inc.ID, "kind": kind, "message": message}})
	if c.alerter != nil {
		c.alerter.SendIncident(inc)
	}
}
