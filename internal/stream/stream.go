// Package stream implements the per-opportunity state machine. One stream
// is one trading opportunity: it hydrates bars, builds a range, locks it at
// slot time, hands intents to the order coordinator, and commits exactly
// once. A committed stream ignores every subsequent input.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"breakout-engine/internal/events"
	"breakout-engine/internal/hydrator"
	"breakout-engine/internal/intent"
	"breakout-engine/internal/market"
	"breakout-engine/internal/rangecalc"
)

// State is the stream lifecycle state.
type State string

const (
	StatePreHydration  State = "PRE_HYDRATION"
	StateArmed         State = "ARMED"
	StateRangeBuilding State = "RANGE_BUILDING"
	StateRangeLocked   State = "RANGE_LOCKED"
	StateDone          State = "DONE"
	// StateSuspended is the terminal fail-closed state entered when a
	// previously locked range cannot be restored or recomputed.
	StateSuspended State = "SUSPENDED_INSUFFICIENT_DATA"
)

// Commit reasons.
const (
	CommitTradeComplete    = "TRADE_COMPLETE"
	CommitNoTrade          = "NO_TRADE"
	CommitRangeInvalidated = "RANGE_INVALIDATED"
	CommitMissedBreakout   = "MISSED_BREAKOUT"
	CommitSessionClose     = "SESSION_CLOSE"
	CommitStandDown        = "STAND_DOWN"
	CommitSubmitFailed     = "ORDER_SUBMIT_FAILED"
)

// DefaultArmGrace is the hard liveness fuse on the PreHydration state.
const DefaultArmGrace = 60 * time.Second

var ErrRecordNotFound = errors.New("stream record not found")

// ExecStatus is the execution-side view the stream polls on its tick.
type ExecStatus struct {
	Working   bool
	Live      bool
	Completed bool
	StoodDown bool
	Reason    string
}

// Executor is the narrow command surface the stream drives orders through.
// Implemented by the order coordinator.
type Executor interface {
	PlaceBracket(ctx context.Context, streamID string, long, short *intent.Intent) error
	PlaceImmediate(ctx context.Context, streamID string, it *intent.Intent) error
	CancelStreamOrders(ctx context.Context, streamID string) error
	CloseOut(ctx context.Context, streamID string) error
	Status(streamID string) ExecStatus
}

// Record is the persisted stream journal row. It survives restart and lets
// a stream be reconstructed without replaying bars for an already locked
// range.
type Record struct {
	StreamID      string          `json:"stream_id"`
	State         State           `json:"state"`
	Committed     bool            `json:"committed"`
	CommitReason  string          `json:"commit_reason,omitempty"`
	EntryDetected bool            `json:"entry_detected"`
	RangeLocked   bool            `json:"range_locked"`
	Range         rangecalc.Range `json:"range,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RecordStore persists stream journal rows.
type RecordStore interface {
	Load(ctx context.Context, streamID string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

// WAL record kinds for the append-only hydration/range log.
type WalKind string

const (
	WalBar  WalKind = "bar_appended"
	WalLock WalKind = "range_locked"
)

// WalRecord is one entry in the range log.
type WalRecord struct {
	Kind  WalKind         `json:"kind"`
	Bar   market.Bar      `json:"bar,omitempty"`
	Range rangecalc.Range `json:"range,omitempty"`
}

// RangeLog is the append-only log that is the sole canonical source for
// range recovery. Nothing less authoritative is ever consulted.
type RangeLog interface {
	Append(ctx context.Context, streamID string, rec WalRecord) error
	Replay(ctx context.Context, streamID string) ([]WalRecord, error)
}

// Config describes one stream for one trading day.
type Config struct {
	TradingDate  string // venue-local date, YYYY-MM-DD
	Session      string
	Slot         string // HH:MM, venue-local
	Instrument   market.Instrument
	RangeStart   time.Time // UTC
	SlotTime     time.Time // UTC
	SessionClose time.Time // UTC
	Quantity     int
	TargetPoints float64
	// GapToleranceMin is the maximum number of missing minutes in the
	// range window before the range is invalidated. Gap tracking is
	// observational everywhere else; this is the only hard check.
	GapToleranceMin     int
	ArmGrace            time.Duration
	ForceFlattenAtClose bool
}

// ID composes the stream identity.
func (c Config) ID() string {
	return fmt.Sprintf("%s:%s:%s:%s", c.TradingDate, c.Session, c.Slot, c.Instrument.Canonical)
}

// Validate checks the config describes a runnable opportunity.
func (c Config) Validate() error {
	if err := c.Instrument.Validate(); err != nil {
		return err
	}
	if !c.RangeStart.Before(c.SlotTime) {
		return fmt.Errorf("stream %s: range start %v not before slot time %v", c.ID(), c.RangeStart, c.SlotTime)
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("stream %s: non-positive quantity", c.ID())
	}
	if c.TargetPoints <= 0 {
		return fmt.Errorf("stream %s: non-positive target points", c.ID())
	}
	return nil
}

// RangeSnapshot is the read-only view of the locked range.
type RangeSnapshot struct {
	Locked bool            `json:"locked"`
	Range  rangecalc.Range `json:"range"`
}

// StateMachine is one stream. Commands (Tick, OnBar) are serialized by the
// engine's per-stream mailbox; queries may come from any goroutine, so
// state is still guarded.
type StateMachine struct {
	mu  sync.RWMutex
	cfg Config
	id  string

	state         State
	committed     bool
	commitReason  string
	entryDetected bool
	breakoutSeen  bool
	closeHandled  bool
	rng           rangecalc.Range
	rangeLocked   bool

	buf    *hydrator.Hydrator
	exec   Executor
	store  RecordStore
	wal    RangeLog
	bus    *events.Bus
	logger zerolog.Logger
}

// New constructs a stream in PreHydration. Call Recover before the first
// tick when a persisted record may exist.
func New(cfg Config, buf *hydrator.Hydrator, exec Executor, store RecordStore, wal RangeLog, bus *events.Bus, logger zerolog.Logger) (*StateMachine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ArmGrace <= 0 {
		cfg.ArmGrace = DefaultArmGrace
	}
	id := cfg.ID()
	return &StateMachine{
		cfg:    cfg,
		id:     id,
		state:  StatePreHydration,
		buf:    buf,
		exec:   exec,
		store:  store,
		wal:    wal,
		bus:    bus,
		logger: logger.With().Str("component", "Stream").Str("stream_id", id).Logger(),
	}, nil
}

// ID returns the stream identity.
func (s *StateMachine) ID() string { return s.id }

// Contract returns the tradable contract this stream routes to.
func (s *StateMachine) Contract() string { return s.cfg.Instrument.Contract }

// CurrentState returns the lifecycle state.
func (s *StateMachine) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsCommitted reports whether the stream reached its terminal commit.
func (s *StateMachine) IsCommitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

// CommitReason returns the terminal reason, empty until committed.
func (s *StateMachine) CommitReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitReason
}

// EntryDetected reports whether this stream's one opportunity was taken.
func (s *StateMachine) EntryDetected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryDetected
}

// Snapshot returns the locked range, if any.
func (s *StateMachine) Snapshot() RangeSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RangeSnapshot{Locked: s.rangeLocked, Range: s.rng}
}

// Recover loads the persisted record and restores state. A previously
// locked range must come back from the range log; when it cannot, and the
// replayed bars are insufficient to recompute deterministically, the stream
// suspends rather than guesses.
func (s *StateMachine) Recover(ctx context.Context) error {
	rec, err := s.store.Load(ctx, s.id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil // fresh stream
	}
	if err != nil {
		return fmt.Errorf("load stream record %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.entryDetected = rec.EntryDetected
	if rec.Committed {
		s.state = StateDone
		s.committed = true
		s.commitReason = rec.CommitReason
		s.mu.Unlock()
		return nil
	}
	wasLocked := rec.RangeLocked
	s.mu.Unlock()

	wal, err := s.wal.Replay(ctx, s.id)
	if err != nil && wasLocked {
		s.suspend(ctx, fmt.Sprintf("range log replay failed: %v", err))
		return nil
	}

	var locked *rangecalc.Range
	for i := range wal {
		switch wal[i].Kind {
		case WalBar:
			s.buf.Ingest(wal[i].Bar)
		case WalLock:
			r := wal[i].Range
			locked = &r
		}
	}

	if !wasLocked {
		// Pre-lock restart: resume from the top and let ticks drive.
		s.logger.Info().Int("wal_bars", len(wal)).Msg("recovered pre-lock stream")
		return nil
	}

	if locked != nil {
		s.mu.Lock()
		s.rng = *locked
		s.rangeLocked = true
		s.state = StateRangeLocked
		s.mu.Unlock()
		s.persist(ctx)
		s.logger.Info().Float64("high", locked.High).Float64("low", locked.Low).
			Msg("range restored from log")
		return nil
	}

	// The log has no lock record for a stream the journal says was
	// locked. Recompute only if the replayed bars cover the window well
	// enough to be deterministic; otherwise fail closed.
	if s.buf.GapMinutes(s.cfg.RangeStart, s.cfg.SlotTime) > s.cfg.GapToleranceMin {
		s.suspend(ctx, "locked range missing from log and bar buffer insufficient to recompute")
		return nil
	}
	rng, err := rangecalc.Compute(s.buf.Snapshot(s.cfg.RangeStart, s.cfg.SlotTime.Add(time.Minute)), s.cfg.RangeStart, s.cfg.SlotTime, s.cfg.Instrument)
	if err != nil {
		s.suspend(ctx, "locked range missing from log and no bars to recompute")
		return nil
	}
	s.mu.Lock()
	s.rng = rng
	s.rangeLocked = true
	s.state = StateRangeLocked
	s.mu.Unlock()
	s.persist(ctx)
	s.logger.Info().Msg("range recomputed deterministically from replayed bars")
	return nil
}

// Tick evaluates time-based transitions. It fires from the scheduler even
// when no bars are arriving; that is the whole point of having it.
func (s *StateMachine) Tick(ctx context.Context, now time.Time) {
	s.mu.RLock()
	state := s.state
	committed := s.committed
	s.mu.RUnlock()
	if committed || state == StateSuspended {
		return
	}

	switch state {
	case StatePreHydration:
		// Arm on first hydrated bar, at the range-start boundary, or on
		// the liveness fuse. The fuse never blocks progression: a stream
		// with zero data simply finds no breakout and commits NO_TRADE.
		if s.buf.Count() > 0 || !now.Before(s.cfg.RangeStart) || !now.Before(s.cfg.RangeStart.Add(s.cfg.ArmGrace)) {
			s.transition(StateArmed, "hydration ready or boundary reached")
			s.Tick(ctx, now)
		}
	case StateArmed:
		if !now.Before(s.cfg.RangeStart) {
			s.transition(StateRangeBuilding, "range window open")
			s.Tick(ctx, now)
		}
	case StateRangeBuilding:
		upTo := now
		if upTo.After(s.cfg.SlotTime) {
			upTo = s.cfg.SlotTime
		}
		if gaps := s.buf.GapMinutes(s.cfg.RangeStart, upTo.Truncate(time.Minute)); gaps > s.cfg.GapToleranceMin {
			s.logger.Warn().Int("gap_minutes", gaps).Int("tolerance", s.cfg.GapToleranceMin).
				Msg("gap tolerance exceeded, invalidating range")
			s.commit(ctx, CommitRangeInvalidated)
			return
		}
		if !now.Before(s.cfg.SlotTime) {
			s.lockRange(ctx, now)
		}
	case StateRangeLocked:
		s.tickLocked(ctx, now)
	}
}

// OnBar offers a bar to the stream's buffer and appends accepted range-
// window bars to the range log.
func (s *StateMachine) OnBar(ctx context.Context, bar market.Bar) {
	s.mu.RLock()
	committed := s.committed
	state := s.state
	s.mu.RUnlock()
	if committed || state == StateSuspended {
		return
	}

	res := s.buf.Ingest(bar)
	if res.Status == hydrator.StatusRejected {
		s.bus.Publish(events.Event{Type: events.EventBarRejected, StreamID: s.id,
			Data: map[string]interface{}{"reason": res.Reason, "contract": bar.Contract}})
		return
	}
	s.bus.Publish(events.Event{Type: events.EventBarIngested, StreamID: s.id,
		Data: map[string]interface{}{"source": string(bar.Source)}})

	inWindow := !bar.Minute().Before(s.cfg.RangeStart) && bar.Minute().Before(s.cfg.SlotTime)
	if inWindow {
		if err := s.wal.Append(ctx, s.id, WalRecord{Kind: WalBar, Bar: bar}); err != nil {
			s.logger.Error().Err(err).Msg("range log append failed")
		}
	}

	// Observational breakout detection against the locked range. Entry
	// itself is the venue's job via the resting stop orders.
	s.mu.Lock()
	if s.rangeLocked && !s.breakoutSeen && bar.Minute().After(s.cfg.SlotTime.Add(-time.Minute)) {
		if dir, ok := rangecalc.DetectBreakout(s.rng, bar); ok {
			s.breakoutSeen = true
			s.mu.Unlock()
			level := s.rng.BreakoutLong
			extreme := bar.High
			if dir == market.Short {
				level = s.rng.BreakoutShort
				extreme = bar.Low
			}
			s.bus.PublishBreakout(s.id, "", string(dir), level, extreme)
			return
		}
	}
	s.mu.Unlock()
}

// lockRange runs the RangeBuilding -> RangeLocked transition at slot time:
// final range, breakout levels, missed-breakout scan for late starts, and
// either the immediate entry or the resting bracket.
func (s *StateMachine) lockRange(ctx context.Context, now time.Time) {
	// The slot-minute bar sits outside the high/low window but is the
	// freeze bar when present, so the snapshot reaches one minute past it.
	bars := s.buf.Snapshot(s.cfg.RangeStart, s.cfg.SlotTime.Add(time.Minute))
	rng, err := rangecalc.Compute(bars, s.cfg.RangeStart, s.cfg.SlotTime, s.cfg.Instrument)
	if err != nil {
		// Zero data in the window: nothing to break out of.
		s.logger.Warn().Msg("no bars in range window at lock")
		s.commit(ctx, CommitNoTrade)
		return
	}

	s.mu.Lock()
	s.rng = rng
	s.rangeLocked = true
	s.mu.Unlock()

	if err := s.wal.Append(ctx, s.id, WalRecord{Kind: WalLock, Range: rng}); err != nil {
		s.logger.Error().Err(err).Msg("range lock not appended to log")
	}
	s.transition(StateRangeLocked, "slot time reached")
	s.bus.PublishRangeLocked(s.id, s.cfg.Instrument.Contract, rng.High, rng.Low, rng.FreezeClose, rng.BreakoutLong, rng.BreakoutShort, rng.BarCount)
	s.persist(ctx)

	// Late start: if bars past the slot already exist, a breakout that
	// happened while nobody was watching is permanently forfeited. The
	// slot-minute bar is exempt: it is the freeze bar, and a close beyond
	// the level there is the immediate-entry condition, not a miss.
	for _, b := range s.buf.Snapshot(s.cfg.SlotTime.Add(time.Minute), now.Add(time.Minute)) {
		if dir, ok := rangecalc.DetectBreakout(rng, b); ok {
			s.logger.Warn().Str("direction", string(dir)).Time("bar", b.Start).
				Msg("breakout occurred before lock could observe it, forfeiting")
			s.commit(ctx, CommitMissedBreakout)
			return
		}
	}

	params := intent.BuildParams{
		TradingDate:  s.cfg.TradingDate,
		StreamID:     s.id,
		Session:      s.cfg.Session,
		SlotTime:     s.cfg.Slot,
		Instrument:   s.cfg.Instrument,
		Quantity:     s.cfg.Quantity,
		TargetPoints: s.cfg.TargetPoints,
		RangeSize:    rng.Size(),
	}

	if dir, ok := rangecalc.ImmediateEntry(rng); ok {
		level := rng.BreakoutLong
		if dir == market.Short {
			level = rng.BreakoutShort
		}
		it, err := intent.Build(params, dir, level)
		if err != nil {
			s.logger.Error().Err(err).Msg("immediate-entry intent build failed")
			s.commit(ctx, CommitSubmitFailed)
			return
		}
		s.mu.Lock()
		s.entryDetected = true
		s.mu.Unlock()
		s.bus.Publish(events.Event{Type: events.EventImmediateEntry, StreamID: s.id, IntentID: it.ID,
			Data: map[string]interface{}{"direction": string(dir), "entry": it.EntryPrice}})
		if err := s.exec.PlaceImmediate(ctx, s.id, it); err != nil {
			s.logger.Error().Err(err).Msg("immediate entry submission failed")
			s.commit(ctx, CommitSubmitFailed)
			return
		}
		s.persist(ctx)
		return
	}

	long, err := intent.Build(params, market.Long, rng.BreakoutLong)
	if err != nil {
		s.logger.Error().Err(err).Msg("long intent build failed")
		s.commit(ctx, CommitSubmitFailed)
		return
	}
	short, err := intent.Build(params, market.Short, rng.BreakoutShort)
	if err != nil {
		s.logger.Error().Err(err).Msg("short intent build failed")
		s.commit(ctx, CommitSubmitFailed)
		return
	}
	if err := s.exec.PlaceBracket(ctx, s.id, long, short); err != nil {
		s.logger.Error().Err(err).Msg("bracket submission failed")
		if cancelErr := s.exec.CancelStreamOrders(ctx, s.id); cancelErr != nil {
			s.logger.Error().Err(cancelErr).Msg("bracket cleanup failed")
		}
		s.commit(ctx, CommitSubmitFailed)
		return
	}
	s.persist(ctx)
}

// tickLocked polls the execution side while the range is locked.
func (s *StateMachine) tickLocked(ctx context.Context, now time.Time) {
	st := s.exec.Status(s.id)

	if st.StoodDown {
		s.commit(ctx, CommitStandDown)
		return
	}

	s.mu.Lock()
	if st.Live && !s.entryDetected {
		s.entryDetected = true
		s.mu.Unlock()
		s.persist(ctx)
	} else {
		s.mu.Unlock()
	}

	s.mu.RLock()
	closeRequested := s.closeHandled
	s.mu.RUnlock()

	if st.Completed {
		// A position flattened by the session close-out commits as a
		// close, not as a completed trade.
		if closeRequested {
			s.commit(ctx, CommitSessionClose)
		} else {
			s.commit(ctx, CommitTradeComplete)
		}
		return
	}

	if !now.Before(s.cfg.SessionClose) {
		s.mu.Lock()
		handled := s.closeHandled
		s.closeHandled = true
		s.mu.Unlock()
		if handled {
			// Close-out already requested; wait for the flat report.
			if !st.Live && !st.Working {
				s.commit(ctx, CommitSessionClose)
			}
			return
		}
		if st.Live {
			if s.cfg.ForceFlattenAtClose {
				if err := s.exec.CloseOut(ctx, s.id); err != nil {
					s.logger.Error().Err(err).Msg("session close-out failed")
				}
			}
			return
		}
		if err := s.exec.CancelStreamOrders(ctx, s.id); err != nil {
			s.logger.Error().Err(err).Msg("session close cancels failed")
		}
		s.commit(ctx, CommitNoTrade)
	}
}

// transition changes state and publishes the change. Terminal handling is
// in commit and suspend; this is for live transitions only.
func (s *StateMachine) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("state transition")
	s.bus.PublishStateChanged(s.id, string(from), string(to), reason)
}

// commit is the write-once terminal transition. After this, every Tick and
// OnBar is a no-op for the rest of the day.
func (s *StateMachine) commit(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.committed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateDone
	s.committed = true
	s.commitReason = reason
	s.mu.Unlock()

	s.logger.Info().Str("from", string(from)).Str("reason", reason).Msg("stream committed")
	s.bus.PublishStateChanged(s.id, string(from), string(StateDone), reason)
	s.bus.PublishCommitted(s.id, reason)
	s.persist(ctx)
}

// suspend is the terminal fail-closed state for unrecoverable restarts.
func (s *StateMachine) suspend(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.committed || s.state == StateSuspended {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateSuspended
	s.committed = true
	s.commitReason = reason
	s.mu.Unlock()

	s.logger.Error().Str("from", string(from)).Str("reason", reason).Msg("stream suspended, insufficient data")
	s.bus.Publish(events.Event{Type: events.EventStreamSuspended, StreamID: s.id,
		Data: map[string]interface{}{"reason": reason}})
	s.persist(ctx)
}

func (s *StateMachine) persist(ctx context.Context) {
	s.mu.RLock()
	rec := &Record{
		StreamID:      s.id,
		State:         s.state,
		Committed:     s.committed,
		CommitReason:  s.commitReason,
		EntryDetected: s.entryDetected,
		RangeLocked:   s.rangeLocked,
		Range:         s.rng,
		UpdatedAt:     time.Now().UTC(),
	}
	s.mu.RUnlock()

	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error().Err(err).Msg("stream record not persisted")
	}
}
