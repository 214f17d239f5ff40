// Package engine owns the stream map and the two triggers into it: the
// fixed-cadence tick and the inbound bar path. Each stream is serialized on
// its own mailbox goroutine so a slow broker call in one stream never
// stalls another stream's tick.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"breakout-engine/internal/clock"
	"breakout-engine/internal/events"
	"breakout-engine/internal/hydrator"
	"breakout-engine/internal/market"
	"breakout-engine/internal/rangecalc"
	"breakout-engine/internal/stream"
	"breakout-engine/internal/timetable"
)

// Backfiller serves on-demand historical bar windows for hydration.
type Backfiller interface {
	Window(ctx context.Context, contract string, from, to time.Time) ([]market.Bar, error)
}

// Config holds the engine's scheduling knobs.
type Config struct {
	TickInterval  time.Duration
	TimetablePath string
	TimetablePoll time.Duration
	MailboxDepth  int
	BarMinAge     time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.TimetablePoll <= 0 {
		c.TimetablePoll = 30 * time.Second
	}
	if c.MailboxDepth <= 0 {
		c.MailboxDepth = 256
	}
}

// streamHandle pairs a stream with its mailbox. tickPending coalesces
// ticks: a stream that has not drained the previous tick does not queue
// another.
type streamHandle struct {
	sm          *stream.StateMachine
	mailbox     chan func()
	tickPending atomic.Bool
}

// StreamInfo is the read-only view served to the ops API.
type StreamInfo struct {
	ID            string          `json:"id"`
	Contract      string          `json:"contract"`
	State         string          `json:"state"`
	Committed     bool            `json:"committed"`
	CommitReason  string          `json:"commit_reason,omitempty"`
	EntryDetected bool            `json:"entry_detected"`
	RangeLocked   bool            `json:"range_locked"`
	Range         rangecalc.Range `json:"range,omitempty"`
}

// Engine schedules all streams for the trading day.
type Engine struct {
	mu      sync.RWMutex
	handles map[string]*streamHandle

	cfg      Config
	clk      clock.Clock
	sc       *clock.SessionClock
	exec     stream.Executor
	records  stream.RecordStore
	wal      stream.RangeLog
	bus      *events.Bus
	backfill Backfiller
	logger   zerolog.Logger

	stopCh  chan struct{}
	stopped bool // guarded by mu; set before mailboxes close
	loopWg  sync.WaitGroup
	drainWg sync.WaitGroup
}

// New creates an engine. backfill may be nil when no historical source is
// configured; late-started streams then work from live bars only.
func New(cfg Config, clk clock.Clock, sc *clock.SessionClock, exec stream.Executor, records stream.RecordStore, wal stream.RangeLog, bus *events.Bus, backfill Backfiller, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		handles:  make(map[string]*streamHandle),
		cfg:      cfg,
		clk:      clk,
		sc:       sc,
		exec:     exec,
		records:  records,
		wal:      wal,
		bus:      bus,
		backfill: backfill,
		logger:   logger.With().Str("component", "Engine").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop and the timetable poller.
func (e *Engine) Start(ctx context.Context) {
	e.bus.Publish(events.Event{Type: events.EventEngineStarted})
	e.pollTimetable(ctx)

	e.loopWg.Add(2)
	go e.tickLoop(ctx)
	go e.timetableLoop(ctx)
}

// Stop shuts the loops down, then closes the mailboxes and waits for each
// stream to finish its queued work.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.loopWg.Wait()

	e.mu.Lock()
	e.stopped = true
	for _, h := range e.handles {
		close(h.mailbox)
	}
	e.mu.Unlock()
	e.drainWg.Wait()
	e.bus.Publish(events.Event{Type: events.EventEngineStopped})
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tickAll(ctx)
		}
	}
}

func (e *Engine) tickAll(ctx context.Context) {
	now := e.clk.Now()

	e.mu.RLock()
	handles := make([]*streamHandle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	for _, h := range handles {
		h := h
		if h.tickPending.Swap(true) {
			continue // previous tick still queued, coalesce
		}
		queued := e.enqueue(h, func() {
			defer h.tickPending.Store(false)
			h.sm.Tick(ctx, now)
		})
		if !queued {
			h.tickPending.Store(false)
		}
	}
}

func (e *Engine) timetableLoop(ctx context.Context) {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.TimetablePoll)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollTimetable(ctx)
		}
	}
}

// pollTimetable reloads the schedule and creates any streams that should
// exist for today and do not yet. Streams are created once per (day,
// directive); a committed stream is never recreated.
func (e *Engine) pollTimetable(ctx context.Context) {
	if e.cfg.TimetablePath == "" {
		return
	}
	tt, err := timetable.Load(e.cfg.TimetablePath)
	if err != nil {
		e.logger.Error().Err(err).Msg("timetable reload failed")
		return
	}

	date := e.sc.LocalDate(e.clk.Now())
	for _, cfg := range tt.Resolve(date, e.sc, e.logger) {
		e.ensureStream(ctx, cfg)
	}
}

func (e *Engine) ensureStream(ctx context.Context, cfg stream.Config) {
	id := cfg.ID()
	e.mu.RLock()
	_, exists := e.handles[id]
	e.mu.RUnlock()
	if exists {
		return
	}

	buf := hydrator.New(cfg.Instrument.Contract, e.clk, e.cfg.BarMinAge)
	sm, err := stream.New(cfg, buf, e.exec, e.records, e.wal, e.bus, e.logger)
	if err != nil {
		e.logger.Error().Err(err).Str("stream_id", id).Msg("stream construction failed")
		return
	}

	h := &streamHandle{sm: sm, mailbox: make(chan func(), e.cfg.MailboxDepth)}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if _, raced := e.handles[id]; raced {
		e.mu.Unlock()
		return
	}
	e.handles[id] = h
	e.mu.Unlock()

	e.drainWg.Add(1)
	go e.drain(h)

	// Recovery and hydration run on the stream's own mailbox so they are
	// serialized with ticks and bars like everything else.
	e.enqueue(h, func() {
		if err := sm.Recover(ctx); err != nil {
			e.logger.Error().Err(err).Str("stream_id", id).Msg("stream recovery failed")
		}
		e.hydrate(ctx, sm, cfg)
	})
	e.logger.Info().Str("stream_id", id).Str("contract", cfg.Instrument.Contract).
		Time("range_start", cfg.RangeStart).Time("slot_time", cfg.SlotTime).
		Msg("stream created")
}

// hydrate requests the historical window covering range build-up. For a
// late start this also pulls the bars after slot time that the missed-
// breakout scan needs.
func (e *Engine) hydrate(ctx context.Context, sm *stream.StateMachine, cfg stream.Config) {
	if e.backfill == nil || sm.IsCommitted() {
		return
	}
	now := e.clk.Now()
	bars, err := e.backfill.Window(ctx, cfg.Instrument.Contract, cfg.RangeStart, now)
	if err != nil {
		e.logger.Warn().Err(err).Str("stream_id", sm.ID()).Msg("backfill window failed")
		return
	}
	for _, b := range bars {
		b.Source = market.SourceBackfill
		sm.OnBar(ctx, b)
	}
	e.logger.Info().Str("stream_id", sm.ID()).Int("bars", len(bars)).Msg("hydration backfill applied")
}

// HandleBar routes an inbound bar to every stream trading its contract.
func (e *Engine) HandleBar(ctx context.Context, bar market.Bar) {
	e.mu.RLock()
	var targets []*streamHandle
	for _, h := range e.handles {
		if h.sm.Contract() == bar.Contract {
			targets = append(targets, h)
		}
	}
	e.mu.RUnlock()

	for _, h := range targets {
		h := h
		e.enqueue(h, func() { h.sm.OnBar(ctx, bar) })
	}
}

func (e *Engine) drain(h *streamHandle) {
	defer e.drainWg.Done()
	for fn := range h.mailbox {
		fn()
	}
}

// enqueue never blocks the caller: when a mailbox is full the command is
// dropped and the next tick retries the work. It reports whether the
// command was queued. The read lock is held across the send so Stop cannot
// close the mailbox mid-send; after Stop, commands are dropped.
func (e *Engine) enqueue(h *streamHandle, fn func()) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return false
	}
	select {
	case h.mailbox <- fn:
		return true
	default:
		e.logger.Warn().Str("stream_id", h.sm.ID()).Msg("mailbox full, command dropped")
		return false
	}
}

// Streams returns the read-only view of every stream.
func (e *Engine) Streams() []StreamInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]StreamInfo, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, snapshotOf(h.sm))
	}
	return out
}

// Stream returns one stream's view.
func (e *Engine) Stream(id string) (StreamInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handles[id]
	if !ok {
		return StreamInfo{}, false
	}
	return snapshotOf(h.sm), true
}

// ActiveStreams counts streams that have not reached a terminal state.
func (e *Engine) ActiveStreams() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, h := range e.handles {
		if !h.sm.IsCommitted() {
			n++
		}
	}
	return n
}

func snapshotOf(sm *stream.StateMachine) StreamInfo {
	snap := sm.Snapshot()
	return StreamInfo{
		ID:            sm.ID(),
		Contract:      sm.Contract(),
		State:         string(sm.CurrentState()),
		Committed:     sm.IsCommitted(),
		CommitReason:  sm.CommitReason(),
		EntryDetected: sm.EntryDetected(),
		RangeLocked:   snap.Locked,
		Range:         snap.Range,
	}
}
