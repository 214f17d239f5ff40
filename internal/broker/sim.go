package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"breakout-engine/internal/intent"
	"breakout-engine/internal/market"
)

// simOrder is one working order inside the simulator.
type simOrder struct {
	venueID   string
	intentID  string
	contract  string
	kind      OrderKind
	direction market.Direction
	resting   bool
	price     float64
	qty       int
	filled    int
}

// Sim is a bar-driven simulated venue. Resting orders trigger off bar
// extremes; marketable orders fill on the next bar. Positions are tracked
// per contract so Flatten can synthesize a closing fill. Safe for
// concurrent use.
type Sim struct {
	mu       sync.Mutex
	working  map[string]*simOrder
	position map[string]int // contract -> signed net quantity
	lastBar  map[string]market.Bar
	handler  ExecutionHandler
	limiter  *rate.Limiter
	logger   zerolog.Logger

	// RejectKinds forces rejection of the listed order kinds; used by
	// tests to exercise the fail-closed paths.
	RejectKinds map[OrderKind]bool
}

// NewSim creates a simulated adapter with a venue-request budget of
// reqPerSec submissions per second.
func NewSim(reqPerSec float64, logger zerolog.Logger) *Sim {
	if reqPerSec <= 0 {
		reqPerSec = 10
	}
	return &Sim{
		working:  make(map[string]*simOrder),
		position: make(map[string]int),
		lastBar:  make(map[string]market.Bar),
		limiter:  rate.NewLimiter(rate.Limit(reqPerSec), int(reqPerSec)+1),
		logger:   logger.With().Str("component", "SimAdapter").Logger(),
	}
}

func (s *Sim) SetExecutionHandler(h ExecutionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Sim) submit(ctx context.Context, o *simOrder) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", &SubmissionError{Op: string(o.kind), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RejectKinds[o.kind] {
		return "", &SubmissionError{Op: string(o.kind), Err: fmt.Errorf("simulated %s rejection", o.kind)}
	}

	o.venueID = uuid.New().String()
	s.working[o.venueID] = o
	s.logger.Debug().Str("venue_id", o.venueID).Str("intent_id", o.intentID).
		Str("kind", string(o.kind)).Float64("price", o.price).Int("qty", o.qty).
		Msg("order accepted")
	return o.venueID, nil
}

func (s *Sim) SubmitEntry(ctx context.Context, it *intent.Intent, resting bool) (string, error) {
	return s.submit(ctx, &simOrder{
		intentID:  it.ID,
		contract:  it.Contract,
		kind:      KindEntry,
		direction: it.Direction,
		resting:   resting,
		price:     it.EntryPrice,
		qty:       it.Quantity,
	})
}

func (s *Sim) SubmitStop(ctx context.Context, it *intent.Intent, qty int, stopPrice float64) (string, error) {
	return s.submit(ctx, &simOrder{
		intentID:  it.ID,
		contract:  it.Contract,
		kind:      KindStop,
		direction: it.Direction,
		resting:   true,
		price:     stopPrice,
		qty:       qty,
	})
}

func (s *Sim) SubmitTarget(ctx context.Context, it *intent.Intent, qty int, price float64) (string, error) {
	return s.submit(ctx, &simOrder{
		intentID:  it.ID,
		contract:  it.Contract,
		kind:      KindTarget,
		direction: it.Direction,
		resting:   true,
		price:     price,
		qty:       qty,
	})
}

func (s *Sim) ModifyStop(ctx context.Context, venueOrderID string, newStop float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.working[venueOrderID]
	if !ok || o.kind != KindStop {
		return &SubmissionError{Op: "modify_stop", Err: fmt.Errorf("no working stop %s", venueOrderID)}
	}
	o.price = newStop
	return nil
}

func (s *Sim) Cancel(ctx context.Context, venueOrderID string) error {
	s.mu.Lock()
	o, ok := s.working[venueOrderID]
	if ok {
		delete(s.working, venueOrderID)
	}
	handler := s.handler
	s.mu.Unlock()

	if ok && handler != nil {
		handler(ExecutionUpdate{
			VenueOrderID: venueOrderID,
			IntentID:     o.intentID,
			Contract:     o.contract,
			Kind:         o.kind,
			Status:       ExecCancelled,
			Timestamp:    time.Now().UTC(),
		})
	}
	return nil
}

// Flatten closes the net position on the contract at the last bar's close
// and cancels nothing: order cleanup is the coordinator's call to make.
func (s *Sim) Flatten(ctx context.Context, contract string) error {
	s.mu.Lock()
	qty := s.position[contract]
	last, haveBar := s.lastBar[contract]
	handler := s.handler
	s.position[contract] = 0
	s.mu.Unlock()

	if qty == 0 {
		return nil
	}
	price := last.Close
	if !haveBar {
		price = 0
	}
	if handler != nil {
		abs := qty
		if abs < 0 {
			abs = -abs
		}
		handler(ExecutionUpdate{
			VenueOrderID:   uuid.New().String(),
			Contract:       contract,
			Kind:           KindFlatten,
			Status:         ExecFilled,
			FillDelta:      abs,
			FillCumulative: abs,
			AvgPrice:       price,
			Timestamp:      time.Now().UTC(),
		})
	}
	return nil
}

// OnBar advances the simulated venue by one bar, triggering any working
// orders the bar's range would have reached.
func (s *Sim) OnBar(bar market.Bar) {
	s.mu.Lock()
	s.lastBar[bar.Contract] = bar

	var fills []ExecutionUpdate
	for id, o := range s.working {
		if o.contract != bar.Contract {
			continue
		}
		price, hit := s.trigger(o, bar)
		if !hit {
			continue
		}
		delete(s.working, id)
		o.filled = o.qty
		s.applyPosition(o)
		fills = append(fills, ExecutionUpdate{
			VenueOrderID:   o.venueID,
			IntentID:       o.intentID,
			Contract:       o.contract,
			Kind:           o.kind,
			Status:         ExecFilled,
			FillDelta:      o.qty,
			FillCumulative: o.qty,
			AvgPrice:       price,
			Timestamp:      bar.End(),
		})
	}
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		for _, f := range fills {
			handler(f)
		}
	}
}

// trigger decides whether the bar reaches the order and at what price.
func (s *Sim) trigger(o *simOrder, bar market.Bar) (float64, bool) {
	if !o.resting {
		// Marketable order fills on the next bar at its open.
		return bar.Open, true
	}
	long := o.direction == market.Long
	switch o.kind {
	case KindEntry:
		// Stop entry: buy stop above the market, sell stop below.
		if long && bar.High > o.price {
			return o.price, true
		}
		if !long && bar.Low < o.price {
			return o.price, true
		}
	case KindStop:
		// Protective stop sits on the adverse side of the position.
		if long && bar.Low <= o.price {
			return o.price, true
		}
		if !long && bar.High >= o.price {
			return o.price, true
		}
	case KindTarget:
		if long && bar.High >= o.price {
			return o.price, true
		}
		if !long && bar.Low >= 0 && bar.Low <= o.price {
			return o.price, true
		}
	}
	return 0, false
}

func (s *Sim) applyPosition(o *simOrder) {
	sign := 1
	if o.direction == market.Short {
		sign = -1
	}
	switch o.kind {
	case KindEntry:
		s.position[o.contract] += sign * o.qty
	case KindStop, KindTarget:
		s.position[o.contract] -= sign * o.qty
	}
}

// Position returns the simulated net position for a contract.
func (s *Sim) Position(contract string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position[contract]
}
