// Redis-backed protection watchdog. Every entry fill is registered here
// with a deadline; the monitor loop finds fills whose protective orders are
// still missing past the deadline and fires the breach callback, which runs
// the coordinator's fail-closed sequence. This is the backstop behind the
// in-process protective logic, and it survives a crash between fill and
// protection because the registration is written before orders go out.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// protectionKeyPrefix keys one unprotected fill.
	// Format: breakout:unprotected:{intentID}
	protectionKeyPrefix = "breakout:unprotected"

	// protectionSetKey indexes all pending protection keys.
	protectionSetKey = "breakout:unprotected:index"

	// DefaultProtectionDeadlineSec is how long a fill may sit without
	// working protective orders before the watchdog flattens it.
	DefaultProtectionDeadlineSec = 30
)

// UnprotectedFill is the registration payload for one entry fill awaiting
// protective orders.
type UnprotectedFill struct {
	IntentID   string    `json:"intent_id"`
	StreamID   string    `json:"stream_id"`
	Contract   string    `json:"contract"`
	Quantity   int       `json:"quantity"`
	FilledAt   time.Time `json:"filled_at"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// BreachFunc runs the fail-closed response for a deadline breach.
type BreachFunc func(ctx context.Context, fill UnprotectedFill)

// ProtectionWatch tracks unprotected fills in Redis with a deadline
// monitor loop.
type ProtectionWatch struct {
	client      *redis.Client
	mu          sync.RWMutex
	onBreach    BreachFunc
	deadlineSec int
	checkEvery  time.Duration
	stopChan    chan struct{}
	monitorWG   sync.WaitGroup
	isRunning   bool
	logger      zerolog.Logger
}

// NewProtectionWatch creates a watchdog. deadlineSec <= 0 selects the
// default.
func NewProtectionWatch(client *redis.Client, deadlineSec int, logger zerolog.Logger) *ProtectionWatch {
	if deadlineSec <= 0 {
		deadlineSec = DefaultProtectionDeadlineSec
	}
	return &ProtectionWatch{
		client:      client,
		deadlineSec: deadlineSec,
		checkEvery:  5 * time.Second,
		stopChan:    make(chan struct{}),
		logger:      logger.With().Str("component", "ProtectionWatch").Logger(),
	}
}

// SetBreachFunc installs the fail-closed callback. Must be set before
// Start.
func (w *ProtectionWatch) SetBreachFunc(fn BreachFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onBreach = fn
}

// Watch registers a filled entry as awaiting protection.
func (w *ProtectionWatch) Watch(ctx context.Context, intentID, streamID, contract string, qty int) error {
	if w.client == nil {
		return fmt.Errorf("redis client not available")
	}

	now := time.Now().UTC()
	fill := UnprotectedFill{
		IntentID:   intentID,
		StreamID:   streamID,
		Contract:   contract,
		Quantity:   qty,
		FilledAt:   now,
		DeadlineAt: now.Add(time.Duration(w.deadlineSec) * time.Second),
	}

	data, err := json.Marshal(fill)
	if err != nil {
		return fmt.Errorf("marshal unprotected fill: %w", err)
	}

	key := fmt.Sprintf("%s:%s", protectionKeyPrefix, intentID)
	// TTL well past the deadline so the monitor, not expiry, decides.
	ttl := time.Duration(w.deadlineSec+300) * time.Second
	if err := w.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store unprotected fill: %w", err)
	}
	if err := w.client.SAdd(ctx, protectionSetKey, key).Err(); err != nil {
		return fmt.Errorf("index unprotected fill: %w", err)
	}

	w.logger.Debug().Str("intent_id", intentID).Int("qty", qty).
		Time("deadline", fill.DeadlineAt).Msg("fill registered with watchdog")
	return nil
}

// Clear removes the registration once protective orders are working.
func (w *ProtectionWatch) Clear(ctx context.Context, intentID string) error {
	if w.client == nil {
		return fmt.Errorf("redis client not available")
	}
	key := fmt.Sprintf("%s:%s", protectionKeyPrefix, intentID)
	if err := w.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear unprotected fill: %w", err)
	}
	if err := w.client.SRem(ctx, protectionSetKey, key).Err(); err != nil {
		return fmt.Errorf("unindex unprotected fill: %w", err)
	}
	return nil
}

// Start launches the deadline monitor loop.
func (w *ProtectionWatch) Start() {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.mu.Unlock()

	w.monitorWG.Add(1)
	go w.monitorLoop()
	w.logger.Info().Int("deadline_sec", w.deadlineSec).Msg("protection watchdog started")
}

// Stop terminates the monitor loop.
func (w *ProtectionWatch) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	close(w.stopChan)
	w.mu.Unlock()
	w.monitorWG.Wait()
}

func (w *ProtectionWatch) monitorLoop() {
	defer w.monitorWG.Done()
	ticker := time.NewTicker(w.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkDeadlines()
		}
	}
}

func (w *ProtectionWatch) checkDeadlines() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keys, err := w.client.SMembers(ctx, protectionSetKey).Result()
	if err != nil {
		w.logger.Warn().Err(err).Msg("watchdog index read failed")
		return
	}

	now := time.Now().UTC()
	for _, key := range keys {
		data, err := w.client.Get(ctx, key).Result()
		if err == redis.Nil {
			w.client.SRem(ctx, protectionSetKey, key)
			continue
		}
		if err != nil {
			continue
		}

		var fill UnprotectedFill
		if err := json.Unmarshal([]byte(data), &fill); err != nil {
			w.logger.Warn().Err(err).Str("key", key).Msg("corrupt watchdog entry dropped")
			w.client.Del(ctx, key)
			w.client.SRem(ctx, protectionSetKey, key)
			continue
		}
		if now.Before(fill.DeadlineAt) {
			continue
		}

		w.logger.Error().Str("intent_id", fill.IntentID).Str("stream_id", fill.StreamID).
			Int("qty", fill.Quantity).Msg("protection deadline breached")

		// Drop the registration first so the breach fires once.
		w.client.Del(ctx, key)
		w.client.SRem(ctx, protectionSetKey, key)

		w.mu.RLock()
		fn := w.onBreach
		w.mu.RUnlock()
		if fn != nil {
			fn(ctx, fill)
		}
	}
}
