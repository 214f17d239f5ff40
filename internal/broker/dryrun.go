package broker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"breakout-engine/internal/intent"
)

// DryRun accepts every order and never fills anything. Used to run the full
// decision pipeline against live data without taking positions.
type DryRun struct {
	logger zerolog.Logger
}

func NewDryRun(logger zerolog.Logger) *DryRun {
	return &DryRun{logger: logger.With().Str("component", "DryRunAdapter").Logger()}
}

func (d *DryRun) SetExecutionHandler(h ExecutionHandler) {}

func (d *DryRun) accept(op string, it *intent.Intent, price float64, qty int) (string, error) {
	id := uuid.New().String()
	d.logger.Info().Str("op", op).Str("intent_id", it.ID).Str("contract", it.Contract).
		Float64("price", price).Int("qty", qty).Str("venue_id", id).
		Msg("dry-run order accepted")
	return id, nil
}

func (d *DryRun) SubmitEntry(ctx context.Context, it *intent.Intent, resting bool) (string, error) {
	return d.accept("entry", it, it.EntryPrice, it.Quantity)
}

func (d *DryRun) SubmitStop(ctx context.Context, it *intent.Intent, qty int, stopPrice float64) (string, error) {
	return d.accept("stop", it, stopPrice, qty)
}

func (d *DryRun) SubmitTarget(ctx context.Context, it *intent.Intent, qty int, price float64) (string, error) {
	return d.accept("target", it, price, qty)
}

func (d *DryRun) ModifyStop(ctx context.Context, venueOrderID string, newStop float64) error {
	d.logger.Info().Str("venue_id", venueOrderID).Float64("new_stop", newStop).Msg("dry-run stop modified")
	return nil
}

func (d *DryRun) Cancel(ctx context.Context, venueOrderID string) error {
	d.logger.Info().Str("venue_id", venueOrderID).Msg("dry-run order cancelled")
	return nil
}

func (d *DryRun) Flatten(ctx context.Context, contract string) error {
	d.logger.Info().Str("contract", contract).Msg("dry-run flatten")
	return nil
}
