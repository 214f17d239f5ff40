// Package broker defines the order adapter boundary. The engine only ever
// talks to the Adapter interface; simulated, dry-run and live variants all
// implement it, so no caller branches on the concrete adapter type.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"breakout-engine/internal/intent"
)

// OrderKind classifies orders within an intent's bracket.
type OrderKind string

const (
	KindEntry   OrderKind = "ENTRY"
	KindStop    OrderKind = "STOP"
	KindTarget  OrderKind = "TARGET"
	KindFlatten OrderKind = "FLATTEN"
)

// ExecStatus is the lifecycle status carried on an execution update.
type ExecStatus string

const (
	ExecFilled        ExecStatus = "FILLED"
	ExecPartialFilled ExecStatus = "PARTIAL"
	ExecRejected      ExecStatus = "REJECTED"
	ExecCancelled     ExecStatus = "CANCELLED"
)

// ExecutionUpdate is one execution report from the venue. FillCumulative is
// the venue's total filled quantity for the order, which downstream
// accounting treats as authoritative.
type ExecutionUpdate struct {
	VenueOrderID   string
	IntentID       string
	Contract       string
	Kind           OrderKind
	Status         ExecStatus
	FillDelta      int
	FillCumulative int
	AvgPrice       float64
	Reason         string
	Timestamp      time.Time
}

// ExecutionHandler receives execution updates. The adapter calls it from
// its own goroutine; handlers must not block indefinitely.
type ExecutionHandler func(ExecutionUpdate)

// Adapter is the single order-submission surface. Every method returns the
// venue-assigned order id where one exists. Failures are distinguishable:
// errors.As against *SubmissionError (never reached the venue, or the venue
// refused to accept) versus *VenueRejection (accepted then rejected).
type Adapter interface {
	// SubmitEntry places the entry order. resting selects a stop-entry
	// resting at the intent's entry price; otherwise the entry is
	// marketable at the level (the immediate-entry path).
	SubmitEntry(ctx context.Context, it *intent.Intent, resting bool) (string, error)
	// SubmitStop places a protective stop for qty contracts at stopPrice.
	SubmitStop(ctx context.Context, it *intent.Intent, qty int, stopPrice float64) (string, error)
	// SubmitTarget places a profit target for qty contracts at price.
	SubmitTarget(ctx context.Context, it *intent.Intent, qty int, price float64) (string, error)
	// ModifyStop moves a working stop to newStop.
	ModifyStop(ctx context.Context, venueOrderID string, newStop float64) error
	// Cancel cancels a working order. Cancelling an unknown or already
	// terminal order is a no-op.
	Cancel(ctx context.Context, venueOrderID string) error
	// Flatten closes any open position on the contract at market and
	// reports the closing fill through the execution handler.
	Flatten(ctx context.Context, contract string) error
	// SetExecutionHandler installs the fill/rejection callback. Must be
	// called before any submission.
	SetExecutionHandler(h ExecutionHandler)
}

// SubmissionError means the order never became working at the venue.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("order submission failed (%s): %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// VenueRejection means the venue accepted the order and rejected it later.
// The fail-closed handling for this is identical to exhausted submission
// retries, but callers log the two differently.
type VenueRejection struct {
	VenueOrderID string
	Reason       string
}

func (e *VenueRejection) Error() string {
	return fmt.Sprintf("venue rejected order %s: %s", e.VenueOrderID, e.Reason)
}

// IsRejection reports whether err is a post-acceptance venue rejection.
func IsRejection(err error) bool {
	var vr *VenueRejection
	return errors.As(err, &vr)
}
