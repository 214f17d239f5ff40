package engine

import (
	"context"

	"breakout-engine/internal/coordinator"
	"breakout-engine/internal/intent"
	"breakout-engine/internal/stream"
)

// CoordinatorExecutor adapts the order coordinator to the stream's
// executor surface. The stream package defines the interface it consumes;
// this keeps it free of any dependency on order internals.
type CoordinatorExecutor struct {
	C *coordinator.Coordinator
}

func (e CoordinatorExecutor) PlaceBracket(ctx context.Context, streamID string, long, short *intent.Intent) error {
	return e.C.PlaceBracket(ctx, streamID, long, short)
}

func (e CoordinatorExecutor) PlaceImmediate(ctx context.Context, streamID string, it *intent.Intent) error {
	return e.C.PlaceImmediate(ctx, streamID, it)
}

func (e CoordinatorExecutor) CancelStreamOrders(ctx context.Context, streamID string) error {
	return e.C.CancelStreamOrders(ctx, streamID)
}

func (e CoordinatorExecutor) CloseOut(ctx context.Context, streamID string) error {
	return e.C.CloseOut(ctx, streamID)
}

func (e CoordinatorExecutor) Status(streamID string) stream.ExecStatus {
	st := e.C.Status(streamID)
	return stream.ExecStatus{
		Working:   st.Working,
		Live:      st.Live,
		Completed: st.Completed,
		StoodDown: st.StoodDown,
		Reason:    st.Reason,
	}
}
