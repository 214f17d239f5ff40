// Package feed delivers market bars into the engine. The live websocket
// feed pushes closed minute bars; the file feed replays offline sessions;
// the backfill client serves on-demand historical windows.
package feed

import (
	"context"

	"breakout-engine/internal/market"
)

// BarFeed is a source of bars. Start launches delivery; bars arrive on the
// Bars channel until Stop or context cancellation, after which the channel
// is closed.
type BarFeed interface {
	Start(ctx context.Context) error
	Bars() <-chan market.Bar
	Stop()
}
