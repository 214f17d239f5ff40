package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"breakout-engine/internal/market"
)

// reconnectDelay is the fixed wait between connection attempts.
const reconnectDelay = 3 * time.Second

// wsBarFrame is the wire format of one bar frame.
type wsBarFrame struct {
	Contract string  `json:"contract"`
	Start    int64   `json:"start"` // unix seconds, minute bucket
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// WebsocketFeed is the live push feed. Bars it delivers are known closed
// upstream, so they carry SourceLive and bypass the hydrator's age filter.
// The read loop reconnects forever with a fixed delay until stopped.
type WebsocketFeed struct {
	url    string
	bars   chan market.Bar
	logger zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	running    bool
	reconnects int
	stopChan   chan struct{}
}

// NewWebsocketFeed creates a feed for the given ws:// or wss:// URL.
func NewWebsocketFeed(url string, logger zerolog.Logger) *WebsocketFeed {
	return &WebsocketFeed{
		url:      url,
		bars:     make(chan market.Bar, 1024),
		logger:   logger.With().Str("component", "WebsocketFeed").Logger(),
		stopChan: make(chan struct{}),
	}
}

func (f *WebsocketFeed) Bars() <-chan market.Bar { return f.bars }

// Start launches the connect/read loop.
func (f *WebsocketFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	go f.connectLoop(ctx)
	return nil
}

// Stop shuts the feed down and closes the bar channel.
func (f *WebsocketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopChan)
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *WebsocketFeed) connectLoop(ctx context.Context) {
	defer close(f.bars)

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.mu.Lock()
			f.reconnects++
			n := f.reconnects
			f.mu.Unlock()
			f.logger.Warn().Err(err).Int("attempt", n).Msg("feed dial failed, retrying")
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-f.stopChan:
				return
			}
		}

		f.mu.Lock()
		f.conn = conn
		f.reconnects = 0
		f.mu.Unlock()
		f.logger.Info().Str("url", f.url).Msg("feed connected")

		f.readLoop(conn)

		select {
		case <-f.stopChan:
			return
		default:
			f.logger.Warn().Msgf("feed connection lost, reconnecting in %s", reconnectDelay)
			time.Sleep(reconnectDelay)
		}
	}
}

func (f *WebsocketFeed) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			f.logger.Debug().Err(err).Msg("feed read ended")
			return
		}

		var frame wsBarFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			f.logger.Warn().Err(err).Msg("unparseable bar frame dropped")
			continue
		}

		bar := market.Bar{
			Contract: frame.Contract,
			Start:    time.Unix(frame.Start, 0).UTC(),
			Open:     frame.Open,
			High:     frame.High,
			Low:      frame.Low,
			Close:    frame.Close,
			Volume:   frame.Volume,
			Source:   market.SourceLive,
		}
		select {
		case f.bars <- bar:
		default:
			f.logger.Warn().Str("contract", bar.Contract).Msg("bar channel full, bar dropped")
		}
	}
}
