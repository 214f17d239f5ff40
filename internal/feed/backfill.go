package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"breakout-engine/internal/market"
)

// BackfillClient requests historical bar windows from a REST endpoint:
// GET {base}/bars?contract=X&from=unix&to=unix returning a JSON array of
// bar frames. Bars carry SourceBackfill so live data always outranks them.
type BackfillClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewBackfillClient(baseURL string, logger zerolog.Logger) *BackfillClient {
	return &BackfillClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With().Str("component", "BackfillClient").Logger(),
	}
}

// Window fetches bars with start time in [from, to).
func (c *BackfillClient) Window(ctx context.Context, contract string, from, to time.Time) ([]market.Bar, error) {
	q := url.Values{}
	q.Set("contract", contract)
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bars?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build backfill request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backfill request for %s: %w", contract, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backfill request for %s: status %d", contract, resp.StatusCode)
	}

	var frames []wsBarFrame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("decode backfill response: %w", err)
	}

	bars := make([]market.Bar, 0, len(frames))
	for _, f := range frames {
		bars = append(bars, market.Bar{
			Contract: f.Contract,
			Start:    time.Unix(f.Start, 0).UTC(),
			Open:     f.Open,
			High:     f.High,
			Low:      f.Low,
			Close:    f.Close,
			Volume:   f.Volume,
			Source:   market.SourceBackfill,
		})
	}
	c.logger.Debug().Str("contract", contract).Int("bars", len(bars)).
		Time("from", from).Time("to", to).Msg("backfill window fetched")
	return bars, nil
}
