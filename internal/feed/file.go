package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"breakout-engine/internal/market"
)

// FileFeed replays bars from an offline CSV session file. Rows are
// contract,start_rfc3339,open,high,low,close,volume with an optional header
// line. Bars carry SourceFile, the lowest dedup precedence.
type FileFeed struct {
	path   string
	bars   chan market.Bar
	logger zerolog.Logger
	stop   chan struct{}
}

func NewFileFeed(path string, logger zerolog.Logger) *FileFeed {
	return &FileFeed{
		path:   path,
		bars:   make(chan market.Bar, 256),
		logger: logger.With().Str("component", "FileFeed").Str("path", path).Logger(),
		stop:   make(chan struct{}),
	}
}

func (f *FileFeed) Bars() <-chan market.Bar { return f.bars }

func (f *FileFeed) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
}

// Start reads the whole file and delivers every parseable row, then closes
// the channel.
func (f *FileFeed) Start(ctx context.Context) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open bar file %s: %w", f.path, err)
	}

	go func() {
		defer file.Close()
		defer close(f.bars)

		r := csv.NewReader(file)
		r.FieldsPerRecord = -1
		line := 0
		for {
			row, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				f.logger.Warn().Err(err).Int("line", line).Msg("bad csv row skipped")
				continue
			}
			line++

			bar, err := parseRow(row)
			if err != nil {
				if line == 1 {
					continue // header
				}
				f.logger.Warn().Err(err).Int("line", line).Msg("unparseable bar row skipped")
				continue
			}

			select {
			case f.bars <- bar:
			case <-f.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func parseRow(row []string) (market.Bar, error) {
	if len(row) < 6 {
		return market.Bar{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	start, err := time.Parse(time.RFC3339, row[1])
	if err != nil {
		return market.Bar{}, fmt.Errorf("bad start time %q: %w", row[1], err)
	}
	prices := make([]float64, 4)
	for i, field := range row[2:6] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("bad price %q: %w", field, err)
		}
		prices[i] = v
	}
	volume := 0.0
	if len(row) > 6 {
		volume, _ = strconv.ParseFloat(row[6], 64)
	}
	return market.Bar{
		Contract: row[0],
		Start:    start.UTC(),
		Open:     prices[0],
		High:     prices[1],
		Low:      prices[2],
		Close:    prices[3],
		Volume:   volume,
		Source:   market.SourceFile,
	}, nil
}
