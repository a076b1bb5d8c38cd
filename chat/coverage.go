package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ChannelSource lists channels the community wants covered.
type ChannelSource interface {
	CoveredChannels(ctx context.Context) ([]string, error)
}

// ChannelSourceFunc adapts a function to ChannelSource.
type ChannelSourceFunc func(ctx context.Context) ([]string, error)

// CoveredChannels calls f(ctx).
func (f ChannelSourceFunc) CoveredChannels(ctx context.Context) ([]string, error) { return f(ctx) }

// Listener is the part of Pool the coverage job needs.
type Listener interface {
	Listen(channel string) bool
}

// RefreshCoverage listens on every channel from every source. A failing
// source does not stop the others; their errors are joined.
func RefreshCoverage(ctx context.Context, l Listener, sources ...ChannelSource) (int, error) {
	added := 0
	var errs []error
	for _, src := range sources {
		chans, err := src.CoveredChannels(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ch := range chans {
			if l.Listen(ch) {
				added++
			}
		}
	}
	return added, errors.Join(errs...)
}

// StartCoverageJob refreshes coverage immediately and then every interval
// until ctx is done.
func StartCoverageJob(ctx context.Context, l Listener, interval time.Duration, sources ...ChannelSource) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := slog.Default().With(slog.String("component", "chat_coverage"))
	run := func() {
		added, err := RefreshCoverage(ctx, l, sources...)
		if err != nil {
			logger.Warn("coverage source failed", slog.Any("err", err))
		}
		if added > 0 {
			logger.Info("listening on new channels", slog.Int("added", added))
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
