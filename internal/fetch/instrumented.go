package fetch

import (
	"context"
	"time"

	"github.com/ripqueue/ripqueue/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	backend   string
	telemetry *telemetry.Telemetry
}

func NewInstrumentedFetcher(fetcher Fetcher, backend string, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		backend:   backend,
		telemetry: tel,
	}
}

func (f *InstrumentedFetcher) Fetch(ctx context.Context, req *Request) (*Result, error) {
	var result *Result

	var err error

	start := time.Now()

	instrumentedErr := f.telemetry.InstrumentFetch(ctx, f.backend, func(ctx context.Context) error {
		result, err = f.fetcher.Fetch(ctx, req)

		return err
	})

	status := "success"
	if instrumentedErr != nil {
		status = "failure"
	}

	f.telemetry.RecordDownload(status, time.Since(start))

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
