// Package fetch defines the boundary contract between the queue engine
// and whatever actually retrieves and converts media. Implementations
// must honor context cancellation promptly so pause and cancel stay
// effective, and must report progress as non-decreasing fractions.
package fetch

import (
	"context"
	"regexp"
	"strings"
)

// UnknownTitle is the placeholder used until a fetcher resolves the
// real media title.
const UnknownTitle = "Unknown Title"

var titleSanitizer = regexp.MustCompile(`[^A-Za-z0-9_\-\s]+`)

// SanitizeTitle reduces a media title to filesystem-safe characters.
func SanitizeTitle(title string) string {
	safe := strings.TrimSpace(titleSanitizer.ReplaceAllString(title, "_"))
	if safe == "" {
		return UnknownTitle
	}

	return safe
}

// Request describes one unit of work handed to a Fetcher.
type Request struct {
	Owner     string
	SourceURL string

	// Format is the target audio format, e.g. "flac".
	Format string

	// TargetDir is the owner-scoped directory the output must land in.
	// The fetcher creates it if missing.
	TargetDir string

	// OnProgress, if set, receives completion fractions in [0,1]. Calls
	// are monotonically non-decreasing for the lifetime of the fetch.
	OnProgress func(fraction float64)

	// OnTitle, if set, receives the resolved media title as soon as the
	// fetcher knows it, before the transfer finishes.
	OnTitle func(title string)
}

// Result is the outcome of a successful fetch.
type Result struct {
	OutputPath string
	Title      string
}

// Fetcher retrieves one item and converts it to the requested format.
// A failed fetch returns a *download.FetchError carrying the coarse
// category; a halted fetch returns the context's error.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Result, error)
}
