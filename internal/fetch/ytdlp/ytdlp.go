// Package ytdlp fetches media by shelling out to the yt-dlp binary and
// extracting audio in the requested format.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ripqueue/ripqueue/internal/download"
	"github.com/ripqueue/ripqueue/internal/fetch"
	"github.com/ripqueue/ripqueue/internal/ratelimit"
)

const (
	dirPerm        = 0755
	defaultBinary  = "yt-dlp"
	maxErrorLength = 500
)

var progressLine = regexp.MustCompile(`\[download\]\s+([0-9.]+)%`)

// Fetcher runs yt-dlp per item. The shared bucket's current ceiling is
// split across workers and handed to yt-dlp as its own rate limit, so
// the aggregate stays under the global cap.
type Fetcher struct {
	binary  string
	bucket  *ratelimit.Bucket
	workers int
}

func New(binary string, bucket *ratelimit.Bucket, workers int) *Fetcher {
	if binary == "" {
		binary = defaultBinary
	}

	if workers < 1 {
		workers = 1
	}

	return &Fetcher{binary: binary, bucket: bucket, workers: workers}
}

func (f *Fetcher) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Result, error) {
	title, err := f.probeTitle(ctx, req.SourceURL)
	if err != nil {
		return nil, err
	}

	safeTitle := fetch.SanitizeTitle(title)
	if req.OnTitle != nil {
		req.OnTitle(safeTitle)
	}

	if err := os.MkdirAll(req.TargetDir, dirPerm); err != nil {
		return nil, &download.FetchError{
			Category: download.CategoryUnavailable,
			Message:  "failed to create target directory",
			Err:      err,
		}
	}

	outputTmpl := filepath.Join(req.TargetDir, safeTitle+" [%(id)s].%(ext)s")

	args := []string{
		"-x",
		"--audio-format", req.Format,
		"--no-playlist",
		"--newline",
		"--no-simulate",
		"--print", "after_move:filepath",
		"-o", outputTmpl,
	}

	if limit := f.bucket.Limit(); limit > 0 {
		share := limit / int64(f.workers)
		if share < 1024 {
			share = 1024
		}

		args = append(args, "--limit-rate", strconv.FormatInt(share, 10))
	}

	args = append(args, req.SourceURL)

	cmd := exec.CommandContext(ctx, f.binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &download.FetchError{
			Category: download.CategoryUnavailable,
			Message:  "failed to open yt-dlp output pipe",
			Err:      err,
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, &download.FetchError{
			Category: download.CategoryUnavailable,
			Message:  fmt.Sprintf("failed to start %s", f.binary),
			Err:      err,
		}
	}

	outputPath := scanOutput(stdout, req.OnProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, classify(err, stderr.String())
	}

	if outputPath == "" {
		return nil, &download.FetchError{
			Category: download.CategoryUnavailable,
			Message:  "yt-dlp did not report an output file",
		}
	}

	return &fetch.Result{OutputPath: outputPath, Title: safeTitle}, nil
}

// probeTitle resolves the media title before the transfer starts.
func (f *Fetcher) probeTitle(ctx context.Context, sourceURL string) (string, error) {
	cmd := exec.CommandContext(ctx, f.binary, "--print", "%(title)s", "--no-playlist", "--skip-download", sourceURL)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		return "", classify(err, stderr.String())
	}

	title, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if title == "" {
		title = fetch.UnknownTitle
	}

	return title, nil
}

// scanOutput consumes yt-dlp's stdout line by line: progress lines feed
// the callback, the printed final file path is captured for the result.
func scanOutput(r io.Reader, onProgress func(float64)) string {
	var (
		outputPath string
		lastFrac   float64
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if m := progressLine.FindStringSubmatch(line); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}

			frac := pct / 100
			if frac > 1 {
				frac = 1
			}

			// yt-dlp restarts percentages for each stage; only
			// forward increases so callers see a monotone series.
			if onProgress != nil && frac > lastFrac {
				lastFrac = frac
				onProgress(frac)
			}

			continue
		}

		// The printed file path is the only stdout line without a
		// bracketed stage tag, so a relative target dir works too.
		if line != "" && !strings.HasPrefix(line, "[") {
			outputPath = line
		}
	}

	return outputPath
}

// classify maps a yt-dlp failure to the coarse error taxonomy by
// inspecting its stderr output.
func classify(err error, stderr string) error {
	msg := lastLine(stderr)
	if msg == "" {
		msg = err.Error()
	}

	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}

	lower := strings.ToLower(stderr)

	category := download.CategoryUnavailable

	switch {
	case strings.Contains(lower, "is not a valid url"),
		strings.Contains(lower, "unsupported url"):
		category = download.CategoryInvalidSource
	case strings.Contains(lower, "timed out"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "temporary failure"):
		category = download.CategoryNetwork
	}

	return &download.FetchError{Category: category, Message: msg, Err: err}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}

	return ""
}
