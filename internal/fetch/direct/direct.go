// Package direct fetches media over plain HTTP, for source URLs that
// already point at an audio file. Bytes stream through the shared token
// bucket, so the global speed ceiling applies exactly.
package direct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ripqueue/ripqueue/internal/download"
	"github.com/ripqueue/ripqueue/internal/fetch"
	"github.com/ripqueue/ripqueue/internal/fetch/progress"
	"github.com/ripqueue/ripqueue/internal/ratelimit"
)

const (
	dirPerm = 0755

	// reportEvery is the byte interval between progress callbacks.
	reportEvery = 256 * 1024
)

type Fetcher struct {
	client *http.Client
	bucket *ratelimit.Bucket
}

func New(client *http.Client, bucket *ratelimit.Bucket) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 0} // transfers are bounded by the fetch context
	}

	return &Fetcher{client: client, bucket: bucket}
}

func (f *Fetcher) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.SourceURL, nil)
	if err != nil {
		return nil, &download.FetchError{
			Category: download.CategoryInvalidSource,
			Message:  fmt.Sprintf("malformed source url: %v", err),
			Err:      err,
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, classifyTransport(err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	name := outputName(req.SourceURL, resp)

	title := strings.TrimSuffix(name, filepath.Ext(name))
	if req.OnTitle != nil {
		req.OnTitle(title)
	}

	if err := os.MkdirAll(req.TargetDir, dirPerm); err != nil {
		return nil, &download.FetchError{
			Category: download.CategoryUnavailable,
			Message:  "failed to create target directory",
			Err:      err,
		}
	}

	targetPath := filepath.Join(req.TargetDir, name)

	out, err := os.Create(targetPath)
	if err != nil {
		return nil, &download.FetchError{
			Category: download.CategoryUnavailable,
			Message:  "failed to create target file",
			Err:      err,
		}
	}

	defer out.Close()

	total := resp.ContentLength

	pr := progress.NewThrottledReader(ctx, resp.Body, total, reportEvery, f.bucket, func(read, total int64) {
		if req.OnProgress != nil && total > 0 {
			req.OnProgress(float64(read) / float64(total))
		}
	})

	if _, err := io.Copy(out, pr); err != nil {
		os.Remove(targetPath)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, classifyTransport(err)
	}

	return &fetch.Result{OutputPath: targetPath, Title: title}, nil
}

// outputName derives the output file name from the Content-Disposition
// header, falling back to the URL path.
func outputName(sourceURL string, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return fetch.SanitizeTitle(strings.TrimSuffix(name, filepath.Ext(name))) + filepath.Ext(name)
			}
		}
	}

	if u, err := url.Parse(sourceURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			return fetch.SanitizeTitle(strings.TrimSuffix(name, path.Ext(name))) + path.Ext(name)
		}
	}

	return fmt.Sprintf("download-%d", time.Now().Unix())
}

func classifyStatus(code int) error {
	category := download.CategoryNetwork

	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		category = download.CategoryUnavailable
	case code >= 400 && code < 500:
		category = download.CategoryInvalidSource
	}

	return &download.FetchError{
		Category: category,
		Message:  fmt.Sprintf("unexpected response status %d", code),
	}
}

func classifyTransport(err error) error {
	category := download.CategoryNetwork

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		category = download.CategoryTimeout
	}

	return &download.FetchError{
		Category: category,
		Message:  err.Error(),
		Err:      err,
	}
}
