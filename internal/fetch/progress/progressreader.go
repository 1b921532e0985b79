package progress

import (
	"context"
	"io"

	"github.com/ripqueue/ripqueue/internal/ratelimit"
)

// Reader wraps an io.Reader, reports progress via a callback and
// optionally throttles against a shared token bucket.
type Reader struct {
	reader     io.Reader
	total      int64
	onProgress func(read int64, total int64)

	read        int64 // cumulative bytes
	sinceReport int64 // bytes since last callback
	reportEvery int64 // bytes between callbacks

	ctx    context.Context
	bucket *ratelimit.Bucket
}

// NewReader creates a progress-reporting reader. The callback fires at
// most every reportEvery bytes, and always on the read that crosses it.
func NewReader(r io.Reader, total, reportEvery int64, cb func(read, total int64)) *Reader {
	return &Reader{
		reader:      r,
		total:       total,
		reportEvery: reportEvery,
		onProgress:  cb,
	}
}

// NewThrottledReader is NewReader plus token-bucket pacing: each read
// consumes its byte count from the bucket before being handed out.
func NewThrottledReader(
	ctx context.Context,
	r io.Reader,
	total, reportEvery int64,
	bucket *ratelimit.Bucket,
	cb func(read, total int64),
) *Reader {
	pr := NewReader(r, total, reportEvery, cb)
	pr.ctx = ctx
	pr.bucket = bucket

	return pr
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		if pr.bucket != nil {
			if werr := pr.bucket.WaitN(pr.ctx, n); werr != nil {
				return n, werr
			}
		}

		pr.read += int64(n)
		pr.sinceReport += int64(n)

		if pr.onProgress != nil && pr.sinceReport >= pr.reportEvery {
			pr.onProgress(pr.read, pr.total)
			pr.sinceReport = 0
		}
	}

	if err == io.EOF && pr.onProgress != nil && pr.sinceReport > 0 {
		pr.onProgress(pr.read, pr.total)
		pr.sinceReport = 0
	}

	return n, err
}
