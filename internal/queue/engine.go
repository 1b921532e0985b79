// Package queue implements the download engine: a bounded worker pool
// draining a priority-ordered queue of media conversion requests, with
// every state transition written through to durable storage.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/ripqueue/ripqueue/internal/download"
	"github.com/ripqueue/ripqueue/internal/fetch"
	"github.com/ripqueue/ripqueue/internal/logctx"
	"github.com/ripqueue/ripqueue/internal/ratelimit"
	"github.com/ripqueue/ripqueue/internal/storage"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 16

// haltIntent records why an active item's fetch context was canceled,
// so the worker knows which state to land in once the fetcher returns.
type haltIntent string

const (
	intentNone   haltIntent = ""
	intentPause  haltIntent = "pause"
	intentCancel haltIntent = "cancel"
)

// run tracks one in-flight fetch.
type run struct {
	cancel context.CancelFunc
	intent haltIntent
}

// Config carries the engine's wiring and tunables.
type Config struct {
	Workers      int
	DownloadDir  string
	AudioFormat  string
	FetchTimeout time.Duration

	Repository storage.ItemRepository
	Fetcher    fetch.Fetcher
	Bucket     *ratelimit.Bucket
}

// Engine owns the full lifecycle of every download item. All state
// lives behind one mutex; workers, API calls and the sweeper all
// funnel through it.
type Engine struct {
	mu          sync.Mutex
	items       map[string]*download.Item
	active      map[string]*run
	globalPause bool

	repo         storage.ItemRepository
	fetcher      fetch.Fetcher
	bucket       *ratelimit.Bucket
	workers      int
	downloadDir  string
	audioFormat  string
	fetchTimeout time.Duration

	// wake nudges idle workers when new work becomes dispatchable.
	wake chan struct{}
	wg   errgroup.Group

	OnItemFinished chan *download.Item
	OnItemFailed   chan *download.Item
}

func NewEngine(cfg Config) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	return &Engine{
		items:          make(map[string]*download.Item),
		active:         make(map[string]*run),
		repo:           cfg.Repository,
		fetcher:        cfg.Fetcher,
		bucket:         cfg.Bucket,
		workers:        workers,
		downloadDir:    cfg.DownloadDir,
		audioFormat:    cfg.AudioFormat,
		fetchTimeout:   cfg.FetchTimeout,
		wake:           make(chan struct{}, workers),
		OnItemFinished: make(chan *download.Item, eventBuffer),
		OnItemFailed:   make(chan *download.Item, eventBuffer),
	}
}

// Start restores persisted items and launches the worker pool. Items
// that were mid-transfer when the process died go back to queued and
// are fetched again from scratch.
func (e *Engine) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	records, err := e.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	e.mu.Lock()
	for _, item := range records {
		if item.State == download.StateActive {
			item.State = download.StateQueued
			item.Progress = 0
			e.persistLocked(ctx, item)
		}

		e.items[item.ID] = item
	}
	restored := len(e.items)
	e.mu.Unlock()

	logger.Info("queue restored", "items", restored, "workers", e.workers)

	for i := 0; i < e.workers; i++ {
		e.wg.Go(func() error {
			e.worker(ctx)

			return nil
		})

		e.nudge()
	}

	return nil
}

// Close waits for the workers to drain and closes the event channels.
// Call only after the context given to Start is canceled.
func (e *Engine) Close() {
	_ = e.wg.Wait()

	close(e.OnItemFinished)
	close(e.OnItemFailed)
}

// Submit validates and enqueues a new download for owner. The record
// is persisted before it becomes visible; a storage failure rejects
// the submission outright.
func (e *Engine) Submit(ctx context.Context, owner, sourceURL string, priority int) (*download.Item, error) {
	if owner == "" {
		return nil, &download.ValidationError{Field: "owner", Reason: "must not be empty"}
	}

	if err := validateSourceURL(sourceURL); err != nil {
		return nil, err
	}

	if priority < 0 {
		return nil, &download.ValidationError{Field: "priority", Reason: "must not be negative"}
	}

	item := &download.Item{
		ID:        uuid.NewString(),
		Owner:     owner,
		SourceURL: sourceURL,
		Title:     fetch.UnknownTitle,
		Priority:  priority,
		State:     download.StateQueued,
		CreatedAt: time.Now().UTC(),
	}

	if err := e.repo.Insert(ctx, item); err != nil {
		return nil, &download.SystemError{Operation: "persist_item", Err: err}
	}

	e.mu.Lock()
	e.items[item.ID] = item
	clone := item.Clone()
	e.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("download submitted",
		"download_id", item.ID, "owner", owner, "priority", priority)

	e.nudge()

	return clone, nil
}

// Get returns a snapshot of the item.
func (e *Engine) Get(ctx context.Context, id string) (*download.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, ok := e.items[id]
	if !ok {
		return nil, &download.NotFoundError{ID: id}
	}

	return item.Clone(), nil
}

// List returns snapshots of owner's items, newest first. An empty
// owner returns everything.
func (e *Engine) List(ctx context.Context, owner string) []*download.Item {
	e.mu.Lock()

	items := make([]*download.Item, 0, len(e.items))

	for _, item := range e.items {
		if owner != "" && item.Owner != owner {
			continue
		}

		items = append(items, item.Clone())
	}
	e.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}

		return items[i].ID < items[j].ID
	})

	return items
}

// Pause moves a queued item to paused, or asks an active item's
// fetcher to stop. The active item stays active until the fetcher
// acknowledges by returning; pausing an already paused item is a
// no-op.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, ok := e.items[id]
	if !ok {
		return &download.NotFoundError{ID: id}
	}

	switch item.State {
	case download.StateQueued:
		item.State = download.StatePaused
		e.persistLocked(ctx, item)

		return nil
	case download.StateActive:
		rn := e.active[id]
		if rn.intent == intentCancel {
			return &download.ConflictError{ID: id, Operation: "pause", State: item.State}
		}

		if rn.intent == intentNone {
			rn.intent = intentPause
			rn.cancel()
		}

		return nil
	case download.StatePaused:
		return nil
	default:
		return &download.ConflictError{ID: id, Operation: "pause", State: item.State}
	}
}

// Resume puts a paused item back in the queue. It keeps its original
// submission time, so it re-enters the queue at its old position
// rather than the back.
func (e *Engine) Resume(ctx context.Context, id string) error {
	e.mu.Lock()

	item, ok := e.items[id]
	if !ok {
		e.mu.Unlock()

		return &download.NotFoundError{ID: id}
	}

	if item.State != download.StatePaused {
		state := item.State
		e.mu.Unlock()

		return &download.ConflictError{ID: id, Operation: "resume", State: state}
	}

	item.State = download.StateQueued
	e.persistLocked(ctx, item)
	e.mu.Unlock()

	e.nudge()

	return nil
}

// Cancel terminates an item. Queued and paused items cancel
// immediately; an active item is asked to stop and lands in canceled
// once its fetcher returns. Cancel upgrades a pending pause.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, ok := e.items[id]
	if !ok {
		return &download.NotFoundError{ID: id}
	}

	switch item.State {
	case download.StateQueued, download.StatePaused:
		item.State = download.StateCanceled
		item.FinishedAt = time.Now().UTC()
		e.persistLocked(ctx, item)

		return nil
	case download.StateActive:
		rn := e.active[id]
		if rn.intent != intentCancel {
			rn.intent = intentCancel
			rn.cancel()
		}

		return nil
	default:
		return &download.ConflictError{ID: id, Operation: "cancel", State: item.State}
	}
}

// PauseAll stops dispatching new work. Items already transferring run
// to completion; individual item states are untouched.
func (e *Engine) PauseAll(ctx context.Context) {
	e.mu.Lock()
	e.globalPause = true
	e.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("queue dispatch paused")
}

// ResumeAll re-enables dispatching.
func (e *Engine) ResumeAll(ctx context.Context) {
	e.mu.Lock()
	e.globalPause = false
	e.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("queue dispatch resumed")

	for i := 0; i < e.workers; i++ {
		e.nudge()
	}
}

// SetSpeedLimit adjusts the global transfer budget in bytes per
// second. Zero lifts the limit. Takes effect for bytes not yet
// transferred, including on in-flight items.
func (e *Engine) SetSpeedLimit(ctx context.Context, bytesPerSec int64) error {
	if bytesPerSec < 0 {
		return &download.ValidationError{Field: "speed_limit", Reason: "must not be negative"}
	}

	e.bucket.SetLimit(bytesPerSec)

	logger := logctx.LoggerFromContext(ctx)
	if bytesPerSec == 0 {
		logger.Info("speed limit lifted")
	} else {
		logger.Info("speed limit set", "limit", humanize.Bytes(uint64(bytesPerSec))+"/s")
	}

	return nil
}

// SpeedLimit returns the current limit in bytes per second, zero for
// unlimited.
func (e *Engine) SpeedLimit() int64 {
	return e.bucket.Limit()
}

// Stats returns the number of items per non-terminal state.
func (e *Engine) Stats() (queued, active, paused int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, item := range e.items {
		switch item.State {
		case download.StateQueued:
			queued++
		case download.StateActive:
			active++
		case download.StatePaused:
			paused++
		}
	}

	return queued, active, paused
}

// PurgeExpired removes terminal items that finished before the
// retention window, from storage and from memory. With deleteFiles set
// the completed output files are removed as well.
func (e *Engine) PurgeExpired(ctx context.Context, window time.Duration, deleteFiles bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().UTC().Add(-window)

	e.mu.Lock()

	var expired []*download.Item

	for _, item := range e.items {
		if item.Finished() && !item.FinishedAt.IsZero() && item.FinishedAt.Before(cutoff) {
			expired = append(expired, item)
		}
	}
	e.mu.Unlock()

	purged := 0

	for _, item := range expired {
		if err := e.repo.Delete(ctx, item.ID); err != nil {
			logger.Error("failed to purge record", "download_id", item.ID, "err", err)

			continue
		}

		if deleteFiles && item.OutputPath != "" {
			if err := os.Remove(item.OutputPath); err != nil && !os.IsNotExist(err) {
				logger.Warn("failed to remove expired file",
					"download_id", item.ID, "path", item.OutputPath, "err", err)
			}
		}

		e.mu.Lock()
		delete(e.items, item.ID)
		e.mu.Unlock()

		purged++
	}

	if purged > 0 {
		logger.Info("expired downloads purged", "count", purged)
	}

	return purged, nil
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}

		for {
			item, runCtx := e.popNext(ctx)
			if item == nil {
				break
			}

			e.runItem(ctx, runCtx, item)
		}
	}
}

// nudge wakes an idle worker without ever blocking the caller.
func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// popNext picks the best dispatchable item, activates it and hands it
// to the calling worker. Highest priority wins; ties go to the oldest
// submission.
func (e *Engine) popNext(ctx context.Context) (*download.Item, context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.globalPause {
		return nil, nil
	}

	var best *download.Item

	for _, item := range e.items {
		if item.State != download.StateQueued {
			continue
		}

		if best == nil || dispatchBefore(item, best) {
			best = item
		}
	}

	if best == nil {
		return nil, nil
	}

	best.State = download.StateActive
	best.Progress = 0
	best.Error = ""
	best.ErrorCategory = ""

	if best.StartedAt.IsZero() {
		best.StartedAt = time.Now().UTC()
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)

	if e.fetchTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.fetchTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	e.active[best.ID] = &run{cancel: cancel}
	e.persistLocked(ctx, best)

	return best, runCtx
}

func dispatchBefore(a, b *download.Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.ID < b.ID
}

// runItem drives one fetch to completion and lands the item in its
// next state once the fetcher has acknowledged by returning.
func (e *Engine) runItem(ctx, runCtx context.Context, item *download.Item) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", item.ID, "owner", item.Owner)

	logger.Info("download started", "url", item.SourceURL, "priority", item.Priority)

	req := &fetch.Request{
		Owner:     item.Owner,
		SourceURL: item.SourceURL,
		Format:    e.audioFormat,
		TargetDir: filepath.Join(e.downloadDir, item.Owner),
		OnProgress: func(fraction float64) {
			e.mu.Lock()
			if item.State == download.StateActive && fraction > item.Progress {
				item.Progress = fraction
			}
			e.mu.Unlock()
		},
		OnTitle: func(title string) {
			e.mu.Lock()
			if item.State == download.StateActive && title != "" {
				item.Title = title
			}
			e.mu.Unlock()
		},
	}

	result, err := e.fetcher.Fetch(runCtx, req)

	e.mu.Lock()

	rn := e.active[item.ID]
	delete(e.active, item.ID)
	rn.cancel()

	var event chan *download.Item

	switch {
	case err == nil:
		item.State = download.StateCompleted
		item.Progress = 1
		item.Title = result.Title
		item.OutputPath = result.OutputPath
		item.FinishedAt = time.Now().UTC()
		event = e.OnItemFinished

		logger.Info("download completed", "title", item.Title, "output", item.OutputPath)
	case rn.intent == intentCancel:
		item.State = download.StateCanceled
		item.FinishedAt = time.Now().UTC()

		logger.Info("download canceled")
	case rn.intent == intentPause:
		item.State = download.StatePaused

		logger.Info("download paused")
	case ctx.Err() != nil:
		// Shutdown, not a verdict on the item. It restarts from
		// scratch on the next boot.
		item.State = download.StateQueued
		item.Progress = 0

		logger.Info("download interrupted by shutdown")
	default:
		item.State = download.StateFailed
		item.FinishedAt = time.Now().UTC()
		item.Error, item.ErrorCategory = classifyFailure(err)
		event = e.OnItemFailed

		logger.Error("download failed", "category", item.ErrorCategory, "err", err)
	}

	e.persistLocked(ctx, item)
	snapshot := item.Clone()
	e.mu.Unlock()

	if event != nil {
		select {
		case event <- snapshot:
		default:
		}
	}
}

func classifyFailure(err error) (string, download.ErrorCategory) {
	if errors.Is(err, context.DeadlineExceeded) {
		return "fetch exceeded the configured timeout", download.CategoryTimeout
	}

	var fe *download.FetchError
	if errors.As(err, &fe) {
		return fe.Message, fe.Category
	}

	return err.Error(), download.CategoryUnavailable
}

// persistLocked writes the item through to storage. Callers hold the
// engine lock. Transition persistence is log-and-continue; the fully
// consistent path is Submit, which fails closed.
func (e *Engine) persistLocked(ctx context.Context, item *download.Item) {
	if err := e.repo.Update(ctx, item); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist state change",
			"download_id", item.ID, "state", item.State, "err", err)
	}
}

func validateSourceURL(raw string) error {
	if raw == "" {
		return &download.ValidationError{Field: "url", Reason: "must not be empty"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &download.ValidationError{Field: "url", Reason: "not a valid URL"}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &download.ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}

	if u.Host == "" {
		return &download.ValidationError{Field: "url", Reason: "missing host"}
	}

	return nil
}
