package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ripqueue/ripqueue/internal/download"
	"github.com/ripqueue/ripqueue/internal/fetch"
	"github.com/ripqueue/ripqueue/internal/ratelimit"
	"github.com/ripqueue/ripqueue/internal/storage"
)

// memRepo is an in-memory ItemRepository for driving the engine in
// tests without a database.
type memRepo struct {
	mu        sync.Mutex
	records   map[string]*download.Item
	failWrite bool
}

func newMemRepo() *memRepo {
	return &memRepo{records: map[string]*download.Item{}}
}

func (r *memRepo) Insert(_ context.Context, item *download.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failWrite {
		return errors.New("disk full")
	}

	r.records[item.ID] = item.Clone()

	return nil
}

func (r *memRepo) Update(_ context.Context, item *download.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[item.ID]
	if !ok {
		return storage.ErrNotFound
	}

	if existing.State.Terminal() {
		return storage.ErrTerminalRecord
	}

	r.records[item.ID] = item.Clone()

	return nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, id)

	return nil
}

func (r *memRepo) List(_ context.Context) ([]*download.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []*download.Item
	for _, it := range r.records {
		items = append(items, it.Clone())
	}

	return items, nil
}

func (r *memRepo) get(id string) *download.Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	if it, ok := r.records[id]; ok {
		return it.Clone()
	}

	return nil
}

// scriptedFetcher blocks every fetch until the test releases it via
// proceed, and surfaces each request on begun as it starts.
type scriptedFetcher struct {
	begun   chan *fetch.Request
	proceed chan error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		begun:   make(chan *fetch.Request, 8),
		proceed: make(chan error, 8),
	}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Result, error) {
	f.begun <- req

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-f.proceed:
		if err != nil {
			return nil, err
		}

		return &fetch.Result{
			OutputPath: req.TargetDir + "/track.flac",
			Title:      "track",
		}, nil
	}
}

func newTestEngine(t *testing.T, workers int, fetcher fetch.Fetcher) (*Engine, *memRepo) {
	t.Helper()

	repo := newMemRepo()
	eng := NewEngine(Config{
		Workers:     workers,
		DownloadDir: t.TempDir(),
		AudioFormat: "flac",
		Repository:  repo,
		Fetcher:     fetcher,
		Bucket:      ratelimit.NewBucket(0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}

	return eng, repo
}

func waitForState(t *testing.T, eng *Engine, id string, want download.State) *download.Item {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		item, err := eng.Get(context.Background(), id)
		if err == nil && item.State == want {
			return item
		}

		time.Sleep(5 * time.Millisecond)
	}

	item, _ := eng.Get(context.Background(), id)
	t.Fatalf("item %s never reached %s (last seen: %+v)", id, want, item)

	return nil
}

func awaitBegun(t *testing.T, f *scriptedFetcher) *fetch.Request {
	t.Helper()

	select {
	case req := <-f.begun:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")

		return nil
	}
}

func TestSubmitAssignsUniqueIDs(t *testing.T) {
	eng, repo := newTestEngine(t, 1, newScriptedFetcher())
	ctx := context.Background()

	first, err := eng.Submit(ctx, "alice", "https://example.com/a", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	second, err := eng.Submit(ctx, "alice", "https://example.com/a", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if first.ID == second.ID {
		t.Errorf("duplicate submissions share id %s", first.ID)
	}

	if repo.get(first.ID) == nil || repo.get(second.ID) == nil {
		t.Error("submissions not persisted")
	}
}

func TestSubmitValidation(t *testing.T) {
	eng, _ := newTestEngine(t, 1, newScriptedFetcher())
	ctx := context.Background()

	tests := []struct {
		name     string
		owner    string
		url      string
		priority int
	}{
		{"empty owner", "", "https://example.com/a", 0},
		{"empty url", "alice", "", 0},
		{"bad scheme", "alice", "ftp://example.com/a", 0},
		{"no host", "alice", "https:///path", 0},
		{"negative priority", "alice", "https://example.com/a", -1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Submit(ctx, tc.owner, tc.url, tc.priority)

			var verr *download.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSubmitFailsClosedOnStorageError(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, repo := newTestEngine(t, 1, fetcher)

	repo.mu.Lock()
	repo.failWrite = true
	repo.mu.Unlock()

	_, err := eng.Submit(context.Background(), "alice", "https://example.com/a", 0)

	var serr *download.SystemError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SystemError, got %v", err)
	}

	if len(eng.List(context.Background(), "alice")) != 0 {
		t.Error("rejected submission is visible in the queue")
	}
}

func TestConcurrencyBound(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 2, fetcher)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := eng.Submit(ctx, "alice", fmt.Sprintf("https://example.com/%d", i), 0); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	awaitBegun(t, fetcher)
	awaitBegun(t, fetcher)

	// With both workers occupied nothing else may activate.
	time.Sleep(50 * time.Millisecond)

	_, active, _ := eng.Stats()
	if active != 2 {
		t.Fatalf("expected 2 active downloads, got %d", active)
	}

	fetcher.proceed <- nil
	fetcher.proceed <- nil
	fetcher.proceed <- nil
	fetcher.proceed <- nil

	awaitBegun(t, fetcher)
	awaitBegun(t, fetcher)

	for _, item := range eng.List(ctx, "alice") {
		waitForState(t, eng, item.ID, download.StateCompleted)
	}
}

func TestPriorityOrdering(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	// Occupy the single worker so the next two stay queued.
	if _, err := eng.Submit(ctx, "alice", "https://example.com/blocker", 0); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	awaitBegun(t, fetcher)

	low, err := eng.Submit(ctx, "alice", "https://example.com/low", 1)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	high, err := eng.Submit(ctx, "alice", "https://example.com/high", 5)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	fetcher.proceed <- nil

	next := awaitBegun(t, fetcher)
	if next.SourceURL != "https://example.com/high" {
		t.Fatalf("expected high-priority item to dispatch first, got %s", next.SourceURL)
	}

	fetcher.proceed <- nil

	next = awaitBegun(t, fetcher)
	if next.SourceURL != "https://example.com/low" {
		t.Fatalf("expected low-priority item to dispatch last, got %s", next.SourceURL)
	}

	fetcher.proceed <- nil
	waitForState(t, eng, high.ID, download.StateCompleted)
	waitForState(t, eng, low.ID, download.StateCompleted)
}

func TestPauseQueuedItem(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, "alice", "https://example.com/blocker", 0); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	awaitBegun(t, fetcher)

	item, err := eng.Submit(ctx, "alice", "https://example.com/paused", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if err := eng.Pause(ctx, item.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	fetcher.proceed <- nil

	// The worker is free now; the paused item must not dispatch.
	time.Sleep(50 * time.Millisecond)

	got, _ := eng.Get(ctx, item.ID)
	if got.State != download.StatePaused {
		t.Fatalf("expected paused, got %s", got.State)
	}

	if err := eng.Resume(ctx, item.ID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	awaitBegun(t, fetcher)
	fetcher.proceed <- nil
	waitForState(t, eng, item.ID, download.StateCompleted)
}

func TestPauseActiveItemWaitsForAck(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	item, err := eng.Submit(ctx, "alice", "https://example.com/a", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	awaitBegun(t, fetcher)

	if err := eng.Pause(ctx, item.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	paused := waitForState(t, eng, item.ID, download.StatePaused)
	if paused.Finished() {
		t.Fatal("paused item reported as finished")
	}

	// Pausing an already paused item is a no-op.
	if err := eng.Pause(ctx, item.ID); err != nil {
		t.Fatalf("repeated pause failed: %v", err)
	}

	if err := eng.Resume(ctx, item.ID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	awaitBegun(t, fetcher)
	fetcher.proceed <- nil
	waitForState(t, eng, item.ID, download.StateCompleted)
}

func TestCancelActiveItem(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, repo := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	item, err := eng.Submit(ctx, "alice", "https://example.com/a", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	awaitBegun(t, fetcher)

	if err := eng.Cancel(ctx, item.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got := waitForState(t, eng, item.ID, download.StateCanceled)
	if got.FinishedAt.IsZero() {
		t.Error("canceled item has no finished_at")
	}

	if rec := repo.get(item.ID); rec == nil || rec.State != download.StateCanceled {
		t.Errorf("cancellation not persisted: %+v", rec)
	}
}

func TestFetchFailureRecordsError(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	item, err := eng.Submit(ctx, "alice", "https://example.com/a", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	awaitBegun(t, fetcher)
	fetcher.proceed <- &download.FetchError{
		Category: download.CategoryUnavailable,
		Message:  "video unavailable",
	}

	got := waitForState(t, eng, item.ID, download.StateFailed)

	if got.Error != "video unavailable" {
		t.Errorf("expected error message on record, got %q", got.Error)
	}

	if got.ErrorCategory != download.CategoryUnavailable {
		t.Errorf("expected unavailable category, got %s", got.ErrorCategory)
	}

	select {
	case failed := <-eng.OnItemFailed:
		if failed.ID != item.ID {
			t.Errorf("failure event for wrong item: %s", failed.ID)
		}
	case <-time.After(time.Second):
		t.Error("no failure event emitted")
	}

	// The failure must free the worker slot.
	next, err := eng.Submit(ctx, "alice", "https://example.com/b", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	awaitBegun(t, fetcher)
	fetcher.proceed <- nil
	waitForState(t, eng, next.ID, download.StateCompleted)
}

func TestTerminalItemsAreImmutable(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	item, err := eng.Submit(ctx, "alice", "https://example.com/a", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	awaitBegun(t, fetcher)
	fetcher.proceed <- nil
	waitForState(t, eng, item.ID, download.StateCompleted)

	for _, op := range []func(context.Context, string) error{eng.Pause, eng.Resume, eng.Cancel} {
		err := op(ctx, item.ID)

		var cerr *download.ConflictError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected ConflictError on terminal item, got %v", err)
		}
	}
}

func TestOperationsOnUnknownID(t *testing.T) {
	eng, _ := newTestEngine(t, 1, newScriptedFetcher())
	ctx := context.Background()

	var nferr *download.NotFoundError

	if _, err := eng.Get(ctx, "nope"); !errors.As(err, &nferr) {
		t.Errorf("expected NotFoundError from get, got %v", err)
	}

	if err := eng.Pause(ctx, "nope"); !errors.As(err, &nferr) {
		t.Errorf("expected NotFoundError from pause, got %v", err)
	}
}

func TestGlobalPauseStopsDispatch(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 2, fetcher)
	ctx := context.Background()

	eng.PauseAll(ctx)

	item, err := eng.Submit(ctx, "alice", "https://example.com/a", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	got, _ := eng.Get(ctx, item.ID)
	if got.State != download.StateQueued {
		t.Fatalf("item dispatched during global pause: %s", got.State)
	}

	eng.ResumeAll(ctx)

	awaitBegun(t, fetcher)
	fetcher.proceed <- nil
	waitForState(t, eng, item.ID, download.StateCompleted)
}

func TestProgressIsMonotone(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	item, err := eng.Submit(ctx, "alice", "https://example.com/a", 0)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	req := awaitBegun(t, fetcher)

	req.OnProgress(0.4)
	req.OnProgress(0.2) // stale report, must not regress
	req.OnProgress(0.6)

	got, _ := eng.Get(ctx, item.ID)
	if got.Progress != 0.6 {
		t.Fatalf("expected progress 0.6, got %v", got.Progress)
	}

	req.OnTitle("Fresh Title")

	got, _ = eng.Get(ctx, item.ID)
	if got.Title != "Fresh Title" {
		t.Fatalf("title not updated: %q", got.Title)
	}

	fetcher.proceed <- nil
	waitForState(t, eng, item.ID, download.StateCompleted)
}

func TestRestartRequeuesInterruptedItems(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()

	repo.records["i1"] = &download.Item{
		ID: "i1", Owner: "alice", SourceURL: "https://example.com/a",
		State: download.StateActive, Progress: 0.7,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	repo.records["i2"] = &download.Item{
		ID: "i2", Owner: "alice", SourceURL: "https://example.com/b",
		State: download.StatePaused,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}

	fetcher := newScriptedFetcher()
	eng := NewEngine(Config{
		Workers:     1,
		DownloadDir: t.TempDir(),
		AudioFormat: "flac",
		Repository:  repo,
		Fetcher:     fetcher,
		Bucket:      ratelimit.NewBucket(0),
	})

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	if err := eng.Start(runCtx); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}

	// The interrupted item restarts from scratch.
	req := awaitBegun(t, fetcher)
	if req.SourceURL != "https://example.com/a" {
		t.Fatalf("unexpected item dispatched: %s", req.SourceURL)
	}

	paused, err := eng.Get(ctx, "i2")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if paused.State != download.StatePaused {
		t.Fatalf("paused item changed state across restart: %s", paused.State)
	}

	fetcher.proceed <- nil
	waitForState(t, eng, "i1", download.StateCompleted)
}

func TestRestartFillsAllWorkerSlots(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()

	// Two restored items and two workers: both must dispatch without
	// any further submission to wake the pool.
	repo.records["i1"] = &download.Item{
		ID: "i1", Owner: "alice", SourceURL: "https://example.com/a",
		State:     download.StateQueued,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	repo.records["i2"] = &download.Item{
		ID: "i2", Owner: "alice", SourceURL: "https://example.com/b",
		State:     download.StateQueued,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}

	fetcher := newScriptedFetcher()
	eng := NewEngine(Config{
		Workers:     2,
		DownloadDir: t.TempDir(),
		AudioFormat: "flac",
		Repository:  repo,
		Fetcher:     fetcher,
		Bucket:      ratelimit.NewBucket(0),
	})

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	if err := eng.Start(runCtx); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}

	awaitBegun(t, fetcher)
	awaitBegun(t, fetcher)

	_, active, _ := eng.Stats()
	if active != 2 {
		t.Fatalf("active = %d, want both restored items running", active)
	}

	fetcher.proceed <- nil
	fetcher.proceed <- nil
	waitForState(t, eng, "i1", download.StateCompleted)
	waitForState(t, eng, "i2", download.StateCompleted)
}

func TestCloseUnblocksAfterCancel(t *testing.T) {
	repo := newMemRepo()
	fetcher := newScriptedFetcher()
	eng := NewEngine(Config{
		Workers:     2,
		DownloadDir: t.TempDir(),
		AudioFormat: "flac",
		Repository:  repo,
		Fetcher:     fetcher,
		Bucket:      ratelimit.NewBucket(0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}

	// Park a worker mid-fetch so Close really waits on the pool.
	if _, err := eng.Submit(ctx, "alice", "https://example.com/a", 0); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	awaitBegun(t, fetcher)

	cancel()

	done := make(chan struct{})
	go func() {
		eng.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after context cancellation")
	}
}

func TestPurgeExpired(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, repo := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	old := &download.Item{
		ID: "old", Owner: "alice", SourceURL: "https://example.com/old",
		State:      download.StateCompleted,
		CreatedAt:  time.Now().UTC().Add(-200 * time.Hour),
		FinishedAt: time.Now().UTC().Add(-8 * 24 * time.Hour),
	}
	fresh := &download.Item{
		ID: "fresh", Owner: "alice", SourceURL: "https://example.com/fresh",
		State:      download.StateCompleted,
		CreatedAt:  time.Now().UTC().Add(-4 * 24 * time.Hour),
		FinishedAt: time.Now().UTC().Add(-3 * 24 * time.Hour),
	}

	eng.mu.Lock()
	eng.items[old.ID] = old
	eng.items[fresh.ID] = fresh
	eng.mu.Unlock()

	repo.records[old.ID] = old.Clone()
	repo.records[fresh.ID] = fresh.Clone()

	purged, err := eng.PurgeExpired(ctx, 7*24*time.Hour, false)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	if purged != 1 {
		t.Fatalf("expected 1 purged item, got %d", purged)
	}

	if _, err := eng.Get(ctx, "old"); err == nil {
		t.Error("expired item still listed")
	}

	if _, err := eng.Get(ctx, "fresh"); err != nil {
		t.Errorf("retained item disappeared: %v", err)
	}

	if repo.get("old") != nil {
		t.Error("expired record still in storage")
	}
}

func TestSetSpeedLimit(t *testing.T) {
	eng, _ := newTestEngine(t, 1, newScriptedFetcher())
	ctx := context.Background()

	if err := eng.SetSpeedLimit(ctx, 1024*1024); err != nil {
		t.Fatalf("set speed limit failed: %v", err)
	}

	if got := eng.SpeedLimit(); got != 1024*1024 {
		t.Fatalf("expected limit 1MiB/s, got %d", got)
	}

	err := eng.SetSpeedLimit(ctx, -1)

	var verr *download.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	if err := eng.SetSpeedLimit(ctx, 0); err != nil {
		t.Fatalf("lifting limit failed: %v", err)
	}

	if got := eng.SpeedLimit(); got != 0 {
		t.Fatalf("expected unlimited, got %d", got)
	}
}

func TestListIsOwnerScopedAndOrdered(t *testing.T) {
	fetcher := newScriptedFetcher()
	eng, _ := newTestEngine(t, 1, fetcher)
	ctx := context.Background()

	eng.PauseAll(ctx)

	base := time.Now().UTC()

	eng.mu.Lock()
	for i, owner := range []string{"alice", "bob", "alice"} {
		item := &download.Item{
			ID: fmt.Sprintf("l%d", i), Owner: owner,
			SourceURL: "https://example.com/x",
			State:     download.StateQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		eng.items[item.ID] = item
	}
	eng.mu.Unlock()

	got := eng.List(ctx, "alice")
	if len(got) != 2 {
		t.Fatalf("expected 2 items for alice, got %d", len(got))
	}

	if got[0].ID != "l2" || got[1].ID != "l0" {
		t.Fatalf("expected newest first, got %s then %s", got[0].ID, got[1].ID)
	}
}
