package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/connectivity"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

// bodyRemote is a minimal remote.Service for exercising background body
// population: it scripts FetchThread per thread id and records every fetch.
type bodyRemote struct {
	mu      gosync.Mutex
	full    map[string]*remote.ThreadData
	errs    map[string]error
	fetched []string
}

func newBodyRemote() *bodyRemote {
	return &bodyRemote{
		full: map[string]*remote.ThreadData{},
		errs: map[string]error{},
	}
}

func (r *bodyRemote) FetchThread(ctx context.Context, id string, format remote.Format) (*remote.ThreadData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched = append(r.fetched, id)
	if err := r.errs[id]; err != nil {
		return nil, err
	}
	td, ok := r.full[id]
	if !ok {
		return nil, remote.NewError(remote.KindNotFound, "threads.get", errors.New("no such thread"))
	}
	return td, nil
}

func (r *bodyRemote) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fetched)
}

func (r *bodyRemote) FetchThreads(ctx context.Context, query string, maxResults int64, pageToken string) (remote.ThreadPage, error) {
	return remote.ThreadPage{}, nil
}

func (r *bodyRemote) GetHistory(ctx context.Context, cursor string) (remote.History, error) {
	return remote.History{NewCursor: cursor}, nil
}

func (r *bodyRemote) ModifyLabels(ctx context.Context, threadID string, add, remove []string) error {
	return nil
}

func (r *bodyRemote) ArchiveThread(ctx context.Context, threadID string) error { return nil }

func (r *bodyRemote) MarkAsRead(ctx context.Context, threadID string) error { return nil }

func (r *bodyRemote) SendEmail(ctx context.Context, req model.SendRequest) (string, error) {
	return "", errors.New("not implemented")
}

func (r *bodyRemote) GetProfile(ctx context.Context) (remote.Profile, error) {
	return remote.Profile{EmailAddress: "owner@example.com", HistoryID: "100"}, nil
}

func cachedMeta(id string) model.Thread {
	return model.Thread{
		ID:         id,
		Subject:    "subject " + id,
		Snippet:    "snippet " + id,
		Labels:     []string{model.LabelInbox},
		LastDate:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Population: model.PopulationMetadata,
		FetchedAt:  time.Now(),
	}
}

func fullData(id string) *remote.ThreadData {
	t := cachedMeta(id)
	return &remote.ThreadData{
		Thread: t,
		Messages: []model.Message{{
			ID:       id + "-m1",
			ThreadID: id,
			From:     "alice@example.com",
			Subject:  t.Subject,
			BodyText: "body of " + id,
			Date:     t.LastDate,
		}},
	}
}

// newPopulateEngine builds an engine with idle state and no pacing so
// populate can be driven directly.
func newPopulateEngine(t *testing.T, r remote.Service, online bool, cfg Config) (*Engine, store.Store) {
	t.Helper()

	s := testutil.NewTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(s, r, connectivity.NewMonitor(online), log, cfg)
	e.limiter = rate.NewLimiter(rate.Inf, 1)
	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	return e, s
}

func populateConfig() Config {
	cfg := DefaultConfig()
	cfg.PopulateBatch = 10
	cfg.MaxCacheBytes = 0
	return cfg
}

func TestPopulateUpgradesMetadataThreads(t *testing.T) {
	r := newBodyRemote()
	r.full["a"] = fullData("a")
	r.full["b"] = fullData("b")

	e, s := newPopulateEngine(t, r, true, populateConfig())
	ctx := context.Background()
	if err := s.UpsertThreads(ctx, []model.Thread{cachedMeta("a"), cachedMeta("b")}); err != nil {
		t.Fatalf("seed threads: %v", err)
	}

	e.populate(ctx)

	if got := r.fetchCount(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
	for _, id := range []string{"a", "b"} {
		thread, err := s.GetThread(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if thread.Population != model.PopulationFull {
			t.Errorf("thread %s population = %s, want full", id, thread.Population)
		}
		msgs, err := s.GetMessages(ctx, id)
		if err != nil {
			t.Fatalf("messages %s: %v", id, err)
		}
		if len(msgs) != 1 || msgs[0].BodyText == "" {
			t.Errorf("thread %s messages = %+v, want one with body", id, msgs)
		}
	}
}

func TestPopulateStopsAtCacheBudget(t *testing.T) {
	r := newBodyRemote()
	r.full["a"] = fullData("a")

	cfg := populateConfig()
	cfg.MaxCacheBytes = 1
	e, s := newPopulateEngine(t, r, true, cfg)
	ctx := context.Background()
	if err := s.UpsertThreads(ctx, []model.Thread{cachedMeta("a")}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	e.populate(ctx)

	if got := r.fetchCount(); got != 0 {
		t.Errorf("fetches = %d, want 0 at budget", got)
	}
	thread, err := s.GetThread(ctx, "a")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if thread.Population != model.PopulationMetadata {
		t.Errorf("thread population = %s, want metadata", thread.Population)
	}
}

func TestPopulateAbortsWhenConnectivityDrops(t *testing.T) {
	r := newBodyRemote()
	r.errs["a"] = remote.NewError(remote.KindNetworkUnavailable, "threads.get", errors.New("dial tcp: connection refused"))
	r.errs["b"] = r.errs["a"]

	e, s := newPopulateEngine(t, r, true, populateConfig())
	ctx := context.Background()
	if err := s.UpsertThreads(ctx, []model.Thread{cachedMeta("a"), cachedMeta("b")}); err != nil {
		t.Fatalf("seed threads: %v", err)
	}

	e.populate(ctx)

	// The first transport failure flips the monitor and ends the batch;
	// the second thread is never attempted.
	if got := r.fetchCount(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	if e.Online() {
		t.Error("monitor still online after transport failure")
	}

	// Another round while offline fetches nothing.
	e.populate(ctx)
	if got := r.fetchCount(); got != 1 {
		t.Errorf("fetches after offline round = %d, want 1", got)
	}
}

func TestPopulateSkipsWhileSyncing(t *testing.T) {
	r := newBodyRemote()
	r.full["a"] = fullData("a")

	e, s := newPopulateEngine(t, r, true, populateConfig())
	ctx := context.Background()
	if err := s.UpsertThreads(ctx, []model.Thread{cachedMeta("a")}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	e.mu.Lock()
	e.syncing = true
	e.mu.Unlock()

	e.populate(ctx)

	if got := r.fetchCount(); got != 0 {
		t.Errorf("fetches = %d, want 0 mid-sync", got)
	}
}

func TestPopulateDropsVanishedThread(t *testing.T) {
	r := newBodyRemote()
	r.full["b"] = fullData("b")
	// "a" has no scripted data, so the fetch reports not-found.

	e, s := newPopulateEngine(t, r, true, populateConfig())
	ctx := context.Background()
	if err := s.UpsertThreads(ctx, []model.Thread{cachedMeta("a"), cachedMeta("b")}); err != nil {
		t.Fatalf("seed threads: %v", err)
	}

	e.populate(ctx)

	gone, err := s.GetThread(ctx, "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if gone != nil {
		t.Error("vanished thread still cached")
	}
	kept, err := s.GetThread(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if kept == nil || kept.Population != model.PopulationFull {
		t.Errorf("thread b = %+v, want full population", kept)
	}
}
