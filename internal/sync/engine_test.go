package sync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/connectivity"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	msync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/tests/testutil"
)

const ownerAddr = "owner@example.com"

func netErr(op string) error {
	return remote.NewError(remote.KindNetworkUnavailable, op, errors.New("dial tcp: connection refused"))
}

// fakeRemote is an in-memory remote.Service with scriptable responses and
// failure injection. All fields are guarded by mu so engine goroutines can
// hit it concurrently.
type fakeRemote struct {
	mu gosync.Mutex

	profile    remote.Profile
	profileErr error

	pages    map[string]remote.ThreadPage
	pagesErr error

	threads      map[string]*remote.ThreadData
	threadErrs   map[string]error
	fetchThreads int

	history      remote.History
	historyErr   error
	historyGate  chan struct{}
	historyCalls int

	modifyErr  error
	archiveErr error
	sendErr    error

	// calls records every mutation in arrival order, e.g. "archive:t1".
	calls []string
	sent  []model.SendRequest
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		profile: remote.Profile{EmailAddress: ownerAddr, HistoryID: "100"},
		pages:   map[string]remote.ThreadPage{},
		threads: map[string]*remote.ThreadData{},
	}
}

func (f *fakeRemote) FetchThreads(ctx context.Context, query string, maxResults int64, pageToken string) (remote.ThreadPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pagesErr != nil {
		return remote.ThreadPage{}, f.pagesErr
	}
	return f.pages[query], nil
}

func (f *fakeRemote) FetchThread(ctx context.Context, id string, format remote.Format) (*remote.ThreadData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchThreads++
	if err := f.threadErrs[id]; err != nil {
		return nil, err
	}
	td, ok := f.threads[id]
	if !ok {
		return nil, remote.NewError(remote.KindNotFound, "threads.get", errors.New("not found"))
	}
	copied := *td
	return &copied, nil
}

func (f *fakeRemote) GetHistory(ctx context.Context, cursor string) (remote.History, error) {
	f.mu.Lock()
	f.historyCalls++
	gate := f.historyGate
	hist, err := f.history, f.historyErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return hist, err
}

func (f *fakeRemote) ModifyLabels(ctx context.Context, threadID string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modifyErr != nil {
		return f.modifyErr
	}
	f.calls = append(f.calls, fmt.Sprintf("modify:%s:add=%v:remove=%v", threadID, add, remove))
	return nil
}

func (f *fakeRemote) ArchiveThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.calls = append(f.calls, "archive:"+threadID)
	return nil
}

func (f *fakeRemote) MarkAsRead(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "read:"+threadID)
	return nil
}

func (f *fakeRemote) SendEmail(ctx context.Context, req model.SendRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, req)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeRemote) GetProfile(ctx context.Context) (remote.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileErr != nil {
		return remote.Profile{}, f.profileErr
	}
	return f.profile, nil
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) setThread(td remote.ThreadData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[td.Thread.ID] = &td
}

func metaThread(id, lastSender string, labels ...string) remote.ThreadData {
	return remote.ThreadData{Thread: model.Thread{
		ID:         id,
		Subject:    "subject " + id,
		Snippet:    "snippet " + id,
		Labels:     labels,
		LastDate:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		LastSender: lastSender,
		Population: model.PopulationMetadata,
		FetchedAt:  time.Now(),
	}}
}

func testConfig() msync.Config {
	cfg := msync.DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.PopulateInterval = time.Hour
	cfg.RemoteTimeout = time.Second
	cfg.MaxCacheBytes = 0
	cfg.Queries = []string{"in:inbox"}
	return cfg
}

func newTestEngine(t *testing.T, fake *fakeRemote, online bool) (*msync.Engine, store.Store, *connectivity.Monitor) {
	t.Helper()
	s := testutil.NewTestStore(t)
	m := connectivity.NewMonitor(online)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := msync.New(s, fake, m, log, testConfig())
	return e, s, m
}

// startEngine starts the engine and waits for the initial poll to settle so
// tests can drive Sync deterministically afterwards.
func startEngine(t *testing.T, e *msync.Engine, s store.Store, online bool) {
	t.Helper()
	e.Start()
	t.Cleanup(e.Stop)
	if !online {
		waitFor(t, func() bool { return e.State() == msync.StateIdle })
		return
	}
	waitFor(t, func() bool {
		cursor, err := s.GetLastHistoryID(context.Background())
		return err == nil && cursor != "" && !e.IsSyncing()
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestFullSyncPopulatesCache(t *testing.T) {
	fake := newFakeRemote()
	fake.pages["in:inbox"] = remote.ThreadPage{Threads: []remote.ThreadData{
		metaThread("t1", "alice@example.com", model.LabelInbox),
		metaThread("t2", "bob@example.com", model.LabelInbox, model.LabelUnread),
	}}

	e, s, _ := newTestEngine(t, fake, true)
	startEngine(t, e, s, true)

	ctx := context.Background()
	cursor, err := s.GetLastHistoryID(ctx)
	if err != nil || cursor != "100" {
		t.Errorf("cursor = %q, %v; want 100", cursor, err)
	}

	threads, err := s.GetThreads(ctx, store.ThreadFilter{})
	if err != nil {
		t.Fatalf("get threads: %v", err)
	}
	if len(threads) != 2 {
		t.Errorf("cached threads = %d, want 2", len(threads))
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.LastSyncedAt.IsZero() {
		t.Error("LastSyncedAt not set after sync")
	}
}

func TestSyncCollapsesOverlappingCalls(t *testing.T) {
	fake := newFakeRemote()
	gate := make(chan struct{})
	fake.historyGate = gate
	fake.history = remote.History{NewCursor: "101"}

	e, s, _ := newTestEngine(t, fake, true)
	if err := s.SetLastHistoryID(context.Background(), "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	e.Start()
	t.Cleanup(e.Stop)

	// The initial poll is now parked inside GetHistory.
	waitFor(t, e.IsSyncing)

	for i := 0; i < 3; i++ {
		if err := e.Sync(); err != nil {
			t.Fatalf("overlapping sync returned %v", err)
		}
	}

	close(gate)
	waitFor(t, func() bool { return !e.IsSyncing() })

	fake.mu.Lock()
	calls := fake.historyCalls
	fake.mu.Unlock()
	if calls != 1 {
		t.Errorf("history fetched %d times, want 1", calls)
	}
}

func TestOfflineSyncIsNoOp(t *testing.T) {
	fake := newFakeRemote()
	e, s, _ := newTestEngine(t, fake, false)
	startEngine(t, e, s, false)

	if err := e.Sync(); err != nil {
		t.Fatalf("offline sync returned %v", err)
	}

	fake.mu.Lock()
	profileCalls := fake.historyCalls
	fake.mu.Unlock()
	if profileCalls != 0 {
		t.Error("offline sync hit the remote")
	}
	if cursor, _ := s.GetLastHistoryID(context.Background()); cursor != "" {
		t.Errorf("offline sync advanced cursor to %q", cursor)
	}
}

func TestNudgeClassification(t *testing.T) {
	fake := newFakeRemote()
	fake.history = remote.History{
		NewCursor: "101",
		Records: []remote.HistoryRecord{
			// Inbox re-add without new mail on a thread we sent last:
			// follow-up nudge.
			{Type: remote.LabelsAdded, ThreadID: "t-follow", Labels: []string{model.LabelInbox}},
			// Same signal on a thread the other side sent last: reply nudge.
			{Type: remote.LabelsAdded, ThreadID: "t-reply", Labels: []string{model.LabelInbox}},
			// Inbox add accompanied by a new message: ordinary mail, no nudge.
			{Type: remote.MessageAdded, ThreadID: "t-new", MessageID: "m1"},
			{Type: remote.LabelsAdded, ThreadID: "t-new", Labels: []string{model.LabelInbox}},
		},
	}
	fake.setThread(metaThread("t-follow", ownerAddr, model.LabelInbox))
	fake.setThread(metaThread("t-reply", "alice@example.com", model.LabelInbox))
	fake.setThread(metaThread("t-new", "alice@example.com", model.LabelInbox))

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()
	if err := s.SetLastHistoryID(ctx, "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	startEngine(t, e, s, true)
	waitFor(t, func() bool {
		cursor, _ := s.GetLastHistoryID(ctx)
		return cursor == "101" && !e.IsSyncing()
	})

	wantNudge := map[string]model.NudgeType{
		"t-follow": model.NudgeFollowUp,
		"t-reply":  model.NudgeReply,
		"t-new":    model.NudgeNone,
	}
	for id, want := range wantNudge {
		thread, err := s.GetThread(ctx, id)
		if err != nil || thread == nil {
			t.Fatalf("thread %s missing: %v", id, err)
		}
		if thread.Nudge != want {
			t.Errorf("thread %s nudge = %q, want %q", id, thread.Nudge, want)
		}
	}

	notifications, err := s.GetUnreadNotifications(ctx)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	nudged := 0
	for _, n := range notifications {
		if n.Kind == model.NotificationNudge {
			nudged++
		}
	}
	if nudged != 2 {
		t.Errorf("nudge notifications = %d, want 2", nudged)
	}
}

func TestNewMessageClearsNudge(t *testing.T) {
	fake := newFakeRemote()
	fake.history = remote.History{
		NewCursor: "101",
		Records: []remote.HistoryRecord{
			{Type: remote.MessageAdded, ThreadID: "t1", MessageID: "m2"},
		},
	}
	fake.setThread(metaThread("t1", "alice@example.com", model.LabelInbox))

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()
	if err := s.SetLastHistoryID(ctx, "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t1", "alice@example.com", model.LabelInbox).Thread}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	if err := s.SetThreadNudge(ctx, "t1", model.NudgeReply); err != nil {
		t.Fatalf("seed nudge: %v", err)
	}

	startEngine(t, e, s, true)
	waitFor(t, func() bool {
		cursor, _ := s.GetLastHistoryID(ctx)
		return cursor == "101" && !e.IsSyncing()
	})

	thread, _ := s.GetThread(ctx, "t1")
	if thread == nil || thread.Nudge != model.NudgeNone {
		t.Errorf("nudge not cleared by new mail: %+v", thread)
	}
}

func TestArchivedThreadRestoration(t *testing.T) {
	fake := newFakeRemote()
	fake.history = remote.History{
		NewCursor: "101",
		Records: []remote.HistoryRecord{
			{Type: remote.MessageAdded, ThreadID: "t-arch", MessageID: "m1"},
			{Type: remote.MessageAdded, ThreadID: "t-own", MessageID: "m2"},
			{Type: remote.MessageAdded, ThreadID: "t-inbox", MessageID: "m3"},
		},
	}
	// Archived, new reply from the other side: must be restored.
	fake.setThread(metaThread("t-arch", "alice@example.com", "IMPORTANT"))
	// Archived, but the latest message is our own: stays archived.
	fake.setThread(metaThread("t-own", ownerAddr, "IMPORTANT"))
	// Already in the inbox: nothing to restore.
	fake.setThread(metaThread("t-inbox", "alice@example.com", model.LabelInbox))

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()
	if err := s.SetLastHistoryID(ctx, "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	startEngine(t, e, s, true)
	waitFor(t, func() bool {
		cursor, _ := s.GetLastHistoryID(ctx)
		return cursor == "101" && !e.IsSyncing()
	})

	restored, _ := s.GetThread(ctx, "t-arch")
	if restored == nil || !restored.HasLabel(model.LabelInbox) || !restored.IsUnread {
		t.Errorf("archived thread not restored: %+v", restored)
	}

	stayed, _ := s.GetThread(ctx, "t-own")
	if stayed == nil || stayed.HasLabel(model.LabelInbox) {
		t.Errorf("own-reply thread wrongly restored: %+v", stayed)
	}

	// The restoration was pushed to the remote exactly once, for t-arch.
	var modifies []string
	for _, call := range fake.callLog() {
		if len(call) > 7 && call[:7] == "modify:" {
			modifies = append(modifies, call)
		}
	}
	if len(modifies) != 1 {
		t.Fatalf("modify calls = %v, want exactly one", modifies)
	}
	want := fmt.Sprintf("modify:t-arch:add=%v:remove=%v",
		[]string{model.LabelInbox, model.LabelUnread}, []string(nil))
	if modifies[0] != want {
		t.Errorf("modify call = %q, want %q", modifies[0], want)
	}

	notifications, _ := s.GetUnreadNotifications(ctx)
	found := false
	for _, n := range notifications {
		if n.Kind == model.NotificationRestored && n.ThreadID == "t-arch" {
			found = true
		}
	}
	if !found {
		t.Error("restoration notification missing")
	}
}

func TestNewMessageWakesSnoozedThread(t *testing.T) {
	fake := newFakeRemote()
	fake.history = remote.History{
		NewCursor: "101",
		Records: []remote.HistoryRecord{
			{Type: remote.MessageAdded, ThreadID: "t1", MessageID: "m1"},
		},
	}
	fake.setThread(metaThread("t1", "alice@example.com", model.LabelInbox))

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()
	if err := s.SetLastHistoryID(ctx, "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t1", "alice@example.com", model.LabelSnoozed).Thread}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	if err := s.SnoozeThread(ctx, "t1", time.Now().Add(24*time.Hour), []string{model.LabelInbox}); err != nil {
		t.Fatalf("seed snooze: %v", err)
	}

	startEngine(t, e, s, true)
	waitFor(t, func() bool {
		cursor, _ := s.GetLastHistoryID(ctx)
		return cursor == "101" && !e.IsSyncing()
	})

	snoozed, _ := s.IsSnoozed(ctx, "t1")
	if snoozed {
		t.Error("snooze record survived a new external reply")
	}

	notifications, _ := s.GetUnreadNotifications(ctx)
	found := false
	for _, n := range notifications {
		if n.Kind == model.NotificationSnoozeWake && n.ThreadID == "t1" {
			found = true
		}
	}
	if !found {
		t.Error("snooze wake notification missing")
	}
}

func TestCursorExpiryTriggersFullResync(t *testing.T) {
	fake := newFakeRemote()
	fake.historyErr = remote.NewError(remote.KindCursorExpired, "history.list", errors.New("startHistoryId too old"))
	fake.profile.HistoryID = "200"
	fake.pages["in:inbox"] = remote.ThreadPage{Threads: []remote.ThreadData{
		metaThread("fresh", "alice@example.com", model.LabelInbox),
	}}

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()
	if err := s.SetLastHistoryID(ctx, "1"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("stale", "x@example.com", model.LabelInbox).Thread}); err != nil {
		t.Fatalf("seed stale thread: %v", err)
	}
	if err := s.EnqueuePendingAction(ctx, model.ActionArchive, "stale", model.LabelDelta{}); err != nil {
		t.Fatalf("seed pending action: %v", err)
	}

	startEngine(t, e, s, true)
	waitFor(t, func() bool {
		cursor, _ := s.GetLastHistoryID(ctx)
		return cursor == "200" && !e.IsSyncing()
	})

	if thread, _ := s.GetThread(ctx, "stale"); thread != nil {
		t.Error("stale thread survived the cache rebuild")
	}
	if thread, _ := s.GetThread(ctx, "fresh"); thread == nil {
		t.Error("full resync did not repopulate the cache")
	}

	// Queued mutations are user intent, not cache; they survive.
	actions, _ := s.GetPendingActions(ctx)
	if len(actions) != 1 {
		t.Errorf("pending actions after rebuild = %d, want 1", len(actions))
	}
}

func TestSyncNetworkFailureGoesOffline(t *testing.T) {
	fake := newFakeRemote()
	fake.history = remote.History{NewCursor: "101"}

	e, s, m := newTestEngine(t, fake, true)
	ctx := context.Background()
	if err := s.SetLastHistoryID(ctx, "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	startEngine(t, e, s, true)
	waitFor(t, func() bool {
		cursor, _ := s.GetLastHistoryID(ctx)
		return cursor == "101" && !e.IsSyncing()
	})

	fake.mu.Lock()
	fake.historyErr = netErr("history.list")
	fake.mu.Unlock()

	if err := e.Sync(); err != nil {
		t.Fatalf("transport failure propagated: %v", err)
	}
	if m.IsOnline() {
		t.Error("monitor still online after transport failure")
	}
}

func TestRemotelyDeletedThreadIsDropped(t *testing.T) {
	fake := newFakeRemote()
	fake.history = remote.History{
		NewCursor: "101",
		Records: []remote.HistoryRecord{
			{Type: remote.LabelsRemoved, ThreadID: "t-gone", Labels: []string{model.LabelInbox}},
		},
	}
	// No thread data registered for t-gone: FetchThread yields not-found.

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()
	if err := s.SetLastHistoryID(ctx, "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t-gone", "x@example.com", model.LabelInbox).Thread}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	startEngine(t, e, s, true)
	waitFor(t, func() bool {
		cursor, _ := s.GetLastHistoryID(ctx)
		return cursor == "101" && !e.IsSyncing()
	})

	if thread, _ := s.GetThread(ctx, "t-gone"); thread != nil {
		t.Error("remotely deleted thread still cached")
	}
}

func TestOfflineArchiveQueuesAction(t *testing.T) {
	fake := newFakeRemote()
	e, s, _ := newTestEngine(t, fake, false)
	ctx := context.Background()

	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t1", "alice@example.com", model.LabelInbox).Thread}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.ArchiveThread(ctx, "t1"); err != nil {
		t.Fatalf("offline archive: %v", err)
	}

	// The local cache reflects the archive immediately.
	thread, _ := s.GetThread(ctx, "t1")
	if thread == nil || thread.HasLabel(model.LabelInbox) {
		t.Errorf("local archive not applied: %+v", thread)
	}

	// No remote call was attempted.
	if calls := fake.callLog(); len(calls) != 0 {
		t.Errorf("remote called while offline: %v", calls)
	}

	actions, _ := s.GetPendingActions(ctx)
	if len(actions) != 1 || actions[0].Type != model.ActionArchive || actions[0].ThreadID != "t1" {
		t.Errorf("queued actions = %+v", actions)
	}
}

func TestOnlineArchiveConfirms(t *testing.T) {
	fake := newFakeRemote()
	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()

	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t1", "alice@example.com", model.LabelInbox).Thread}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.ArchiveThread(ctx, "t1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if calls := fake.callLog(); len(calls) != 1 {
		t.Errorf("remote calls = %v, want one modify", calls)
	}
	actions, _ := s.GetPendingActions(ctx)
	if len(actions) != 0 {
		t.Errorf("confirmed archive left %d queued actions", len(actions))
	}

	// Confirmed: a later sync upsert with remote truth wins again.
	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t1", "alice@example.com").Thread}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	thread, _ := s.GetThread(ctx, "t1")
	if thread.HasLabel(model.LabelInbox) {
		t.Errorf("archive lost: %v", thread.Labels)
	}
}

func TestArchiveTransportFailureQueues(t *testing.T) {
	fake := newFakeRemote()
	fake.modifyErr = netErr("threads.modify")

	e, s, m := newTestEngine(t, fake, true)
	ctx := context.Background()

	if err := e.ArchiveThread(ctx, "t1"); err != nil {
		t.Fatalf("archive with transport failure: %v", err)
	}
	if m.IsOnline() {
		t.Error("monitor still online after transport failure")
	}
	actions, _ := s.GetPendingActions(ctx)
	if len(actions) != 1 {
		t.Errorf("queued actions = %d, want 1", len(actions))
	}
}

func TestFlushPendingActionsFIFO(t *testing.T) {
	fake := newFakeRemote()
	e, s, m := newTestEngine(t, fake, false)
	startEngine(t, e, s, false)
	ctx := context.Background()

	if err := e.ArchiveThread(ctx, "a"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := e.MarkThreadRead(ctx, "b"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := e.ModifyThreadLabels(ctx, "c", []string{model.LabelStarred}, nil); err != nil {
		t.Fatalf("modify: %v", err)
	}

	m.ReportOnline()
	waitFor(t, func() bool {
		actions, err := s.GetPendingActions(ctx)
		return err == nil && len(actions) == 0
	})

	calls := fake.callLog()
	want := []string{
		"archive:a",
		"read:b",
		fmt.Sprintf("modify:c:add=%v:remove=%v", []string{model.LabelStarred}, []string(nil)),
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestFlushStopsOnTransportFailure(t *testing.T) {
	fake := newFakeRemote()
	fake.archiveErr = netErr("threads.modify")

	e, s, m := newTestEngine(t, fake, false)
	ctx := context.Background()

	if err := e.ArchiveThread(ctx, "a"); err != nil {
		t.Fatalf("archive a: %v", err)
	}
	if err := e.ArchiveThread(ctx, "b"); err != nil {
		t.Fatalf("archive b: %v", err)
	}

	m.ReportOnline()
	if err := e.FlushPendingActions(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if m.IsOnline() {
		t.Error("monitor still online after transport failure")
	}
	actions, _ := s.GetPendingActions(ctx)
	if len(actions) != 2 {
		t.Errorf("actions after failed flush = %d, want 2 still queued", len(actions))
	}
}

func TestSendEmailOffline(t *testing.T) {
	fake := newFakeRemote()
	e, s, m := newTestEngine(t, fake, false)
	startEngine(t, e, s, false)
	ctx := context.Background()

	item, err := e.SendEmail(ctx, model.SendRequest{To: []string{"bob@example.com"}, Subject: "hi"})
	if err != nil {
		t.Fatalf("offline send: %v", err)
	}
	if item.Status != model.OutboxQueued {
		t.Errorf("status = %s, want queued", item.Status)
	}
	fake.mu.Lock()
	sent := len(fake.sent)
	fake.mu.Unlock()
	if sent != 0 {
		t.Error("send attempted while offline")
	}

	// Reconnect drains the outbox.
	m.ReportOnline()
	waitFor(t, func() bool {
		items, err := s.GetOutboxItems(ctx)
		return err == nil && len(items) == 1 && items[0].Status == model.OutboxSent
	})
}

func TestSendEmailOnline(t *testing.T) {
	fake := newFakeRemote()
	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()

	item, err := e.SendEmail(ctx, model.SendRequest{To: []string{"bob@example.com"}, Subject: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if item.Status != model.OutboxSent {
		t.Errorf("status = %s, want sent", item.Status)
	}

	items, _ := s.GetOutboxItems(ctx)
	if len(items) != 1 || items[0].Status != model.OutboxSent {
		t.Errorf("stored item = %+v", items)
	}
}

func TestSendEmailFailureRecorded(t *testing.T) {
	fake := newFakeRemote()
	fake.sendErr = remote.NewError(remote.KindOther, "messages.send", errors.New("message too large"))

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()

	item, err := e.SendEmail(ctx, model.SendRequest{To: []string{"bob@example.com"}})
	if err == nil {
		t.Fatal("expected send error")
	}
	if item == nil || item.Status != model.OutboxFailed {
		t.Errorf("item = %+v, want failed", item)
	}

	items, _ := s.GetOutboxItems(ctx)
	if len(items) != 1 || items[0].Status != model.OutboxFailed || items[0].Error == "" {
		t.Errorf("stored item = %+v", items)
	}
}

func TestSnoozeAndCancelRestoresLabels(t *testing.T) {
	fake := newFakeRemote()
	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()

	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t1", "alice@example.com", model.LabelInbox, model.LabelStarred).Thread}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.SnoozeThread(ctx, "t1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("snooze: %v", err)
	}

	thread, _ := s.GetThread(ctx, "t1")
	if !thread.HasLabel(model.LabelSnoozed) || thread.HasLabel(model.LabelInbox) {
		t.Errorf("snoozed labels = %v", thread.Labels)
	}
	if snoozed, _ := s.IsSnoozed(ctx, "t1"); !snoozed {
		t.Error("snooze record missing")
	}

	if err := e.CancelSnooze(ctx, "t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	thread, _ = s.GetThread(ctx, "t1")
	if !thread.HasLabel(model.LabelInbox) || thread.HasLabel(model.LabelSnoozed) {
		t.Errorf("labels after cancel = %v", thread.Labels)
	}
	if snoozed, _ := s.IsSnoozed(ctx, "t1"); snoozed {
		t.Error("snooze record survived cancel")
	}

	// Canceling again is a no-op.
	if err := e.CancelSnooze(ctx, "t1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestCheckSnoozesWakesExpired(t *testing.T) {
	fake := newFakeRemote()
	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()

	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t1", "alice@example.com", model.LabelSnoozed).Thread}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.SnoozeThread(ctx, "t1", time.Now().Add(-time.Minute), []string{model.LabelInbox}); err != nil {
		t.Fatalf("seed snooze: %v", err)
	}

	if err := e.CheckSnoozes(ctx); err != nil {
		t.Fatalf("check snoozes: %v", err)
	}

	thread, _ := s.GetThread(ctx, "t1")
	if !thread.HasLabel(model.LabelInbox) || !thread.IsUnread || thread.HasLabel(model.LabelSnoozed) {
		t.Errorf("woken labels = %v unread=%v", thread.Labels, thread.IsUnread)
	}
	if snoozed, _ := s.IsSnoozed(ctx, "t1"); snoozed {
		t.Error("snooze record survived wake")
	}

	notifications, _ := s.GetUnreadNotifications(ctx)
	if len(notifications) != 1 || notifications[0].Kind != model.NotificationSnoozeWake {
		t.Errorf("notifications = %+v", notifications)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fake := newFakeRemote()
	e, s, _ := newTestEngine(t, fake, true)
	startEngine(t, e, s, true)

	e.Stop()
	e.Stop()
	if e.State() != msync.StateStopped {
		t.Errorf("state = %v, want stopped", e.State())
	}

	// A manual sync after stop must not touch the store.
	if err := e.Sync(); err != nil {
		t.Fatalf("sync after stop: %v", err)
	}
}

func TestWokenThreadNotRestoredAgain(t *testing.T) {
	fake := newFakeRemote()
	fake.history = remote.History{
		NewCursor: "101",
		Records: []remote.HistoryRecord{
			{Type: remote.MessageAdded, ThreadID: "t1", MessageID: "m1"},
		},
	}
	// The remote copy still lacks INBOX: the wake's label move has only
	// just been pushed. The refresh must not mistake it for an archived
	// thread and restore it a second time.
	fake.setThread(metaThread("t1", "alice@example.com", model.LabelSnoozed))

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()
	if err := s.SetLastHistoryID(ctx, "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if err := s.UpsertThreads(ctx, []model.Thread{metaThread("t1", "alice@example.com", model.LabelSnoozed).Thread}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	if err := s.SnoozeThread(ctx, "t1", time.Now().Add(24*time.Hour), []string{model.LabelInbox}); err != nil {
		t.Fatalf("seed snooze: %v", err)
	}

	startEngine(t, e, s, true)
	waitFor(t, func() bool {
		cursor, _ := s.GetLastHistoryID(ctx)
		return cursor == "101" && !e.IsSyncing()
	})

	// Exactly one remote label move: the wake itself.
	var modifies []string
	for _, call := range fake.callLog() {
		if strings.HasPrefix(call, "modify:") {
			modifies = append(modifies, call)
		}
	}
	want := fmt.Sprintf("modify:t1:add=%v:remove=%v",
		[]string{model.LabelInbox, model.LabelUnread}, []string{model.LabelSnoozed})
	if len(modifies) != 1 || modifies[0] != want {
		t.Errorf("modify calls = %v, want exactly %q", modifies, want)
	}

	notifications, _ := s.GetUnreadNotifications(ctx)
	var kinds []model.NotificationKind
	for _, n := range notifications {
		kinds = append(kinds, n.Kind)
	}
	if len(kinds) != 1 || kinds[0] != model.NotificationSnoozeWake {
		t.Errorf("notification kinds = %v, want only snooze_wake", kinds)
	}
}

func TestRetryOutboxItem(t *testing.T) {
	fake := newFakeRemote()
	fake.sendErr = remote.NewError(remote.KindOther, "messages.send", errors.New("backend error"))

	e, s, _ := newTestEngine(t, fake, true)
	ctx := context.Background()

	item, err := e.SendEmail(ctx, model.SendRequest{To: []string{"bob@example.com"}, Subject: "hi"})
	if err == nil {
		t.Fatal("expected initial send to fail")
	}
	if item.Status != model.OutboxFailed {
		t.Fatalf("status = %s, want failed", item.Status)
	}

	// The failure cleared, a manual retry sends it.
	fake.mu.Lock()
	fake.sendErr = nil
	fake.mu.Unlock()
	if err := e.RetryOutboxItem(ctx, item.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	items, _ := s.GetOutboxItems(ctx)
	if len(items) != 1 || items[0].Status != model.OutboxSent {
		t.Errorf("item after retry = %+v", items)
	}
	fake.mu.Lock()
	sent := len(fake.sent)
	fake.mu.Unlock()
	if sent != 1 {
		t.Errorf("remote sends = %d, want 1", sent)
	}

	// A sent item cannot be retried.
	if err := e.RetryOutboxItem(ctx, item.ID); err == nil {
		t.Error("expected error retrying sent item")
	}

	// Neither can one mid-send.
	second, err := s.EnqueueOutbox(ctx, model.SendRequest{To: []string{"x@example.com"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkOutboxSending(ctx, second.ID); err != nil {
		t.Fatalf("mark sending: %v", err)
	}
	if err := e.RetryOutboxItem(ctx, second.ID); err == nil {
		t.Error("expected error retrying sending item")
	}

	// And an unknown id is an error.
	if err := e.RetryOutboxItem(ctx, "missing"); err == nil {
		t.Error("expected error for unknown item")
	}
}

func TestRetryOutboxItemOffline(t *testing.T) {
	fake := newFakeRemote()
	e, s, _ := newTestEngine(t, fake, false)
	ctx := context.Background()

	item, err := e.SendEmail(ctx, model.SendRequest{To: []string{"bob@example.com"}})
	if err != nil {
		t.Fatalf("offline send: %v", err)
	}

	// Offline retry leaves the item queued without touching the remote.
	if err := e.RetryOutboxItem(ctx, item.ID); err != nil {
		t.Fatalf("offline retry: %v", err)
	}
	items, _ := s.GetOutboxItems(ctx)
	if len(items) != 1 || items[0].Status != model.OutboxQueued {
		t.Errorf("item after offline retry = %+v", items)
	}
	fake.mu.Lock()
	sent := len(fake.sent)
	fake.mu.Unlock()
	if sent != 0 {
		t.Error("remote send attempted while offline")
	}
}
