package eventsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avetra/forgebox/internal/agentclient"
	"github.com/avetra/forgebox/internal/apperr"
	"github.com/avetra/forgebox/internal/approval"
	"github.com/avetra/forgebox/internal/config"
	"github.com/avetra/forgebox/internal/domain"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		ResyncInterval:       time.Hour,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxAttempts: 3,
	}
}

func newTestEngine(repo *fakeRepo, agent *fakeAgent) (*Engine, *approval.Cache) {
	approvals := approval.NewCache()
	return NewEngine(repo, approvals, factoryFor(agent), testSyncConfig()), approvals
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartSyncRejectsUnknownSandbox(t *testing.T) {
	engine, _ := newTestEngine(newFakeRepo(), &fakeAgent{})

	err := engine.StartSync(context.Background(), "missing")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStartSyncRejectsNonRunningSandbox(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	repo.sandboxes["sb-1"].Status = domain.StatusStopped

	engine, _ := newTestEngine(repo, &fakeAgent{})

	err := engine.StartSync(context.Background(), "sb-1")
	if !apperr.IsInvalidState(err) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestStartSyncRejectsSandboxWithoutAgentURL(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	repo.sandboxes["sb-1"].URLs = nil

	engine, _ := newTestEngine(repo, &fakeAgent{})

	err := engine.StartSync(context.Background(), "sb-1")
	if !apperr.IsInvalidState(err) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestStartSyncIsIdempotentWhileLive(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	agent := &fakeAgent{}

	engine, _ := newTestEngine(repo, agent)
	defer engine.StopSync("sb-1")

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	waitFor(t, "subscription", func() bool { return agent.calls() == 1 })

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := agent.calls(); got != 1 {
		t.Fatalf("expected a single subscription, got %d", got)
	}
}

func TestStopSyncIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")

	engine, _ := newTestEngine(repo, &fakeAgent{})

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	engine.StopSync("sb-1")
	engine.StopSync("sb-1")
	engine.StopSync("never-started")

	status := engine.SyncStatus("sb-1")
	if status.Active {
		t.Fatal("expected inactive status after stop")
	}
}

func TestStopSyncClearsApprovals(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	agent := &fakeAgent{
		events: []agentclient.Event{
			&agentclient.PermissionCreated{Permission: agentclient.PermissionInfo{
				ID:        "perm-1",
				SessionID: "sess-1",
				Type:      "bash",
				Title:     "Run command",
			}},
		},
	}

	engine, _ := newTestEngine(repo, agent)

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "cached approval", func() bool {
		return len(engine.PendingApprovals("sb-1", "sess-1")) == 1
	})

	engine.StopSync("sb-1")

	if got := engine.PendingApprovals("sb-1", "sess-1"); len(got) != 0 {
		t.Fatalf("expected approvals cleared, got %d", len(got))
	}
}

func TestReconnectExhaustionLeavesSandboxStatusUntouched(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	agent := &fakeAgent{failSubscribes: 100}

	engine, _ := newTestEngine(repo, agent)

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "exhaustion", func() bool {
		status := engine.SyncStatus("sb-1")
		return !status.Active && status.ReconnectAttempts > testSyncConfig().ReconnectMaxAttempts
	})

	sb, err := repo.GetSandbox(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("get sandbox: %v", err)
	}
	if sb.Status != domain.StatusRunning {
		t.Fatalf("sandbox status changed to %s after sync gave up", sb.Status)
	}

	status := engine.SyncStatus("sb-1")
	if !strings.Contains(status.Error, apperr.ErrSyncExhausted.Error()) {
		t.Fatalf("status error %q does not report exhaustion", status.Error)
	}
}

func TestExhaustionStopsFullResyncTimer(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	agent := &fakeAgent{failSubscribes: 100}

	cfg := config.SyncConfig{
		ResyncInterval:       10 * time.Millisecond,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxAttempts: 2,
	}
	engine := NewEngine(repo, approval.NewCache(), factoryFor(agent), cfg)

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "exhaustion", func() bool { return !engine.SyncStatus("sb-1").Active })

	// Let any in-flight resync tick drain, then the counter must freeze.
	time.Sleep(30 * time.Millisecond)
	settled := agent.sessionListCalls()
	time.Sleep(100 * time.Millisecond)
	if got := agent.sessionListCalls(); got != settled {
		t.Fatalf("full resync kept running after exhaustion: session list calls went %d to %d", settled, got)
	}
}

func TestConcurrentStartSyncOpensSingleConnection(t *testing.T) {
	inner := newFakeRepo()
	inner.addRunningSandbox("sb-1", "http://agent:4096")
	repo := &barrierRepo{
		fakeRepo: inner,
		arrived:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	agent := &fakeAgent{}

	engine := NewEngine(repo, approval.NewCache(), factoryFor(agent), testSyncConfig())
	defer engine.StopSync("sb-1")

	// Both callers pass the existence check and block loading the sandbox.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = engine.StartSync(context.Background(), "sb-1")
		}(i)
	}
	<-repo.arrived
	<-repo.arrived
	close(repo.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	waitFor(t, "subscription", func() bool { return agent.calls() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := agent.calls(); got != 1 {
		t.Fatalf("expected one subscription for one sandbox, got %d", got)
	}

	engine.StopSync("sb-1")
	time.Sleep(20 * time.Millisecond)
	if got := agent.calls(); got != 1 {
		t.Fatalf("subscription survived stop, %d subscribe calls", got)
	}
}

func TestStartSyncReplacesExhaustedConnection(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	agent := &fakeAgent{failSubscribes: 100}

	engine, _ := newTestEngine(repo, agent)

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	waitFor(t, "exhaustion", func() bool { return !engine.SyncStatus("sb-1").Active })

	agent.mu.Lock()
	agent.failSubscribes = 0
	agent.mu.Unlock()

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("restart after exhaustion: %v", err)
	}
	defer engine.StopSync("sb-1")

	waitFor(t, "recovered connection", func() bool {
		status := engine.SyncStatus("sb-1")
		return status.Active && status.ReconnectAttempts == 0
	})
}

func TestReconnectResetsAttemptCounterOnConnect(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	agent := &fakeAgent{failSubscribes: 2}

	engine, _ := newTestEngine(repo, agent)
	defer engine.StopSync("sb-1")

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "connection after failures", func() bool {
		status := engine.SyncStatus("sb-1")
		return status.Active && status.ReconnectAttempts == 0 && !status.LastSyncTime.IsZero()
	})
	if got := agent.calls(); got != 3 {
		t.Fatalf("expected 3 subscribe calls, got %d", got)
	}
}

func TestBackoffDelayDoublesPerAttempt(t *testing.T) {
	base := time.Second
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, expected := range want {
		if got := backoffDelay(base, i+1); got != expected {
			t.Errorf("attempt %d: delay %v, want %v", i+1, got, expected)
		}
	}
}

func TestSyncStatusUnknownSandbox(t *testing.T) {
	engine, _ := newTestEngine(newFakeRepo(), &fakeAgent{})

	status := engine.SyncStatus("unknown")
	if status.Active || status.ReconnectAttempts != 0 || !status.LastSyncTime.IsZero() {
		t.Fatalf("expected zero status, got %+v", status)
	}
}

func TestRespondApprovalForwardsAndUncaches(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	agent := &fakeAgent{
		events: []agentclient.Event{
			&agentclient.PermissionCreated{Permission: agentclient.PermissionInfo{
				ID:        "perm-1",
				SessionID: "sess-1",
				Type:      "edit",
			}},
		},
	}

	engine, _ := newTestEngine(repo, agent)
	defer engine.StopSync("sb-1")

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "cached approval", func() bool {
		return len(engine.PendingApprovals("sb-1", "sess-1")) == 1
	})

	if err := engine.RespondApproval(context.Background(), "sb-1", "sess-1", "perm-1", "approve"); err != nil {
		t.Fatalf("respond: %v", err)
	}

	agent.mu.Lock()
	responded := append([]string(nil), agent.responded...)
	agent.mu.Unlock()
	if len(responded) != 1 || responded[0] != "sess-1/perm-1/approve" {
		t.Fatalf("unexpected forwarded responses %v", responded)
	}
	if got := engine.PendingApprovals("sb-1", "sess-1"); len(got) != 0 {
		t.Fatalf("expected approval uncached, got %d", len(got))
	}
}

func TestFullResyncConvergesAfterMissedEvents(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")

	// The agent already holds conversation state the engine never saw live.
	agent := &fakeAgent{
		sessions: []agentclient.SessionInfo{{ID: "sess-1", Title: "Fix the build"}},
		messages: map[string][]agentclient.MessageWithParts{
			"sess-1": {
				{
					Info: agentclient.MessageInfo{
						ID:        "msg-1",
						SessionID: "sess-1",
						Role:      "user",
						Time:      agentclient.MessageTime{Created: 1000, Completed: 1000},
					},
					Parts: []agentclient.PartInfo{{Type: "text", Text: "hello"}},
				},
				{
					Info: agentclient.MessageInfo{
						ID:        "msg-2",
						SessionID: "sess-1",
						Role:      "assistant",
						Time:      agentclient.MessageTime{Created: 2000, Completed: 3000},
					},
					Parts: []agentclient.PartInfo{{Type: "text", Text: "hi there"}},
				},
			},
		},
	}

	engine, _ := newTestEngine(repo, agent)
	defer engine.StopSync("sb-1")

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "mirrored messages", func() bool {
		msgs, _ := repo.ListMessages(context.Background(), "sess-1")
		return len(msgs) == 2
	})

	sess, err := repo.GetSession(context.Background(), "sess-1")
	if err != nil || sess == nil {
		t.Fatalf("session not mirrored: %v", err)
	}
	if sess.Title != "Fix the build" {
		t.Errorf("session title %q", sess.Title)
	}
	if sess.UserMessageCount != 1 || sess.AssistantMessageCount != 1 {
		t.Errorf("counts user=%d assistant=%d, want 1/1", sess.UserMessageCount, sess.AssistantMessageCount)
	}

	msg, err := repo.GetMessage(context.Background(), "sess-1", "msg-2")
	if err != nil || msg == nil {
		t.Fatalf("message not mirrored: %v", err)
	}
	if msg.Status != domain.MessageComplete || msg.CompletedAt == nil {
		t.Errorf("expected completed message, got status %s", msg.Status)
	}
	if len(msg.Parts) != 1 || msg.Parts[0].Text != "hi there" {
		t.Errorf("unexpected parts %+v", msg.Parts)
	}
}

func TestSyncSessionMessagesArchivesVanishedSession(t *testing.T) {
	repo := newFakeRepo()
	repo.addRunningSandbox("sb-1", "http://agent:4096")
	if err := repo.UpsertSession(context.Background(), &domain.Session{
		ID:        "sess-gone",
		SandboxID: "sb-1",
		OwnerID:   "owner-1",
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	engine, _ := newTestEngine(repo, &fakeAgent{})
	defer engine.StopSync("sb-1")

	if err := engine.StartSync(context.Background(), "sb-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := engine.SyncSessionMessages(context.Background(), "sb-1", "sess-gone"); err != nil {
		t.Fatalf("resync: %v", err)
	}

	sess, err := repo.GetSession(context.Background(), "sess-gone")
	if err != nil || sess == nil {
		t.Fatalf("session lookup: %v", err)
	}
	if !sess.Archived {
		t.Fatal("expected vanished session to be archived")
	}
}
