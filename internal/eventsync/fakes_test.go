package eventsync

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/avetra/forgebox/internal/agentclient"
	"github.com/avetra/forgebox/internal/apperr"
	"github.com/avetra/forgebox/internal/domain"
	"github.com/avetra/forgebox/internal/store"
)

type fakeRepo struct {
	mu        sync.Mutex
	sandboxes map[string]*domain.Sandbox
	sessions  map[string]*domain.Session
	messages  map[string]map[string]*domain.Message // session id -> external id
	order     map[string][]string                   // insertion order per session
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sandboxes: make(map[string]*domain.Sandbox),
		sessions:  make(map[string]*domain.Session),
		messages:  make(map[string]map[string]*domain.Message),
		order:     make(map[string][]string),
	}
}

func (f *fakeRepo) addRunningSandbox(id, agentURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[id] = &domain.Sandbox{
		ID:      id,
		OwnerID: "owner-1",
		Status:  domain.StatusRunning,
		URLs:    map[string]string{"agent": agentURL},
	}
}

func (f *fakeRepo) CreateSandbox(_ context.Context, sb *domain.Sandbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sb
	f.sandboxes[sb.ID] = &cp
	return nil
}

func (f *fakeRepo) GetSandbox(_ context.Context, id string) (*domain.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb := f.sandboxes[id]
	if sb == nil {
		return nil, nil
	}
	cp := *sb
	return &cp, nil
}

func (f *fakeRepo) ListSandboxes(context.Context, store.SandboxFilter) ([]*domain.Sandbox, error) {
	return nil, nil
}

func (f *fakeRepo) UpdateSandboxStatus(_ context.Context, id string, status domain.Status, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb := f.sandboxes[id]; sb != nil {
		sb.Status = status
		sb.ErrorMessage = msg
	}
	return nil
}

func (f *fakeRepo) BindContainer(_ context.Context, id, ref string, urls map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb := f.sandboxes[id]; sb != nil {
		sb.ContainerRef = ref
		sb.URLs = urls
	}
	return nil
}

func (f *fakeRepo) TouchLastAccessed(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb := f.sandboxes[id]; sb != nil {
		sb.LastAccessedAt = at
	}
	return nil
}

func (f *fakeRepo) DeleteSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sandboxes, id)
	return nil
}

func (f *fakeRepo) ListIdleSandboxes(context.Context, time.Duration) ([]*domain.Sandbox, error) {
	return nil, nil
}

func (f *fakeRepo) UpsertSession(_ context.Context, sess *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	if existing := f.sessions[sess.ID]; existing != nil {
		cp.UserMessageCount = existing.UserMessageCount
		cp.AssistantMessageCount = existing.AssistantMessageCount
		if existing.Archived {
			cp.Archived = true
		}
	}
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[id]
	if sess == nil {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeRepo) ListSessions(_ context.Context, sandboxID string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Session
	for _, sess := range f.sessions {
		if sess.SandboxID == sandboxID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) ArchiveSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess := f.sessions[id]; sess != nil {
		sess.Archived = true
	}
	return nil
}

func (f *fakeRepo) IncrementMessageCount(_ context.Context, sessionID string, role domain.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[sessionID]
	if sess == nil {
		return nil
	}
	switch role {
	case domain.RoleUser:
		sess.UserMessageCount++
	case domain.RoleAssistant:
		sess.AssistantMessageCount++
	}
	return nil
}

func (f *fakeRepo) SetSessionSyncState(_ context.Context, sessionID string, userCount, assistantCount int, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess := f.sessions[sessionID]; sess != nil {
		sess.UserMessageCount = userCount
		sess.AssistantMessageCount = assistantCount
		sess.LastSyncedAt = syncedAt
	}
	return nil
}

func (f *fakeRepo) GetMessage(_ context.Context, sessionID, externalID string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := f.messages[sessionID][externalID]
	if msg == nil {
		return nil, nil
	}
	cp := *msg
	cp.Parts = append([]domain.MessagePart(nil), msg.Parts...)
	return &cp, nil
}

func (f *fakeRepo) UpsertMessage(_ context.Context, msg *domain.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byExternal := f.messages[msg.SessionID]
	if byExternal == nil {
		byExternal = make(map[string]*domain.Message)
		f.messages[msg.SessionID] = byExternal
	}
	_, existed := byExternal[msg.ExternalID]
	cp := *msg
	cp.Parts = append([]domain.MessagePart(nil), msg.Parts...)
	byExternal[msg.ExternalID] = &cp
	if !existed {
		f.order[msg.SessionID] = append(f.order[msg.SessionID], msg.ExternalID)
	}
	return !existed, nil
}

func (f *fakeRepo) ListMessages(_ context.Context, sessionID string) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Message
	for _, externalID := range f.order[sessionID] {
		cp := *f.messages[sessionID][externalID]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) CleanupLegacyState(context.Context) (int64, error) { return 0, nil }
func (f *fakeRepo) Ping(context.Context) error                        { return nil }
func (f *fakeRepo) Close() error                                      { return nil }

// fakeAgent scripts an agent process: an optional number of failing
// subscribe calls, then a stream of events that blocks until cancelled.
type fakeAgent struct {
	mu               sync.Mutex
	sessions         []agentclient.SessionInfo
	messages         map[string][]agentclient.MessageWithParts
	events           []agentclient.Event
	failSubscribes   int
	subscribeCalls   int
	listSessionCalls int
	responded        []string
}

func (f *fakeAgent) Subscribe(ctx context.Context) iter.Seq2[agentclient.Event, error] {
	return func(yield func(agentclient.Event, error) bool) {
		f.mu.Lock()
		call := f.subscribeCalls
		f.subscribeCalls++
		events := append([]agentclient.Event(nil), f.events...)
		failing := call < f.failSubscribes
		f.mu.Unlock()

		if failing {
			yield(nil, apperr.ErrStreamDisconnected)
			return
		}

		if !yield(&agentclient.ServerConnected{}, nil) {
			return
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		<-ctx.Done()
	}
}

func (f *fakeAgent) ListSessions(context.Context) ([]agentclient.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listSessionCalls++
	return append([]agentclient.SessionInfo(nil), f.sessions...), nil
}

func (f *fakeAgent) ListMessages(_ context.Context, sessionID string) ([]agentclient.MessageWithParts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agentclient.MessageWithParts(nil), f.messages[sessionID]...), nil
}

func (f *fakeAgent) RespondPermission(_ context.Context, sessionID, requestID, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, sessionID+"/"+requestID+"/"+response)
	return nil
}

func (f *fakeAgent) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

func (f *fakeAgent) sessionListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listSessionCalls
}

// barrierRepo holds every GetSandbox call at a barrier so tests can line up
// concurrent callers inside the engine's verify window.
type barrierRepo struct {
	*fakeRepo
	arrived chan struct{}
	release chan struct{}
}

func (r *barrierRepo) GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error) {
	r.arrived <- struct{}{}
	<-r.release
	return r.fakeRepo.GetSandbox(ctx, id)
}

func factoryFor(agent *fakeAgent) agentclient.Factory {
	return func(string) agentclient.Client { return agent }
}
