package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"converse/api"
	"converse/models"
	"converse/realtime"
)

var (
	testSelf  = models.User{UserID: "self", DisplayName: "Self"}
	testOther = models.User{UserID: "other", DisplayName: "Other"}
)

// fakeDirectory stubs the inbox's gateway surface.
type fakeDirectory struct {
	mu            sync.Mutex
	conversations []models.Conversation
	users         []models.User
	started       *models.Conversation
	err           error

	loadCalls   int
	searchCalls int
	startCalls  int
}

func (f *fakeDirectory) Conversations(context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Conversation, len(f.conversations))
	copy(out, f.conversations)
	return out, nil
}

func (f *fakeDirectory) ConversationWith(_ context.Context, targetUserID string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.err != nil {
		return nil, f.err
	}
	if f.started != nil {
		conversation := *f.started
		return &conversation, nil
	}
	return &models.Conversation{
		ID:           "conv-" + targetUserID,
		Participants: []models.User{testSelf, {UserID: targetUserID}},
	}, nil
}

func (f *fakeDirectory) SearchUsers(_ context.Context, term string) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.User, len(f.users))
	copy(out, f.users)
	return out, nil
}

// fakePager stubs the thread's message page gateway.
type fakePager struct {
	mu    sync.Mutex
	pages map[int]*api.MessagePage
	err   error
	calls []int

	// block, when non-nil, holds a request until the channel is closed.
	block chan struct{}
}

func (f *fakePager) MessagesPage(_ context.Context, conversationID string, page, size int) (*api.MessagePage, error) {
	f.mu.Lock()
	block := f.block
	f.calls = append(f.calls, page)
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if result, ok := f.pages[page]; ok {
		copied := *result
		return &copied, nil
	}
	return &api.MessagePage{}, nil
}

type emitted struct {
	commandType    string
	conversationID string
	payload        any
}

// fakeEmitter records emits and lets tests fail them selectively.
type fakeEmitter struct {
	mu     sync.Mutex
	emits  []emitted
	failOn map[string]error
	subbed []string
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{failOn: make(map[string]error)}
}

func (f *fakeEmitter) Subscribe(eventType string, fn func(realtime.Envelope)) *realtime.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subbed = append(f.subbed, eventType)
	return &realtime.Subscription{}
}

func (f *fakeEmitter) Emit(commandType, conversationID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[commandType]; ok {
		return err
	}
	f.emits = append(f.emits, emitted{commandType, conversationID, payload})
	return nil
}

func (f *fakeEmitter) emitsOf(commandType string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.commandType == commandType {
			out = append(out, e)
		}
	}
	return out
}

func newTestInbox(t *testing.T, directory *fakeDirectory) *Inbox {
	t.Helper()
	inbox, err := NewInbox(InboxOptions{
		Gateway: directory,
		Self:    func() models.User { return testSelf },
	})
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	return inbox
}

func newTestThread(t *testing.T, pager *fakePager, emitter *fakeEmitter) *Thread {
	t.Helper()
	thread, err := NewThread(ThreadOptions{
		Gateway:      pager,
		Realtime:     emitter,
		Self:         func() models.User { return testSelf },
		PageSize:     3,
		TypingExpiry: 40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	t.Cleanup(thread.Close)
	return thread
}

func testMessage(id, conversationID, senderID, content string, createdAt int64) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      createdAt,
	}
}

func testConversation(id string, lastAt int64) models.Conversation {
	return models.Conversation{
		ID:            id,
		Participants:  []models.User{testSelf, testOther},
		LastMessageAt: lastAt,
	}
}
