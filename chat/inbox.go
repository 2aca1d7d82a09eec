// Package chat keeps the client's conversation and message state in sync
// with the backend, merging realtime events into locally held buffers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"converse/models"
	"converse/storage"
)

// ErrNotOpen indicates a thread operation without an open conversation.
var ErrNotOpen = errors.New("chat: no conversation is open")

// Directory is the subset of the HTTP gateway the inbox depends on.
type Directory interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	ConversationWith(ctx context.Context, targetUserID string) (*models.Conversation, error)
	SearchUsers(ctx context.Context, term string) ([]models.User, error)
}

// InboxOptions configures the conversation list synchronizer.
type InboxOptions struct {
	Gateway Directory

	// Storage caches the list and the set of already-merged message IDs.
	// It may be nil; the inbox then runs purely in memory.
	Storage *storage.Store

	// Self returns the authenticated identity at call time.
	Self func() models.User

	// OnChange receives a snapshot after every list mutation.
	OnChange func([]models.Conversation)

	Logger *zap.SugaredLogger
}

// Inbox maintains the ordered conversation list for the current user and
// merges incoming realtime message events into it. The authoritative copy
// lives on the server; Load is the recovery path after any connectivity gap.
type Inbox struct {
	gateway  Directory
	storage  *storage.Store
	self     func() models.User
	onChange func([]models.Conversation)
	log      *zap.SugaredLogger

	mu            sync.Mutex
	conversations []models.Conversation
	activeID      string
	seen          map[string]struct{}
}

// NewInbox creates an empty inbox.
func NewInbox(options InboxOptions) (*Inbox, error) {
	if options.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if options.Self == nil {
		return nil, errors.New("self identity source is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Inbox{
		gateway:  options.Gateway,
		storage:  options.Storage,
		self:     options.Self,
		onChange: options.OnChange,
		log:      logger,
		seen:     make(map[string]struct{}),
	}, nil
}

// Conversations returns a snapshot of the current list, ordered by most
// recent activity first.
func (i *Inbox) Conversations() []models.Conversation {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

// Load fetches the authoritative conversation list and replaces local state
// wholesale. Placeholders synthesized from realtime events do not survive a
// load; the server copy wins.
func (i *Inbox) Load(ctx context.Context) error {
	conversations, err := i.gateway.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	sort.SliceStable(conversations, func(a, b int) bool {
		return conversations[a].LastMessageAt > conversations[b].LastMessageAt
	})

	i.mu.Lock()
	i.conversations = conversations
	if i.activeID != "" {
		i.clearUnreadLocked(i.activeID)
	}
	snapshot := i.snapshotLocked()
	i.mu.Unlock()

	i.refreshCache(conversations)
	i.notify(snapshot)
	return nil
}

// Search queries the user directory by partial name or email match. The
// current user is excluded from results; a blank term yields an empty set.
func (i *Inbox) Search(ctx context.Context, term string) ([]models.User, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	candidates, err := i.gateway.SearchUsers(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	selfID := i.self().UserID
	results := make([]models.User, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.UserID == selfID {
			continue
		}
		results = append(results, candidate)
	}
	return results, nil
}

// Start obtains or creates the conversation with the target user and folds
// it into the local list if absent. Calling it again for the same target
// returns the existing entry.
func (i *Inbox) Start(ctx context.Context, targetUserID string) (models.Conversation, error) {
	if targetUserID == "" {
		return models.Conversation{}, errors.New("target user ID is required")
	}

	conversation, err := i.gateway.ConversationWith(ctx, targetUserID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}

	i.mu.Lock()
	if index := i.indexOfLocked(conversation.ID); index >= 0 {
		existing := i.conversations[index]
		i.mu.Unlock()
		return existing, nil
	}
	i.conversations = append(i.conversations, *conversation)
	sort.SliceStable(i.conversations, func(a, b int) bool {
		return i.conversations[a].LastMessageAt > i.conversations[b].LastMessageAt
	})
	snapshot := i.snapshotLocked()
	i.mu.Unlock()

	i.notify(snapshot)
	return *conversation, nil
}

// SetActive records which conversation is currently open. The active
// conversation's unread count stays at zero while incoming messages merge.
// Passing "" marks no conversation as open.
func (i *Inbox) SetActive(conversationID string) {
	i.mu.Lock()
	i.activeID = conversationID
	changed := conversationID != "" && i.clearUnreadLocked(conversationID)
	snapshot := i.snapshotLocked()
	i.mu.Unlock()

	if changed {
		i.notify(snapshot)
	}
}

// ApplyMessage merges one incoming message event into the list. The merge is
// idempotent under at-least-once delivery: reprocessing a message ID that was
// already merged changes nothing.
func (i *Inbox) ApplyMessage(message models.Message) {
	if message.ID == "" || message.ConversationID == "" {
		return
	}
	if i.alreadySeen(message.ID) {
		return
	}

	i.mu.Lock()
	index := i.indexOfLocked(message.ConversationID)
	if index >= 0 {
		conversation := i.conversations[index]
		msg := message
		conversation.LastMessage = &msg
		conversation.LastMessageAt = message.CreatedAt
		if conversation.ID != i.activeID {
			conversation.UnreadCount++
		}
		i.conversations = append(i.conversations[:index], i.conversations[index+1:]...)
		i.conversations = append([]models.Conversation{conversation}, i.conversations...)
	} else {
		i.conversations = append([]models.Conversation{i.placeholderFor(message)}, i.conversations...)
	}
	snapshot := i.snapshotLocked()
	i.mu.Unlock()

	i.rememberSeen(message.ID, message.CreatedAt)
	i.notify(snapshot)
}

// placeholderFor synthesizes a minimal entry for a message whose conversation
// is not in the list yet. The next Load replaces it with the server copy.
func (i *Inbox) placeholderFor(message models.Message) models.Conversation {
	msg := message
	unread := 1
	if message.ConversationID == i.activeID {
		unread = 0
	}
	return models.Conversation{
		ID: message.ConversationID,
		Participants: []models.User{{
			UserID:      message.SenderID,
			DisplayName: message.SenderName,
		}},
		LastMessage:   &msg,
		LastMessageAt: message.CreatedAt,
		UnreadCount:   unread,
		Placeholder:   true,
	}
}

func (i *Inbox) alreadySeen(messageID string) bool {
	i.mu.Lock()
	_, ok := i.seen[messageID]
	i.mu.Unlock()
	if ok {
		return true
	}
	if i.storage == nil {
		return false
	}
	seen, err := i.storage.HasSeenID(messageID)
	if err != nil {
		i.log.Warnw("seen-id lookup failed", "error", err)
		return false
	}
	return seen
}

func (i *Inbox) rememberSeen(messageID string, receivedAt int64) {
	i.mu.Lock()
	i.seen[messageID] = struct{}{}
	i.mu.Unlock()
	if i.storage == nil {
		return
	}
	if err := i.storage.InsertSeenID(messageID, receivedAt); err != nil {
		i.log.Warnw("seen-id insert failed", "message_id", messageID, "error", err)
	}
}

func (i *Inbox) refreshCache(conversations []models.Conversation) {
	if i.storage == nil {
		return
	}

	selfID := i.self().UserID
	rows := make([]storage.ConversationRow, 0, len(conversations))
	for _, conversation := range conversations {
		counterpart := conversation.Counterpart(selfID)
		row := storage.ConversationRow{
			ConversationID:  conversation.ID,
			CounterpartID:   counterpart.UserID,
			CounterpartName: counterpart.DisplayName,
			LastMessageAt:   conversation.LastMessageAt,
			UnreadCount:     conversation.UnreadCount,
		}
		if conversation.LastMessage != nil {
			row.LastMessageID = conversation.LastMessage.ID
			row.LastMessageText = conversation.LastMessage.Content
		}
		rows = append(rows, row)
	}
	if err := i.storage.ReplaceConversations(rows); err != nil {
		i.log.Warnw("conversation cache refresh failed", "error", err)
	}
}

func (i *Inbox) indexOfLocked(conversationID string) int {
	for index, conversation := range i.conversations {
		if conversation.ID == conversationID {
			return index
		}
	}
	return -1
}

func (i *Inbox) clearUnreadLocked(conversationID string) bool {
	index := i.indexOfLocked(conversationID)
	if index < 0 || i.conversations[index].UnreadCount == 0 {
		return false
	}
	i.conversations[index].UnreadCount = 0
	return true
}

func (i *Inbox) snapshotLocked() []models.Conversation {
	snapshot := make([]models.Conversation, len(i.conversations))
	copy(snapshot, i.conversations)
	return snapshot
}

func (i *Inbox) notify(snapshot []models.Conversation) {
	if i.onChange != nil {
		i.onChange(snapshot)
	}
}
