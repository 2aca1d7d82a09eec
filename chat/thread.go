package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"converse/api"
	"converse/models"
	"converse/realtime"
	"converse/storage"
)

// ErrEmptyMessage indicates a send attempt with blank content.
var ErrEmptyMessage = errors.New("chat: message content is empty")

// DefaultTypingExpiry clears a typing indicator that received no follow-up.
const DefaultTypingExpiry = 3 * time.Second

// MessageGateway is the subset of the HTTP gateway the thread depends on.
type MessageGateway interface {
	MessagesPage(ctx context.Context, conversationID string, page, size int) (*api.MessagePage, error)
}

// Emitter is the realtime surface the thread borrows. Only the channel
// manager owns the connection; the thread subscribes and emits through it.
type Emitter interface {
	Subscribe(eventType string, fn func(realtime.Envelope)) *realtime.Subscription
	Emit(commandType, conversationID string, payload any) error
}

// ThreadOptions configures the message stream synchronizer.
type ThreadOptions struct {
	Gateway  MessageGateway
	Realtime Emitter

	// Storage caches confirmed messages for degraded-mode reads. Optional.
	Storage *storage.Store

	// Self returns the authenticated identity at call time.
	Self func() models.User

	PageSize     int
	TypingExpiry time.Duration

	// OnMessages receives a buffer snapshot after every mutation.
	OnMessages func([]models.Message)

	// OnTyping receives the display names of users currently composing.
	OnTyping func([]string)

	Logger *zap.SugaredLogger
}

type typingEntry struct {
	name  string
	timer *time.Timer
	gen   uint64
}

// Thread maintains the ordered message history of the one open conversation.
// Outgoing messages are inserted optimistically and reconciled against the
// server echo; typing and read-receipt state ride alongside the buffer.
type Thread struct {
	gateway  MessageGateway
	realtime Emitter
	storage  *storage.Store
	self     func() models.User

	pageSize     int
	typingExpiry time.Duration
	onMessages   func([]models.Message)
	onTyping     func([]string)
	log          *zap.SugaredLogger

	mu             sync.Mutex
	conversationID string
	epoch          uint64
	messages       []models.Message
	page           int
	hasMore        bool
	subs           []*realtime.Subscription
	typing         map[string]*typingEntry
	typingGen      uint64
}

// NewThread creates a thread with no open conversation.
func NewThread(options ThreadOptions) (*Thread, error) {
	if options.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if options.Realtime == nil {
		return nil, errors.New("realtime emitter is required")
	}
	if options.Self == nil {
		return nil, errors.New("self identity source is required")
	}
	if options.PageSize <= 0 {
		options.PageSize = 30
	}
	if options.TypingExpiry <= 0 {
		options.TypingExpiry = DefaultTypingExpiry
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Thread{
		gateway:      options.Gateway,
		realtime:     options.Realtime,
		storage:      options.Storage,
		self:         options.Self,
		pageSize:     options.PageSize,
		typingExpiry: options.TypingExpiry,
		onMessages:   options.OnMessages,
		onTyping:     options.OnTyping,
		log:          logger,
		typing:       make(map[string]*typingEntry),
	}, nil
}

// ConversationID returns the open conversation's ID, or "" when closed.
func (t *Thread) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Messages returns a snapshot of the buffer in ascending chronological order.
func (t *Thread) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// HasMore reports whether older pages remain for backward pagination.
func (t *Thread) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// TypingUsers returns the display names of users currently composing.
func (t *Thread) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingSnapshotLocked()
}

// Open switches the thread to the given conversation: it joins the realtime
// room, loads the first page, and immediately marks the conversation read.
// Any previously open conversation is closed first.
func (t *Thread) Open(ctx context.Context, conversation models.Conversation) error {
	t.Close()

	t.mu.Lock()
	t.conversationID = conversation.ID
	t.epoch++
	epoch := t.epoch
	t.subs = []*realtime.Subscription{
		t.realtime.Subscribe(realtime.EventMessage, t.roomScoped(conversation.ID, t.handleMessageFrame)),
		t.realtime.Subscribe(realtime.EventTyping, t.roomScoped(conversation.ID, t.handleTypingFrame)),
		t.realtime.Subscribe(realtime.EventReadReceipt, t.roomScoped(conversation.ID, t.handleReceiptFrame)),
	}
	t.mu.Unlock()

	if err := t.realtime.Emit(realtime.CommandJoin, conversation.ID, nil); err != nil {
		t.log.Warnw("join room failed", "conversation_id", conversation.ID, "error", err)
	}

	if err := t.loadPage(ctx, conversation.ID, 1, epoch); err != nil {
		return err
	}

	t.markRead(conversation.ID)
	return nil
}

// Close leaves the realtime room, releases subscriptions, and drops the
// buffer. Typing timers for the closed conversation never fire afterwards.
func (t *Thread) Close() {
	t.mu.Lock()
	if t.conversationID == "" {
		t.mu.Unlock()
		return
	}
	conversationID := t.conversationID
	subs := t.subs
	t.conversationID = ""
	t.epoch++
	t.subs = nil
	t.messages = nil
	t.page = 0
	t.hasMore = false
	for _, entry := range t.typing {
		entry.timer.Stop()
	}
	t.typing = make(map[string]*typingEntry)
	t.mu.Unlock()

	if err := t.realtime.Emit(realtime.CommandLeave, conversationID, nil); err != nil {
		t.log.Debugw("leave room failed", "conversation_id", conversationID, "error", err)
	}
	for _, sub := range subs {
		sub.Close()
	}
}

// LoadEarlier fetches the next older page and prepends it. A response that
// arrives after the conversation was switched or closed is discarded.
func (t *Thread) LoadEarlier(ctx context.Context) error {
	t.mu.Lock()
	if t.conversationID == "" {
		t.mu.Unlock()
		return ErrNotOpen
	}
	if !t.hasMore {
		t.mu.Unlock()
		return nil
	}
	conversationID := t.conversationID
	next := t.page + 1
	epoch := t.epoch
	t.mu.Unlock()

	return t.loadPage(ctx, conversationID, next, epoch)
}

// loadPage fetches one page. Page 1 replaces the buffer; later pages prepend
// older messages, preserving ascending order overall.
func (t *Thread) loadPage(ctx context.Context, conversationID string, page int, epoch uint64) error {
	result, err := t.gateway.MessagesPage(ctx, conversationID, page, t.pageSize)
	if err != nil {
		return fmt.Errorf("load messages page %d: %w", page, err)
	}

	t.mu.Lock()
	if t.conversationID != conversationID || t.epoch != epoch {
		// The request outlived the conversation it was issued for.
		t.mu.Unlock()
		return nil
	}

	fetched := make([]models.Message, len(result.Messages))
	copy(fetched, result.Messages)
	for index := range fetched {
		fetched[index].State = models.StateConfirmed
	}
	sort.SliceStable(fetched, func(a, b int) bool {
		return fetched[a].CreatedAt < fetched[b].CreatedAt
	})

	if page == 1 {
		t.messages = fetched
	} else {
		t.messages = append(fetched, t.messages...)
	}
	t.page = page
	t.hasMore = result.HasMore
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.cacheMessages(fetched)
	t.notifyMessages(snapshot)
	return nil
}

// Send appends a pending message with a temporary ID and emits the send
// request. There is no synchronous confirmation; the echo confirms it later.
// If the emit itself fails, the pending entry is removed and the content is
// returned so the composer can be restored.
func (t *Thread) Send(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}

	self := t.self()

	t.mu.Lock()
	if t.conversationID == "" {
		t.mu.Unlock()
		return content, ErrNotOpen
	}
	conversationID := t.conversationID
	pending := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       self.UserID,
		SenderName:     self.DisplayName,
		Content:        content,
		CreatedAt:      time.Now().UnixMilli(),
		State:          models.StatePending,
	}
	t.messages = append(t.messages, pending)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notifyMessages(snapshot)

	if err := t.realtime.Emit(realtime.CommandSendMessage, conversationID, realtime.SendPayload{Content: content}); err != nil {
		t.discardPending(pending.ID)
		return content, fmt.Errorf("send message: %w", err)
	}
	return "", nil
}

// discardPending removes a pending entry whose emit failed.
func (t *Thread) discardPending(tempID string) {
	t.mu.Lock()
	for index, message := range t.messages {
		if message.ID == tempID && message.State == models.StatePending {
			t.messages = append(t.messages[:index], t.messages[index+1:]...)
			break
		}
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.notifyMessages(snapshot)
}

// ApplyMessage merges one incoming message for the open conversation. A
// known server ID is ignored; a pending entry with matching content and
// sender is replaced in place; anything else appends. Messages from other
// senders trigger a read-receipt emission.
func (t *Thread) ApplyMessage(message models.Message) {
	selfID := t.self().UserID

	t.mu.Lock()
	if message.ConversationID != t.conversationID {
		t.mu.Unlock()
		return
	}

	for _, existing := range t.messages {
		if existing.ID == message.ID {
			t.mu.Unlock()
			return
		}
	}

	message.State = models.StateConfirmed
	fromOther := message.SenderID != selfID
	if fromOther {
		message.MarkReadBy(selfID)
	}

	replaced := false
	for index, existing := range t.messages {
		if existing.State == models.StatePending &&
			existing.SenderID == message.SenderID &&
			existing.Content == message.Content {
			// Receipts can outrun the echo; read state accumulated on the
			// pending entry carries over, never reverting read to unread.
			for _, reader := range existing.ReadBy {
				message.MarkReadBy(reader)
			}
			t.messages[index] = message
			replaced = true
			break
		}
	}
	if !replaced {
		t.messages = append(t.messages, message)
	}
	conversationID := t.conversationID
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.cacheMessages([]models.Message{message})
	if fromOther {
		if err := t.realtime.Emit(realtime.CommandMarkRead, conversationID, nil); err != nil {
			t.log.Debugw("mark_read emit failed", "conversation_id", conversationID, "error", err)
		}
	}
	t.notifyMessages(snapshot)
}

// ApplyTyping updates the transient typing indicator for one user. Events
// about the current user are ignored; each event restarts that user's expiry
// countdown rather than stacking a second one.
func (t *Thread) ApplyTyping(event models.TypingEvent) {
	if event.UserID == "" || event.UserID == t.self().UserID {
		return
	}

	t.mu.Lock()
	if event.ConversationID != t.conversationID {
		t.mu.Unlock()
		return
	}

	if existing, ok := t.typing[event.UserID]; ok {
		existing.timer.Stop()
		delete(t.typing, event.UserID)
	}

	if !event.IsTyping {
		snapshot := t.typingSnapshotLocked()
		t.mu.Unlock()
		t.notifyTyping(snapshot)
		return
	}

	t.typingGen++
	gen := t.typingGen
	epoch := t.epoch
	userID := event.UserID
	entry := &typingEntry{name: event.DisplayName, gen: gen}
	entry.timer = time.AfterFunc(t.typingExpiry, func() {
		t.expireTyping(userID, gen, epoch)
	})
	t.typing[userID] = entry
	snapshot := t.typingSnapshotLocked()
	t.mu.Unlock()

	t.notifyTyping(snapshot)
}

// expireTyping clears one indicator after its countdown ran out. Timers
// superseded by a newer event or by closing the conversation do nothing.
func (t *Thread) expireTyping(userID string, gen, epoch uint64) {
	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return
	}
	entry, ok := t.typing[userID]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.typing, userID)
	snapshot := t.typingSnapshotLocked()
	t.mu.Unlock()

	t.notifyTyping(snapshot)
}

// ApplyReadReceipt marks every message authored by the current user as read
// by the given reader. The transition is monotonic; read never reverts.
func (t *Thread) ApplyReadReceipt(receipt models.ReadReceipt) {
	selfID := t.self().UserID
	if receipt.ReaderID == "" || receipt.ReaderID == selfID {
		return
	}

	t.mu.Lock()
	if receipt.ConversationID != t.conversationID {
		t.mu.Unlock()
		return
	}

	changed := false
	for index := range t.messages {
		if t.messages[index].SenderID != selfID {
			continue
		}
		if t.messages[index].ReadByUser(receipt.ReaderID) {
			continue
		}
		t.messages[index].MarkReadBy(receipt.ReaderID)
		changed = true
	}
	conversationID := t.conversationID
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if !changed {
		return
	}
	if t.storage != nil {
		if err := t.storage.MarkConversationReadBy(conversationID, receipt.ReaderID); err != nil {
			t.log.Warnw("read receipt cache update failed", "error", err)
		}
	}
	t.notifyMessages(snapshot)
}

// SetComposing emits the composer's current typing state. Fire and forget;
// one emission per keystroke, receivers handle debouncing on display.
func (t *Thread) SetComposing(nonEmpty bool) {
	t.mu.Lock()
	conversationID := t.conversationID
	t.mu.Unlock()
	if conversationID == "" {
		return
	}

	err := t.realtime.Emit(realtime.CommandTyping, conversationID, realtime.TypingPayload{IsTyping: nonEmpty})
	if err != nil {
		t.log.Debugw("typing emit failed", "conversation_id", conversationID, "error", err)
	}
}

// roomScoped filters inbound frames down to one conversation's room.
func (t *Thread) roomScoped(conversationID string, handle func(realtime.Envelope)) func(realtime.Envelope) {
	return func(envelope realtime.Envelope) {
		if envelope.ConversationID != conversationID {
			return
		}
		handle(envelope)
	}
}

func (t *Thread) handleMessageFrame(envelope realtime.Envelope) {
	message, err := realtime.DecodeMessage(envelope)
	if err != nil {
		t.log.Debugw("dropping malformed message event", "error", err)
		return
	}
	t.ApplyMessage(message)
}

func (t *Thread) handleTypingFrame(envelope realtime.Envelope) {
	var event models.TypingEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		t.log.Debugw("dropping malformed typing event", "error", err)
		return
	}
	if event.ConversationID == "" {
		event.ConversationID = envelope.ConversationID
	}
	t.ApplyTyping(event)
}

func (t *Thread) handleReceiptFrame(envelope realtime.Envelope) {
	var receipt models.ReadReceipt
	if err := json.Unmarshal(envelope.Payload, &receipt); err != nil {
		t.log.Debugw("dropping malformed read receipt", "error", err)
		return
	}
	if receipt.ConversationID == "" {
		receipt.ConversationID = envelope.ConversationID
	}
	t.ApplyReadReceipt(receipt)
}

// markRead emits the read marker for a freshly opened conversation and
// mirrors it into the local cache.
func (t *Thread) markRead(conversationID string) {
	if err := t.realtime.Emit(realtime.CommandMarkRead, conversationID, nil); err != nil {
		t.log.Debugw("mark_read emit failed", "conversation_id", conversationID, "error", err)
	}
	if t.storage != nil {
		if err := t.storage.MarkConversationReadBy(conversationID, t.self().UserID); err != nil {
			t.log.Warnw("read state cache update failed", "error", err)
		}
	}
}

func (t *Thread) cacheMessages(messages []models.Message) {
	if t.storage == nil {
		return
	}
	for _, message := range messages {
		if message.State != models.StateConfirmed {
			continue
		}
		row := storage.MessageRow{
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			SenderName:     message.SenderName,
			Content:        message.Content,
			CreatedAt:      message.CreatedAt,
			IsRead:         message.IsRead,
			ReadBy:         message.ReadBy,
		}
		if err := t.storage.SaveMessage(row); err != nil {
			t.log.Warnw("message cache write failed", "message_id", message.ID, "error", err)
		}
	}
}

func (t *Thread) snapshotLocked() []models.Message {
	snapshot := make([]models.Message, len(t.messages))
	copy(snapshot, t.messages)
	return snapshot
}

func (t *Thread) typingSnapshotLocked() []string {
	names := make([]string, 0, len(t.typing))
	for _, entry := range t.typing {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

func (t *Thread) notifyMessages(snapshot []models.Message) {
	if t.onMessages != nil {
		t.onMessages(snapshot)
	}
}

func (t *Thread) notifyTyping(snapshot []string) {
	if t.onTyping != nil {
		t.onTyping(snapshot)
	}
}
