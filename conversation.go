package staylink

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Conversation store change events. The payload is a ConversationChange.
const (
	MessageMerged       = "message.merged"
	MessageEdited       = "message.edited"
	MessageDeleted      = "message.deleted"
	ConversationLoaded  = "conversation.loaded"
	ConversationDropped = "conversation.dropped"
)

// ConversationChange describes one store mutation.
type ConversationChange struct {
	ConversationID string
	MessageID      string
}

// MessageCommander issues acknowledged chat commands. *ChannelManager
// implements it.
type MessageCommander interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error)
	EditMessage(ctx context.Context, req EditMessageRequest) error
	DeleteMessage(ctx context.Context, req DeleteMessageRequest) error
}

// HistoryFetcher loads conversation history pages. *MessagesAPI implements it.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error)
}

var errNoHistory = errors.New("staylink: conversation store has no history source")

// conversationLog is one conversation's messages, unique by id and stably
// sorted by CreatedAt. index maps id to position.
type conversationLog struct {
	messages []Message
	index    map[string]int
}

func newConversationLog() *conversationLog {
	return &conversationLog{index: make(map[string]int)}
}

func (l *conversationLog) reindex() {
	l.index = make(map[string]int, len(l.messages))
	for i, m := range l.messages {
		l.index[m.ID] = i
	}
}

func (l *conversationLog) sort() {
	sort.SliceStable(l.messages, func(i, j int) bool {
		return l.messages[i].CreatedAt.Before(l.messages[j].CreatedAt)
	})
	l.reindex()
}

// merge overwrites an existing entry or appends a new one. A tombstone stays
// deleted even if a late duplicate of the original message arrives.
func (l *conversationLog) merge(msg Message) (inserted bool) {
	if i, ok := l.index[msg.ID]; ok {
		old := l.messages[i]
		if old.Deleted {
			msg.Deleted = true
		}
		l.messages[i] = msg
		if !old.CreatedAt.Equal(msg.CreatedAt) {
			l.sort()
		}
		return false
	}

	l.messages = append(l.messages, msg)
	n := len(l.messages)
	if n > 1 && msg.CreatedAt.Before(l.messages[n-2].CreatedAt) {
		l.sort()
	} else {
		l.index[msg.ID] = n - 1
	}
	return true
}

func (l *conversationLog) newest() time.Time {
	if len(l.messages) == 0 {
		return time.Time{}
	}
	return l.messages[len(l.messages)-1].CreatedAt
}

func (l *conversationLog) oldest() time.Time {
	if len(l.messages) == 0 {
		return time.Time{}
	}
	return l.messages[0].CreatedAt
}

// ConversationStore keeps one ordered, deduplicated message log per
// conversation id.
type ConversationStore struct {
	emitter

	commands MessageCommander
	history  HistoryFetcher
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	mu   sync.Mutex
	logs map[string]*conversationLog
}

// NewConversationStore creates a store. history may be nil, in which case
// Hydrate is unavailable.
func NewConversationStore(commands MessageCommander, history HistoryFetcher, opts ...StoreOption) *ConversationStore {
	cfg := newStoreConfig(opts)
	s := &ConversationStore{
		commands: commands,
		history:  history,
		log:      cfg.log,
		metrics:  cfg.metrics,
		now:      cfg.now,
		logs:     make(map[string]*conversationLog),
	}
	s.emitter.init(cfg.log)
	return s
}

// logFor returns the conversation's log, creating it on first access.
// Callers hold s.mu.
func (s *ConversationStore) logFor(conversationID string) *conversationLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = newConversationLog()
		s.logs[conversationID] = l
	}
	return l
}

// indexOf finds a held message without creating its conversation.
// Callers hold s.mu.
func (s *ConversationStore) indexOf(conversationID, messageID string) (int, bool) {
	l, ok := s.logs[conversationID]
	if !ok {
		return 0, false
	}
	i, ok := l.index[messageID]
	return i, ok
}

// ── Local commands ──

// Send issues sendMessage and waits for the acknowledgment. The acknowledged
// message is merged like any push; on failure nothing is stored.
func (s *ConversationStore) Send(ctx context.Context, conversationID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	msg, err := s.commands.SendMessage(ctx, SendMessageRequest{ConversationID: conversationID, Content: content})
	if err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	s.mergeFrom(*msg, "send")
	out := *msg
	return &out, nil
}

// Edit asks the server to edit a message and applies the edit locally once
// acknowledged. A rejected edit leaves the store untouched.
func (s *ConversationStore) Edit(ctx context.Context, conversationID, messageID, newContent string) error {
	if strings.TrimSpace(newContent) == "" {
		return ErrEmptyContent
	}
	err := s.commands.EditMessage(ctx, EditMessageRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
		NewContent:     newContent,
	})
	if err != nil {
		return err
	}
	s.ApplyEdit(conversationID, messageID, newContent)
	return nil
}

// Delete asks the server to delete a message and tombstones it locally once
// acknowledged.
func (s *ConversationStore) Delete(ctx context.Context, conversationID, messageID string) error {
	err := s.commands.DeleteMessage(ctx, DeleteMessageRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	if err != nil {
		return err
	}
	s.ApplyDelete(conversationID, messageID)
	return nil
}

// Hydrate loads a history page. Page 1 replaces the newest part of the log,
// later pages are merged into it.
func (s *ConversationStore) Hydrate(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	if s.history == nil {
		return nil, errNoHistory
	}
	result, err := s.history.History(ctx, conversationID, page, limit)
	if err != nil {
		return nil, err
	}
	for i := range result.Messages {
		if result.Messages[i].ConversationID == "" {
			result.Messages[i].ConversationID = conversationID
		}
	}
	if page <= 1 {
		s.ReplaceAll(conversationID, result.Messages)
	} else {
		s.MergeAll(conversationID, result.Messages)
	}
	return result, nil
}

// ── Mutations ──

// Merge is the single insertion point for acknowledged sends and pushes.
func (s *ConversationStore) Merge(msg Message) {
	s.mergeFrom(msg, "push")
}

func (s *ConversationStore) mergeFrom(msg Message, source string) {
	s.mu.Lock()
	s.logFor(msg.ConversationID).merge(msg)
	s.mu.Unlock()

	s.metrics.merged(source)
	s.emit(MessageMerged, ConversationChange{ConversationID: msg.ConversationID, MessageID: msg.ID})
}

// MergeAll merges a batch, typically an older history page.
func (s *ConversationStore) MergeAll(conversationID string, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	l := s.logFor(conversationID)
	for _, m := range msgs {
		m.ConversationID = conversationID
		l.merge(m)
	}
	s.mu.Unlock()

	s.emit(ConversationLoaded, ConversationChange{ConversationID: conversationID})
}

// ApplyEdit sets the content and edit time of a held message. It reports
// false, changing nothing, when the message is not held.
func (s *ConversationStore) ApplyEdit(conversationID, messageID, newContent string) bool {
	s.mu.Lock()
	i, ok := s.indexOf(conversationID, messageID)
	if ok {
		l := s.logs[conversationID]
		now := s.now()
		l.messages[i].Content = newContent
		l.messages[i].EditedAt = &now
	}
	s.mu.Unlock()

	if !ok {
		s.stale(MessageEdited, conversationID, messageID)
		return false
	}
	s.emit(MessageEdited, ConversationChange{ConversationID: conversationID, MessageID: messageID})
	return true
}

// ApplyDelete tombstones a held message. The entry keeps its slot and its
// content. Repeating it is a no-op.
func (s *ConversationStore) ApplyDelete(conversationID, messageID string) bool {
	s.mu.Lock()
	i, ok := s.indexOf(conversationID, messageID)
	changed := false
	if ok {
		l := s.logs[conversationID]
		changed = !l.messages[i].Deleted
		l.messages[i].Deleted = true
	}
	s.mu.Unlock()

	if !ok {
		s.stale(MessageDeleted, conversationID, messageID)
		return false
	}
	if changed {
		s.emit(MessageDeleted, ConversationChange{ConversationID: conversationID, MessageID: messageID})
	}
	return true
}

// ReplaceAll installs a REST page as the conversation's log. The page is
// deduplicated by id, last occurrence winning. Held messages outside the
// page's time range are kept: newer ones arrived by push after the page was
// produced, older ones belong to pages loaded earlier. Tombstones are always
// kept.
func (s *ConversationStore) ReplaceAll(conversationID string, msgs []Message) {
	fresh := newConversationLog()
	for _, m := range msgs {
		m.ConversationID = conversationID
		fresh.merge(m)
	}
	from, to := fresh.oldest(), fresh.newest()

	s.mu.Lock()
	if old, ok := s.logs[conversationID]; ok {
		for _, m := range old.messages {
			_, inPage := fresh.index[m.ID]
			if m.Deleted || (!inPage && (m.CreatedAt.Before(from) || m.CreatedAt.After(to))) {
				fresh.merge(m)
			}
		}
	}
	s.logs[conversationID] = fresh
	s.mu.Unlock()

	s.emit(ConversationLoaded, ConversationChange{ConversationID: conversationID})
}

// Forget drops a conversation's log entirely.
func (s *ConversationStore) Forget(conversationID string) {
	s.mu.Lock()
	_, ok := s.logs[conversationID]
	delete(s.logs, conversationID)
	s.mu.Unlock()

	if ok {
		s.emit(ConversationDropped, ConversationChange{ConversationID: conversationID})
	}
}

func (s *ConversationStore) stale(event, conversationID, messageID string) {
	s.metrics.stale(event)
	s.log.Debug("ignoring event for unknown message",
		zap.String("event", event),
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID))
}

// ── Queries ──

// Messages returns a copy of the conversation's log, tombstones included.
func (s *ConversationStore) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	return append([]Message(nil), l.messages...)
}

// Visible returns the conversation's messages without tombstones.
func (s *ConversationStore) Visible(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(l.messages))
	for _, m := range l.messages {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

func (s *ConversationStore) Message(conversationID, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	i, ok := l.index[messageID]
	if !ok {
		return Message{}, false
	}
	return l.messages[i], true
}

func (s *ConversationStore) Len(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[conversationID]; ok {
		return len(l.messages)
	}
	return 0
}

// Conversations lists the ids of conversations with a log, sorted.
func (s *ConversationStore) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
