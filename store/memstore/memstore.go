// Package memstore is an in-process implementation of the conversation,
// message and user stores sharing one state, for development and tests.
// It enforces the same invariants as the relational schema.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-im/courier/store/conversation"
	"github.com/nexus-im/courier/store/message"
	"github.com/nexus-im/courier/store/user"
)

// DB holds the shared state.
type DB struct {
	mu            sync.RWMutex
	users         map[string]user.User
	conversations map[string]*conversation.Conversation
	pairs         map[[2]string]string
	members       map[string]map[string]*conversation.Member
	messages      map[string][]message.Message
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		users:         make(map[string]user.User),
		conversations: make(map[string]*conversation.Conversation),
		pairs:         make(map[[2]string]string),
		members:       make(map[string]map[string]*conversation.Member),
		messages:      make(map[string][]message.Message),
	}
}

// Conversations returns a conversation.Store over db.
func (db *DB) Conversations() *ConversationStore { return &ConversationStore{db: db} }

// Messages returns a message.Store over db.
func (db *DB) Messages() *MessageStore { return &MessageStore{db: db} }

// Users returns a user.Store over db.
func (db *DB) Users() *UserStore { return &UserStore{db: db} }

// AddUser inserts a profile, assigning an id when u has none.
func (db *DB) AddUser(u user.User) user.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	db.users[u.ID] = u
	return u
}

// ConversationStore implements conversation.Store.
type ConversationStore struct{ db *DB }

var _ conversation.Store = (*ConversationStore)(nil)

func (s *ConversationStore) Get(_ context.Context, id string) (*conversation.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	c, ok := s.db.conversations[id]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

func (s *ConversationStore) GetDirectBetween(_ context.Context, userAID, userBID string) (*conversation.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var found *conversation.Conversation
	for id, members := range s.db.members {
		_, hasA := members[userAID]
		_, hasB := members[userBID]
		if !hasA || !hasB {
			continue
		}
		c := s.db.conversations[id]
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, conversation.ErrConversationNotFound
	}
	return cloneConversation(found), nil
}

func (s *ConversationStore) CreateDirect(_ context.Context, convo *conversation.Conversation, userAID, userBID string) error {
	low, high := conversation.Pair(userAID, userBID)
	if low == high {
		return conversation.ErrSamePair
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	key := [2]string{low, high}
	if _, ok := s.db.pairs[key]; ok {
		return conversation.ErrDuplicatePair
	}

	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = time.Now().UTC()
	}
	convo.ID = uuid.NewString()
	convo.Type = conversation.TypeDirect
	convo.UpdatedAt = convo.CreatedAt
	convo.MemberCount = conversation.MaxMembers

	s.db.conversations[convo.ID] = cloneConversation(convo)
	s.db.pairs[key] = convo.ID
	s.db.members[convo.ID] = map[string]*conversation.Member{
		userAID: {ConversationID: convo.ID, UserID: userAID, JoinedAt: convo.CreatedAt},
		userBID: {ConversationID: convo.ID, UserID: userBID, JoinedAt: convo.CreatedAt},
	}
	return nil
}

func (s *ConversationStore) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	_, ok := s.db.members[conversationID][userID]
	return ok, nil
}

func (s *ConversationStore) Members(_ context.Context, conversationID string) ([]conversation.Member, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	members := make([]conversation.Member, 0, len(s.db.members[conversationID]))
	for _, m := range s.db.members[conversationID] {
		members = append(members, *m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (s *ConversationStore) AddMember(_ context.Context, conversationID, userID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.conversations[conversationID]
	if !ok {
		return conversation.ErrConversationNotFound
	}
	members := s.db.members[conversationID]
	if _, ok := members[userID]; ok {
		return conversation.ErrAlreadyMember
	}
	if c.MemberCount >= conversation.MaxMembers {
		return conversation.ErrConversationFull
	}
	if members == nil {
		members = make(map[string]*conversation.Member)
		s.db.members[conversationID] = members
	}
	members[userID] = &conversation.Member{ConversationID: conversationID, UserID: userID, JoinedAt: time.Now().UTC()}
	c.MemberCount++
	return nil
}

func (s *ConversationStore) ListForUser(_ context.Context, userID string) ([]conversation.Summary, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var summaries []conversation.Summary
	for id, members := range s.db.members {
		me, ok := members[userID]
		if !ok {
			continue
		}
		sum := conversation.Summary{Conversation: *cloneConversation(s.db.conversations[id])}
		for uid := range members {
			if uid != userID {
				sum.OtherUserID = uid
			}
		}
		if me.LastReadAt != nil {
			t := *me.LastReadAt
			sum.LastReadAt = &t
		}
		for _, msg := range s.db.messages[id] {
			if msg.SenderID != userID && (me.LastReadAt == nil || msg.CreatedAt.After(*me.LastReadAt)) {
				sum.UnreadCount++
			}
		}
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i].LastMessage, summaries[j].LastMessage
		switch {
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		case a != nil && b != nil && !a.At.Equal(b.At):
			return a.At.After(b.At)
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

func (s *ConversationStore) UpdateLastMessage(_ context.Context, conversationID string, last conversation.LastMessage) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.conversations[conversationID]
	if !ok {
		return nil
	}
	if c.LastMessage != nil && c.LastMessage.At.After(last.At) {
		return nil
	}
	l := last
	c.LastMessage = &l
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *ConversationStore) MarkRead(_ context.Context, conversationID, userID string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	m, ok := s.db.members[conversationID][userID]
	if !ok {
		return conversation.ErrNotMember
	}
	t := at
	m.LastReadAt = &t
	return nil
}

func (s *ConversationStore) ReconcileLastMessages(_ context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var changed int64
	for id, msgs := range s.db.messages {
		if len(msgs) == 0 {
			continue
		}
		newest := msgs[len(msgs)-1]
		c := s.db.conversations[id]
		if c == nil || (c.LastMessage != nil && c.LastMessage.ID == newest.ID) {
			continue
		}
		c.LastMessage = &conversation.LastMessage{
			ID:      newest.ID,
			Preview: conversation.Preview(newest.Body, newest.Image != nil),
			At:      newest.CreatedAt,
		}
		c.UpdatedAt = time.Now().UTC()
		changed++
	}
	return changed, nil
}

func cloneConversation(c *conversation.Conversation) *conversation.Conversation {
	out := *c
	if c.LastMessage != nil {
		l := *c.LastMessage
		out.LastMessage = &l
	}
	return &out
}

// MessageStore implements message.Store.
type MessageStore struct{ db *DB }

var _ message.Store = (*MessageStore)(nil)

func (s *MessageStore) Create(_ context.Context, msg *message.Message) error {
	if msg.Body == "" && msg.Image == nil {
		return message.ErrEmptyMessage
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.conversations[msg.ConversationID]; !ok {
		return conversation.ErrConversationNotFound
	}

	stored := *msg
	if msg.Image != nil {
		img := *msg.Image
		stored.Image = &img
	}

	log := s.db.messages[msg.ConversationID]
	cur := stored.Cursor()
	i := sort.Search(len(log), func(i int) bool { return cur.Before(log[i].Cursor()) })
	log = append(log, message.Message{})
	copy(log[i+1:], log[i:])
	log[i] = stored
	s.db.messages[msg.ConversationID] = log
	return nil
}

func (s *MessageStore) Get(_ context.Context, conversationID, id string) (*message.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	for _, m := range s.db.messages[conversationID] {
		if m.ID == id {
			out := m
			return &out, nil
		}
	}
	return nil, message.ErrMessageNotFound
}

func (s *MessageStore) ListAfter(_ context.Context, conversationID string, after message.Cursor, limit int) ([]message.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	log := s.db.messages[conversationID]
	i := sort.Search(len(log), func(i int) bool { return after.Before(log[i].Cursor()) })
	end := len(log)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	return copyMessages(log[i:end]), nil
}

func (s *MessageStore) ListBefore(_ context.Context, conversationID string, before message.Cursor, limit int) ([]message.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	log := s.db.messages[conversationID]
	end := sort.Search(len(log), func(i int) bool { return !log[i].Cursor().Before(before) })
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return copyMessages(log[start:end]), nil
}

func (s *MessageStore) ListLatest(_ context.Context, conversationID string, limit int) ([]message.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	log := s.db.messages[conversationID]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}
	return copyMessages(log[start:]), nil
}

func (s *MessageStore) Count(_ context.Context, conversationID string) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return len(s.db.messages[conversationID]), nil
}

func copyMessages(in []message.Message) []message.Message {
	out := make([]message.Message, len(in))
	copy(out, in)
	return out
}

// UserStore implements user.Store.
type UserStore struct{ db *DB }

var _ user.Store = (*UserStore)(nil)

func (s *UserStore) GetByID(_ context.Context, id string) (*user.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return &u, nil
}

func (s *UserStore) GetByUsername(_ context.Context, username string) (*user.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, u := range s.db.users {
		if u.Username == username {
			out := u
			return &out, nil
		}
	}
	return nil, user.ErrUserNotFound
}

func (s *UserStore) Search(_ context.Context, query, excludeID string, limit int) ([]user.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	q := strings.ToLower(query)
	users := []user.User{}
	for _, u := range s.db.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.DisplayName), q) {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}
