// Package messaging implements the two-party messaging core: conversation
// resolution, message ingest, cursor-based delivery for long-polling
// clients, and the per-user conversation list.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexus-im/courier/internal/attachment"
	"github.com/nexus-im/courier/internal/events"
	"github.com/nexus-im/courier/store/conversation"
	"github.com/nexus-im/courier/store/message"
	"github.com/nexus-im/courier/store/user"
)

const (
	// DefaultPollLimit bounds one poll response.
	DefaultPollLimit = 200
	// HistoryPageSize is the fixed page size of backward pagination.
	HistoryPageSize = 50
	// MaxBodyLength is the longest accepted message body, in characters.
	MaxBodyLength = 4000
	// SearchLimit bounds user search results.
	SearchLimit = 20
	// MaxSearchLength is the longest accepted search query, in characters.
	MaxSearchLength = 100
)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	PollLimit int
	// Location is the display time zone when a request names none.
	Location *time.Location
	// DefaultAvatarURL is shown for users without an avatar; empty means null.
	DefaultAvatarURL string
	Events           events.Publisher
	Logger           *zap.Logger
	Now              func() time.Time
}

// Service is the messaging core. It is safe for concurrent use; it holds
// no per-client state between requests.
type Service struct {
	conversations conversation.Store
	messages      message.Store
	users         user.Store
	saver         *attachment.Saver
	events        events.Publisher
	log           *zap.Logger
	now           func() time.Time
	pollLimit     int
	loc           *time.Location
	defaultAvatar string
}

// New creates a Service.
func New(conversations conversation.Store, messages message.Store, users user.Store, saver *attachment.Saver, opts Options) *Service {
	s := &Service{
		conversations: conversations,
		messages:      messages,
		users:         users,
		saver:         saver,
		events:        opts.Events,
		log:           opts.Logger,
		now:           opts.Now,
		pollLimit:     opts.PollLimit,
		loc:           opts.Location,
		defaultAvatar: opts.DefaultAvatarURL,
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.pollLimit <= 0 {
		s.pollLimit = DefaultPollLimit
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s
}

// authorize resolves the caller's access to a conversation: nil for a
// member, ErrUnauthorized for a non-member, ErrNotFound when the
// conversation does not exist.
func (s *Service) authorize(ctx context.Context, conversationID, userID string) error {
	if !validID(conversationID) {
		return fmt.Errorf("%w: conversation", ErrNotFound)
	}

	ok, err := s.conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if _, err := s.conversations.Get(ctx, conversationID); err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return fmt.Errorf("%w: conversation", ErrNotFound)
		}
		return err
	}
	return ErrUnauthorized
}

func (s *Service) location(loc *time.Location) *time.Location {
	if loc == nil {
		return s.loc
	}
	return loc
}

// timestamp returns the server time at the storage layer's resolution.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
