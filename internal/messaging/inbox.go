package messaging

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nexus-im/courier/store/conversation"
)

// ListConversations returns every conversation userID belongs to, most
// recently active first. Conversations without messages sort last.
func (s *Service) ListConversations(ctx context.Context, userID string, loc *time.Location) ([]ConversationView, error) {
	summaries, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	loc = s.location(loc)
	p := s.newProfiles()
	views := make([]ConversationView, 0, len(summaries))
	for _, sum := range summaries {
		v := ConversationView{
			ID:          sum.ID,
			UnreadCount: sum.UnreadCount,
			CreatedAt:   sum.CreatedAt.UTC(),
		}
		if sum.OtherUserID != "" {
			v.OtherUser = s.userView(p.get(ctx, sum.OtherUserID))
		}
		if last := sum.LastMessage; last != nil {
			v.LastMessagePreview = strPtr(html.EscapeString(last.Preview))
			v.LastMessageAt = strPtr(last.At.In(loc).Format(DisplayTimeLayout))
			at := last.At.UTC()
			v.LastMessageTime = &at
		}
		views = append(views, v)
	}
	return views, nil
}

// MarkRead records that userID has read the conversation up to now.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) error {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	err := s.conversations.MarkRead(ctx, conversationID, userID, s.timestamp())
	if errors.Is(err, conversation.ErrNotMember) {
		return ErrUnauthorized
	}
	return err
}

// SearchUsers finds users by username or display name, excluding the
// caller. A blank query matches nothing.
func (s *Service) SearchUsers(ctx context.Context, callerID, query string) ([]UserView, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []UserView{}, nil
	}
	if utf8.RuneCountInString(query) > MaxSearchLength {
		return nil, fmt.Errorf("%w: query too long", ErrInvalidArgument)
	}

	users, err := s.users.Search(ctx, query, callerID, SearchLimit)
	if err != nil {
		return nil, err
	}
	views := make([]UserView, 0, len(users))
	for i := range users {
		views = append(views, *s.userView(&users[i]))
	}
	return views, nil
}
