package messaging

import (
	"context"
	"errors"
	"html"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nexus-im/courier/store/message"
	"github.com/nexus-im/courier/store/user"
)

// DisplayTimeLayout formats timestamps at minute granularity.
const DisplayTimeLayout = "2006-01-02 15:04"

// MessageView is a message enriched for display to one caller.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Sender         string    `json:"sender"`
	SenderName     string    `json:"sender_name"`
	SenderInitial  string    `json:"sender_initial"`
	SenderAvatar   *string   `json:"sender_avatar"`
	IsSelf         bool      `json:"is_self"`
	Body           string    `json:"body"`
	ImageURL       *string   `json:"image_url"`
	ThumbnailURL   *string   `json:"thumbnail_url"`
	CreatedAt      string    `json:"created_at"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserView is a user profile for display.
type UserView struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	Initial     string  `json:"initial"`
	Avatar      *string `json:"avatar"`
}

// ConversationView is one entry of a user's conversation list.
type ConversationView struct {
	ID                 string     `json:"id"`
	OtherUser          *UserView  `json:"other_user"`
	LastMessagePreview *string    `json:"last_message_preview"`
	LastMessageAt      *string    `json:"last_message_at"`
	LastMessageTime    *time.Time `json:"last_message_timestamp"`
	UnreadCount        int        `json:"unread_count"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Initial is the first character of name, or "U" when name is empty.
func Initial(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 || r == utf8.RuneError {
		return "U"
	}
	return string(r)
}

// profiles memoizes profile lookups for the duration of one request.
type profiles struct {
	s     *Service
	cache map[string]*user.User
}

func (s *Service) newProfiles() *profiles {
	return &profiles{s: s, cache: make(map[string]*user.User)}
}

// get returns the profile of id, or an empty profile when the lookup
// fails: display fields then fall back to their defaults.
func (p *profiles) get(ctx context.Context, id string) *user.User {
	if u, ok := p.cache[id]; ok {
		return u
	}
	u, err := p.s.users.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, user.ErrUserNotFound) {
			p.s.log.Warn("profile lookup failed", zap.String("user_id", id), zap.Error(err))
		}
		u = &user.User{ID: id}
	}
	p.cache[id] = u
	return u
}

func (s *Service) avatar(u *user.User) *string {
	switch {
	case u.AvatarURL != "":
		return strPtr(u.AvatarURL)
	case s.defaultAvatar != "":
		return strPtr(s.defaultAvatar)
	}
	return nil
}

func (s *Service) userView(u *user.User) *UserView {
	return &UserView{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.Name(),
		Initial:     Initial(u.Name()),
		Avatar:      s.avatar(u),
	}
}

func (s *Service) messageView(ctx context.Context, p *profiles, m *message.Message, callerID string, loc *time.Location) MessageView {
	sender := p.get(ctx, m.SenderID)
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Sender:         sender.Username,
		SenderName:     sender.Name(),
		SenderInitial:  Initial(sender.Name()),
		SenderAvatar:   s.avatar(sender),
		IsSelf:         m.SenderID == callerID,
		Body:           html.EscapeString(m.Body),
		CreatedAt:      m.CreatedAt.In(loc).Format(DisplayTimeLayout),
		Timestamp:      m.CreatedAt.UTC(),
	}
	if m.Image != nil {
		v.ImageURL = strPtr(m.Image.URL)
		if m.Image.ThumbnailURL != "" {
			v.ThumbnailURL = strPtr(m.Image.ThumbnailURL)
		}
	}
	return v
}

func (s *Service) messageViews(ctx context.Context, msgs []message.Message, callerID string, loc *time.Location) []MessageView {
	p := s.newProfiles()
	views := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, s.messageView(ctx, p, &msgs[i], callerID, loc))
	}
	return views
}

func strPtr(s string) *string { return &s }
