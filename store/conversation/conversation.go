package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

type Type string

const (
	TypeDirect Type = "direct"
)

// MaxMembers is the member cap of a direct conversation.
const MaxMembers = 2

const (
	// PreviewLength is the number of characters of a message body kept in
	// the last-message cache.
	PreviewLength = 100
	// ImagePlaceholder replaces the preview of an image-only message.
	ImagePlaceholder = "📷 Image"
)

// Conversation represents a chat thread between two users.
type Conversation struct {
	ID          string       `json:"id"`
	Type        Type         `json:"type"`
	CreatedBy   string       `json:"created_by"`
	Title       string       `json:"title,omitempty"`
	MemberCount int          `json:"member_count"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// LastMessage is the denormalized cache of the newest message. It is a
// display projection only; the message log is authoritative.
type LastMessage struct {
	ID      string    `json:"id"`
	Preview string    `json:"preview"`
	At      time.Time `json:"at"`
}

// Member is one user's membership in a conversation.
type Member struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

// Summary is a conversation as seen from one of its members.
type Summary struct {
	Conversation
	OtherUserID string     `json:"other_user_id"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
	UnreadCount int        `json:"unread_count"`
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationFull     = errors.New("conversation already has two members")
	ErrAlreadyMember        = errors.New("user is already a member")
	ErrNotMember            = errors.New("user is not a member")
	ErrDuplicatePair        = errors.New("conversation for this pair already exists")
	ErrSamePair             = errors.New("conversation members must be distinct")
)

// Store defines conversation persistence operations.
type Store interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	GetDirectBetween(ctx context.Context, userAID, userBID string) (*Conversation, error)
	// CreateDirect inserts the conversation and both member rows atomically.
	// It fails with ErrDuplicatePair when the pair already has a conversation.
	CreateDirect(ctx context.Context, convo *Conversation, userAID, userBID string) error
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	Members(ctx context.Context, conversationID string) ([]Member, error)
	// AddMember is the only member insert path outside CreateDirect. It
	// rejects a third distinct member with ErrConversationFull.
	AddMember(ctx context.Context, conversationID, userID string) error
	ListForUser(ctx context.Context, userID string) ([]Summary, error)
	UpdateLastMessage(ctx context.Context, conversationID string, last LastMessage) error
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	// ReconcileLastMessages recomputes every stale last-message cache from
	// the message log and reports how many conversations changed.
	ReconcileLastMessages(ctx context.Context) (int64, error)
}

// Pair orders two user ids the way the unique pair constraint stores them.
func Pair(userAID, userBID string) (low, high string) {
	a, b := strings.ToLower(userAID), strings.ToLower(userBID)
	if a < b {
		return a, b
	}
	return b, a
}

// Preview projects a message onto the last-message cache text.
func Preview(body string, hasImage bool) string {
	if body == "" && hasImage {
		return ImagePlaceholder
	}
	if utf8.RuneCountInString(body) <= PreviewLength {
		return body
	}
	return string([]rune(body)[:PreviewLength])
}
