package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nexus-im/courier/internal/attachment"
	"github.com/nexus-im/courier/internal/events"
	"github.com/nexus-im/courier/store/conversation"
	"github.com/nexus-im/courier/store/message"
)

// SendInput is a message submitted by a conversation member.
type SendInput struct {
	ConversationID string
	SenderID       string
	Body           string
	Image          *attachment.Upload
	// Location formats the echoed timestamp; nil uses the service default.
	Location *time.Location
}

// Send validates and appends a message, then refreshes the conversation's
// last-message cache before returning.
func (s *Service) Send(ctx context.Context, in SendInput) (*MessageView, error) {
	if err := s.authorize(ctx, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}

	body := strings.TrimSpace(in.Body)
	if body == "" && in.Image == nil {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return nil, fmt.Errorf("%w: message too long", ErrInvalidArgument)
	}
	if in.Image != nil {
		if err := in.Image.Validate(); err != nil {
			return nil, attachmentError(err)
		}
	}

	var img *message.Image
	if in.Image != nil {
		saved, err := s.saver.Save(ctx, in.ConversationID, in.Image)
		if err != nil {
			return nil, attachmentError(err)
		}
		img = saved
	}

	// The log position is taken only once the upload is done, so a slow
	// blob store cannot place the message behind a cursor another member
	// has already advanced past.
	id, err := message.NewID()
	if err != nil {
		return nil, err
	}
	msg := &message.Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           body,
		Image:          img,
		CreatedAt:      s.timestamp(),
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	last := conversation.LastMessage{
		ID:      msg.ID,
		Preview: conversation.Preview(msg.Body, msg.Image != nil),
		At:      msg.CreatedAt,
	}
	// The message is stored; a failed cache write is repaired by
	// reconciliation rather than failing the send.
	if err := s.conversations.UpdateLastMessage(ctx, in.ConversationID, last); err != nil {
		s.log.Error("update last message cache",
			zap.String("conversation_id", in.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}

	s.publish(ctx, msg, last.Preview)

	view := s.messageView(ctx, s.newProfiles(), msg, in.SenderID, s.location(in.Location))
	return &view, nil
}

func (s *Service) publish(ctx context.Context, msg *message.Message, preview string) {
	members, err := s.conversations.Members(ctx, msg.ConversationID)
	if err != nil {
		s.log.Warn("list members for event", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return
	}

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID != msg.SenderID {
			recipients = append(recipients, m.UserID)
		}
	}

	ev := events.MessageSent{
		Type:           events.TypeMessageSent,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		RecipientIDs:   recipients,
		Preview:        preview,
		HasImage:       msg.Image != nil,
		CreatedAt:      msg.CreatedAt,
	}
	if err := s.events.PublishMessageSent(ctx, ev); err != nil {
		s.log.Warn("publish message.sent",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func attachmentError(err error) error {
	switch {
	case errors.Is(err, attachment.ErrUnsupportedType),
		errors.Is(err, attachment.ErrTooLarge),
		errors.Is(err, attachment.ErrEmpty),
		errors.Is(err, attachment.ErrCorrupt):
		return fmt.Errorf("%w: %s", ErrInvalidArgument, err.Error())
	}
	return err
}
