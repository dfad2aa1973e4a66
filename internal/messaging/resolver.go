package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nexus-im/courier/store/conversation"
	"github.com/nexus-im/courier/store/user"
)

// Resolution is the outcome of find-or-create.
type Resolution struct {
	ConversationID string `json:"conversation_id"`
	Created        bool   `json:"created"`
}

// ResolveByUsername finds or creates the direct conversation between the
// requester and the user named targetUsername.
func (s *Service) ResolveByUsername(ctx context.Context, requesterID, targetUsername string) (Resolution, error) {
	targetUsername = strings.TrimPrefix(strings.TrimSpace(targetUsername), "@")
	if targetUsername == "" {
		return Resolution{}, fmt.Errorf("%w: username is required", ErrInvalidArgument)
	}

	target, err := s.users.GetByUsername(ctx, targetUsername)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return Resolution{}, fmt.Errorf("%w: user %q", ErrNotFound, targetUsername)
		}
		return Resolution{}, err
	}
	return s.findOrCreate(ctx, requesterID, target.ID)
}

// FindOrCreate returns the direct conversation between requesterID and
// targetID, creating it with exactly those two members when none exists.
func (s *Service) FindOrCreate(ctx context.Context, requesterID, targetID string) (Resolution, error) {
	if isSelf(requesterID, targetID) {
		return Resolution{}, fmt.Errorf("%w: cannot chat with self", ErrInvalidOperation)
	}
	if _, err := s.users.GetByID(ctx, targetID); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return Resolution{}, fmt.Errorf("%w: user", ErrNotFound)
		}
		return Resolution{}, err
	}
	return s.findOrCreate(ctx, requesterID, targetID)
}

func (s *Service) findOrCreate(ctx context.Context, requesterID, targetID string) (Resolution, error) {
	if isSelf(requesterID, targetID) {
		return Resolution{}, fmt.Errorf("%w: cannot chat with self", ErrInvalidOperation)
	}

	existing, err := s.conversations.GetDirectBetween(ctx, requesterID, targetID)
	if err == nil {
		return Resolution{ConversationID: existing.ID}, nil
	}
	if !errors.Is(err, conversation.ErrConversationNotFound) {
		return Resolution{}, err
	}

	convo := &conversation.Conversation{
		CreatedBy: requesterID,
		CreatedAt: s.timestamp(),
	}
	err = s.conversations.CreateDirect(ctx, convo, requesterID, targetID)
	switch {
	case err == nil:
		s.log.Info("conversation created",
			zap.String("conversation_id", convo.ID),
			zap.String("created_by", requesterID),
		)
		return Resolution{ConversationID: convo.ID, Created: true}, nil

	case errors.Is(err, conversation.ErrDuplicatePair):
		// A concurrent request created it first.
		existing, err := s.conversations.GetDirectBetween(ctx, requesterID, targetID)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{ConversationID: existing.ID}, nil

	case errors.Is(err, conversation.ErrSamePair):
		return Resolution{}, fmt.Errorf("%w: cannot chat with self", ErrInvalidOperation)
	}
	return Resolution{}, err
}

func isSelf(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
