package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nexus-im/courier/internal/attachment"
	"github.com/nexus-im/courier/internal/auth"
	"github.com/nexus-im/courier/internal/messaging"
)

type conversationParams struct {
	ID string `validate:"required,uuid"`
}

type sendRequest struct {
	Message string `json:"message" form:"message"`
}

type searchParams struct {
	Query string `query:"q" validate:"max=100"`
}

// conversationID returns the :id path parameter, or a not-found error when
// it cannot name a conversation.
func (s *Server) conversationID(c *fiber.Ctx) (string, error) {
	p := conversationParams{ID: c.Params("id")}
	if err := s.validate.Struct(p); err != nil {
		return "", fmt.Errorf("%w: conversation", messaging.ErrNotFound)
	}
	return p.ID, nil
}

// location resolves the caller's display time zone from the tz query
// parameter or the X-Time-Zone header. Unknown zones fall back to the
// service default.
func location(c *fiber.Ctx) *time.Location {
	name := c.Query("tz")
	if name == "" {
		name = c.Get("X-Time-Zone")
	}
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil
	}
	return loc
}

func (s *Server) handleStartConversation(c *fiber.Ctx) error {
	res, err := s.svc.ResolveByUsername(c.UserContext(), auth.UserID(c), c.Params("username"))
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if res.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(res)
}

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	views, err := s.svc.ListConversations(c.UserContext(), auth.UserID(c), location(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversations": views})
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	convID, err := s.conversationID(c)
	if err != nil {
		return err
	}

	in := messaging.SendInput{
		ConversationID: convID,
		SenderID:       auth.UserID(c),
		Location:       location(c),
	}

	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		in.Body = c.FormValue("message")
		up, err := readImage(c)
		if err != nil {
			return err
		}
		in.Image = up
	} else {
		var req sendRequest
		if err := c.BodyParser(&req); err != nil {
			return fmt.Errorf("%w: malformed request body", messaging.ErrInvalidArgument)
		}
		in.Body = req.Message
	}

	view, err := s.svc.Send(c.UserContext(), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(view)
}

// readImage returns the optional "image" form file.
func readImage(c *fiber.Ctx) (*attachment.Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed multipart body", messaging.ErrInvalidArgument)
	}
	files := form.File["image"]
	if len(files) == 0 {
		return nil, nil
	}
	fh := files[0]
	if fh.Size > attachment.MaxImageSize {
		return nil, fmt.Errorf("%w: %s", messaging.ErrInvalidArgument, attachment.ErrTooLarge)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, attachment.MaxImageSize+1))
	if err != nil {
		return nil, err
	}

	ct := fh.Header.Get(fiber.HeaderContentType)
	if ct == "" || ct == fiber.MIMEOctetStream {
		ct = http.DetectContentType(data)
	}
	return &attachment.Upload{Filename: fh.Filename, ContentType: ct, Data: data}, nil
}

func (s *Server) handlePoll(c *fiber.Ctx) error {
	convID, err := s.conversationID(c)
	if err != nil {
		return err
	}
	msgs, err := s.svc.Poll(c.UserContext(), messaging.PollInput{
		ConversationID: convID,
		CallerID:       auth.UserID(c),
		SinceID:        c.Query("last_msg_id"),
		Location:       location(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	convID, err := s.conversationID(c)
	if err != nil {
		return err
	}
	msgs, err := s.svc.History(c.UserContext(), messaging.HistoryInput{
		ConversationID: convID,
		CallerID:       auth.UserID(c),
		BeforeID:       c.Query("before"),
		Location:       location(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	convID, err := s.conversationID(c)
	if err != nil {
		return err
	}
	if err := s.svc.MarkRead(c.UserContext(), convID, auth.UserID(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSearchUsers(c *fiber.Ctx) error {
	var p searchParams
	if err := c.QueryParser(&p); err != nil {
		return fmt.Errorf("%w: malformed query", messaging.ErrInvalidArgument)
	}
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: query too long", messaging.ErrInvalidArgument)
	}
	users, err := s.svc.SearchUsers(c.UserContext(), auth.UserID(c), p.Query)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"users": users})
}
