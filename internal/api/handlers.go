package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/service"
)

const streamBuffer = 256

type Handlers struct {
	engine Engine
	log    *zap.SugaredLogger
}

func NewHandlers(engine Engine, log *zap.SugaredLogger) *Handlers {
	return &Handlers{engine: engine, log: log}
}

func fail(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrChatNotFound), errors.Is(err, service.ErrMessageNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, service.ErrInvalidOperation):
		code = fiber.StatusBadRequest
	case errors.Is(err, service.ErrNotInitialized):
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (h *Handlers) health(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok", "connection": h.engine.ConnectionState().String()}
	if u, ok := h.engine.LocalUser(); ok {
		resp["user_id"] = u.ID
	}
	return c.JSON(resp)
}

func (h *Handlers) listChats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "data": h.engine.GetSortedChatList()})
}

func (h *Handlers) getChat(c *fiber.Ctx) error {
	chat, ok := h.engine.GetChat(c.Params("chat_id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "chat not found"})
	}
	return c.JSON(fiber.Map{"status": "ok", "data": chat})
}

func (h *Handlers) listMessages(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "0"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
	}
	offset, err := strconv.Atoi(c.Query("offset", "0"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid offset"})
	}
	msgs, err := h.engine.LoadMessages(c.UserContext(), c.Params("chat_id"), limit, offset)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "data": msgs})
}

func (h *Handlers) sendMessage(c *fiber.Ctx) error {
	var req struct {
		Text          string `json:"text" validate:"required,max=4096"`
		ReplyTo       string `json:"reply_to" validate:"max=128"`
		ForwardedFrom string `json:"forwarded_from" validate:"max=128"`
	}
	if ok, err := bind(c, &req); !ok {
		return err
	}
	var opts []service.SendOption
	if req.ReplyTo != "" {
		opts = append(opts, service.WithReplyTo(req.ReplyTo))
	}
	if req.ForwardedFrom != "" {
		opts = append(opts, service.WithForwardedFrom(req.ForwardedFrom))
	}
	msg, err := h.engine.SendText(c.Params("chat_id"), req.Text, opts...)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "data": msg})
}

func (h *Handlers) markRead(c *fiber.Ctx) error {
	chatID := c.Params("chat_id")
	if err := h.engine.MarkChatRead(chatID); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "chat_id": chatID})
}

func (h *Handlers) typing(c *fiber.Ctx) error {
	if err := h.engine.SendTyping(c.Params("chat_id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) retry(c *fiber.Ctx) error {
	msg, err := h.engine.RetryMessage(c.Params("chat_id"), c.Params("msg_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "data": msg})
}

func (h *Handlers) setActive(c *fiber.Ctx) error {
	var req struct {
		ChatID string `json:"chat_id" validate:"max=128"`
	}
	if ok, err := bind(c, &req); !ok {
		return err
	}
	if err := h.engine.SetActiveChat(req.ChatID); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "chat_id": req.ChatID})
}

// stream forwards engine events to one websocket observer. A slow observer
// loses events rather than stalling delivery to the others.
func (h *Handlers) stream(conn *websocket.Conn) {
	ch := make(chan events.Event, streamBuffer)
	unsub := h.engine.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			h.log.Warnw("event stream observer too slow, dropping event", "type", e.Type)
		}
	})
	defer unsub()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debugw("event stream write failed", "err", err)
				return
			}
		case <-closed:
			return
		}
	}
}
