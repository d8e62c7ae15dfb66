package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/service"
	"github.com/fathima-sithara/chat-sync/internal/ws"
)

// Engine is the part of *service.ChatManager the bridge exposes.
type Engine interface {
	GetSortedChatList() []*domain.Chat
	GetChat(chatID string) (*domain.Chat, bool)
	LoadMessages(ctx context.Context, chatID string, count, offset int) ([]*domain.Message, error)
	SendText(chatID, text string, opts ...service.SendOption) (*domain.Message, error)
	MarkChatRead(chatID string) error
	SetActiveChat(chatID string) error
	SendTyping(chatID string) error
	RetryMessage(chatID, messageID string) (*domain.Message, error)
	ConnectionState() ws.State
	LocalUser() (*domain.User, bool)
	Subscribe(h events.Handler) func()
}

// NewServer builds the local observer bridge: a small REST surface over the
// engine plus a websocket that streams engine events.
func NewServer(engine Engine, log *zap.SugaredLogger) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New())
	h := NewHandlers(engine, log)

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/v1")
	api.Get("/health", h.health)
	api.Get("/chats", h.listChats)
	api.Get("/chats/:chat_id", h.getChat)
	api.Get("/chats/:chat_id/messages", h.listMessages)
	api.Post("/chats/:chat_id/messages", h.sendMessage)
	api.Post("/chats/:chat_id/read", h.markRead)
	api.Post("/chats/:chat_id/typing", h.typing)
	api.Post("/chats/:chat_id/messages/:msg_id/retry", h.retry)
	api.Put("/active", h.setActive)

	api.Get("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(h.stream))

	return app
}
