package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the server-side history of chats and messages.
type Store interface {
	FetchChatList(ctx context.Context, userID string) ([]*domain.Chat, error)
	// FetchMessages returns one page, newest first.
	FetchMessages(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error)
	// PersistMessage stores msg and returns the stored representation carrying
	// the server id. msg.ClientID makes the call idempotent.
	PersistMessage(ctx context.Context, chatID string, msg *domain.Message) (*domain.Message, error)
	MarkRead(ctx context.Context, chatID string) error
	DeleteMessage(ctx context.Context, chatID, messageID string, purge bool) error
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	React(ctx context.Context, chatID, messageID, emoji string, add bool) error
}

// PersistenceError wraps any failure of a Store call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
