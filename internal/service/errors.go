package service

import "errors"

var (
	ErrNotInitialized   = errors.New("chat manager not initialized")
	ErrChatNotFound     = errors.New("chat not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrInvalidOperation = errors.New("invalid operation")
)

// RemoteError is an error frame the server sent for one of our messages.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return "server rejected message: " + e.Code + " " + e.Message
}
