package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/discovery"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/httpclient"
)

type apiResponse[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
	Error  string `json:"error,omitempty"`
}

// RESTStore talks to the message-service HTTP API.
type RESTStore struct {
	client  *httpclient.Client
	disc    discovery.Discovery
	service string
	token   string
	self    string
	log     *zap.SugaredLogger
}

func NewRESTStore(client *httpclient.Client, disc discovery.Discovery, service, token, userID string, log *zap.SugaredLogger) *RESTStore {
	return &RESTStore{
		client:  client,
		disc:    disc,
		service: service,
		token:   token,
		self:    userID,
		log:     log,
	}
}

func (s *RESTStore) endpoint(path string, query url.Values) (string, error) {
	base, err := s.disc.Lookup(s.service)
	if err != nil {
		return "", err
	}
	u := strings.TrimSuffix(base, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

func (s *RESTStore) header() http.Header {
	h := http.Header{}
	if s.token != "" {
		h.Set("Authorization", "Bearer "+s.token)
	}
	return h
}

func (s *RESTStore) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u, err := s.endpoint(path, query)
	if err != nil {
		return err
	}
	return s.client.DoJSON(ctx, method, u, s.header(), in, out)
}

func (s *RESTStore) FetchChatList(ctx context.Context, userID string) ([]*domain.Chat, error) {
	var resp apiResponse[[]chatDoc]
	if err := s.do(ctx, http.MethodGet, "/v1/chats", nil, nil, &resp); err != nil {
		return nil, wrap("fetch chat list", err)
	}
	out := make([]*domain.Chat, 0, len(resp.Data))
	for i := range resp.Data {
		out = append(out, resp.Data[i].toDomain(userID))
	}
	return out, nil
}

func (s *RESTStore) FetchMessages(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var resp apiResponse[[]messageDoc]
	if err := s.do(ctx, http.MethodGet, "/v1/chats/"+url.PathEscape(chatID)+"/messages", q, nil, &resp); err != nil {
		return nil, wrap("fetch messages", err)
	}
	out := make([]*domain.Message, 0, len(resp.Data))
	for i := range resp.Data {
		if resp.Data[i].hiddenFor(s.self) {
			continue
		}
		out = append(out, resp.Data[i].toDomain(s.self))
	}
	return out, nil
}

type sendRequest struct {
	ChatID        string            `json:"chat_id"`
	ClientID      string            `json:"client_id"`
	Content       string            `json:"content"`
	MsgType       string            `json:"msg_type"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	ForwardedFrom string            `json:"forwarded_from,omitempty"`
}

func (s *RESTStore) PersistMessage(ctx context.Context, chatID string, msg *domain.Message) (*domain.Message, error) {
	doc := messageDocFrom(msg)
	req := sendRequest{
		ChatID:        chatID,
		ClientID:      doc.ClientID,
		Content:       doc.Content,
		MsgType:       doc.MsgType,
		Metadata:      doc.Metadata,
		ReplyTo:       doc.ReplyTo,
		ForwardedFrom: doc.ForwardedFrom,
	}
	var resp apiResponse[messageDoc]
	if err := s.do(ctx, http.MethodPost, "/v1/messages", nil, req, &resp); err != nil {
		return nil, wrap("persist message", err)
	}
	if resp.Data.ID == "" {
		return nil, wrap("persist message", errors.New("response without message id"))
	}
	if resp.Data.ClientID == "" {
		resp.Data.ClientID = doc.ClientID
	}
	return resp.Data.toDomain(s.self), nil
}

func (s *RESTStore) MarkRead(ctx context.Context, chatID string) error {
	err := s.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/read", nil, nil, nil)
	return wrap("mark read", err)
}

func (s *RESTStore) DeleteMessage(ctx context.Context, chatID, messageID string, purge bool) error {
	q := url.Values{}
	q.Set("type", "user")
	if purge {
		q.Set("type", "all")
	}
	err := s.do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(messageID), q, nil, nil)
	return wrap("delete message", err)
}

func (s *RESTStore) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	body := map[string]string{"content": text}
	err := s.do(ctx, http.MethodPatch, "/v1/messages/"+url.PathEscape(messageID), nil, body, nil)
	return wrap("edit message", err)
}

func (s *RESTStore) React(ctx context.Context, chatID, messageID, emoji string, add bool) error {
	method := http.MethodPost
	if !add {
		method = http.MethodDelete
	}
	body := map[string]string{"emoji": emoji}
	err := s.do(ctx, method, fmt.Sprintf("/v1/messages/%s/reactions", url.PathEscape(messageID)), nil, body, nil)
	return wrap("react", err)
}
