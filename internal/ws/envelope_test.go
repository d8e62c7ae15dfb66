package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"type":`,
		"unknown type":   `{"type":"gift","payload":{}}`,
		"missing body":   `{"type":"typing"}`,
		"wrong shape":    `{"type":"typing","payload":{"chatId":5}}`,
		"missing chat":   `{"type":"message","payload":{"id":"m1","senderId":"u1"}}`,
		"bad status":     `{"type":"message","payload":{"id":"m1","chatId":"c1","senderId":"u1","status":"lost"}}`,
		"bad content":    `{"type":"message","payload":{"id":"m1","chatId":"c1","senderId":"u1","type":"sticker"}}`,
		"ack without id": `{"type":"message_sent","payload":{"tempId":"tmp-1","message":{"chatId":"c1","senderId":"me"}}}`,
		"anonymous user": `{"type":"online","payload":{}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, raw, string(pe.Raw))
		})
	}
}

func TestDecodeMessageSent(t *testing.T) {
	raw := `{"type":"message_sent","timestamp":1714564800000,"payload":{"tempId":"tmp-1",
		"message":{"id":"m42","clientId":"tmp-1","chatId":"c1","senderId":"me","type":"text","text":"hi",
		"status":"delivered","timestamp":1714564800000,"reactions":{"👍":["u2","me"]}}}}`

	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	p, ok := env.Body.(*MessageSentPayload)
	require.True(t, ok)
	assert.Equal(t, "tmp-1", p.TempID)

	m := p.Message.ToDomain("me", time.Now())
	assert.Equal(t, "m42", m.ID)
	assert.Equal(t, "tmp-1", m.ClientID)
	assert.Equal(t, domain.StatusDelivered, m.Status)
	assert.Equal(t, int64(1714564800000), m.Timestamp.UnixMilli())
	assert.Equal(t, domain.Reaction{Count: 2, Mine: true}, m.Reactions["👍"])
}

func TestToDomainDefaults(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := MessagePayload{ClientID: "tmp-9", ChatID: "c1", SenderID: "u2", Status: "sending"}.ToDomain("me", now)

	assert.Equal(t, "tmp-9", m.ID)
	assert.Equal(t, domain.ContentText, m.Content.Type)
	assert.Equal(t, domain.StatusSent, m.Status)
	assert.True(t, m.Timestamp.Equal(now))
}

func TestMessageFromDomainCarriesMedia(t *testing.T) {
	m := &domain.Message{
		ID:       "tmp-1",
		ChatID:   "c1",
		SenderID: "me",
		Content: domain.Content{Type: domain.ContentVoice, Media: &domain.Media{
			URI: "https://cdn/x.ogg", Duration: 1500 * time.Millisecond,
		}},
		Timestamp: time.UnixMilli(1714564800123),
	}
	p := MessageFromDomain(m)

	assert.Equal(t, "voice", p.Type)
	assert.Equal(t, "sending", p.Status)
	assert.Equal(t, int64(1714564800123), p.Timestamp)
	require.NotNil(t, p.Media)
	assert.Equal(t, int64(1500), p.Media.DurationMs)

	back := p.ToDomain("me", time.Now())
	assert.Equal(t, m.Content.Media.Duration, back.Content.Media.Duration)
}

func TestNewEnvelopeWithoutPayload(t *testing.T) {
	at := time.UnixMilli(42)
	env, err := NewEnvelope(TypePing, nil, at)
	require.NoError(t, err)
	b, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","timestamp":42}`, string(b))

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypePing, back.Type)
}
