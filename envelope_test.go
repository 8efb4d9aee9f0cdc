package mqrpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvelope_Headers(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)
	p := Properties{
		ReplyTo:       "amq.gen-1",
		CorrelationID: "c-1",
		ContentType:   "application/json",
		MessageID:     "m-1",
		Timestamp:     ts,
		Headers:       map[string]string{"tenant": "acme", HeaderReplyTo: "spoofed"},
	}

	h := p.EncodeHeaders()
	assert.Equal(t, "amq.gen-1", h[HeaderReplyTo], "reserved keys win over user headers")
	assert.Equal(t, "acme", h["tenant"])

	h[HeaderRoutingKey] = "rpc.ping"
	got := DecodeHeaders(h)
	assert.Equal(t, "amq.gen-1", got.ReplyTo)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.Equal(t, "application/json", got.ContentType)
	assert.Equal(t, "m-1", got.MessageID)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, map[string]string{"tenant": "acme"}, got.Headers)
}

func TestEnvelope_Empty(t *testing.T) {
	assert.Empty(t, Properties{}.EncodeHeaders())

	got := DecodeHeaders(map[string]string{HeaderTimestamp: "yesterday"})
	assert.True(t, got.Timestamp.IsZero())
	assert.Nil(t, got.Headers)
}
