package mqrpc

import (
	"strings"
	"time"
)

// Header keys used by transports without native AMQP properties to carry
// them next to user headers.
const (
	HeaderReplyTo       = "mqrpc-reply-to"
	HeaderCorrelationID = "mqrpc-correlation-id"
	HeaderContentType   = "mqrpc-content-type"
	HeaderMessageID     = "mqrpc-message-id"
	HeaderTimestamp     = "mqrpc-timestamp"
	HeaderRoutingKey    = "mqrpc-routing-key"
)

const envelopePrefix = "mqrpc-"

// EncodeHeaders flattens p into one header map. User headers that collide
// with the reserved mqrpc- prefix are overwritten.
func (p Properties) EncodeHeaders() map[string]string {
	h := make(map[string]string, len(p.Headers)+5)
	for k, v := range p.Headers {
		h[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			h[k] = v
		}
	}
	set(HeaderReplyTo, p.ReplyTo)
	set(HeaderCorrelationID, p.CorrelationID)
	set(HeaderContentType, p.ContentType)
	set(HeaderMessageID, p.MessageID)
	if !p.Timestamp.IsZero() {
		h[HeaderTimestamp] = p.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return h
}

// DecodeHeaders is the inverse of EncodeHeaders. Reserved keys the package
// does not know, such as HeaderRoutingKey, are dropped.
func DecodeHeaders(h map[string]string) Properties {
	var p Properties
	for k, v := range h {
		switch k {
		case HeaderReplyTo:
			p.ReplyTo = v
		case HeaderCorrelationID:
			p.CorrelationID = v
		case HeaderContentType:
			p.ContentType = v
		case HeaderMessageID:
			p.MessageID = v
		case HeaderTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				p.Timestamp = ts
			}
		default:
			if strings.HasPrefix(k, envelopePrefix) {
				continue
			}
			if p.Headers == nil {
				p.Headers = make(map[string]string)
			}
			p.Headers[k] = v
		}
	}
	return p
}
