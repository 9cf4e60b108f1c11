package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/chatrelay/internal/session"
)

var ErrUnsupportedEventShape = errors.New("ingest: unsupported event shape")

const inboundSchemaURL = "chatrelay://schemas/inbound-message.json"

const inboundSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["msgId", "threadId", "threadType", "msgType", "content"],
	"properties": {
		"msgId": {"type": "string", "minLength": 1},
		"threadId": {"type": "string", "minLength": 1},
		"threadType": {"enum": ["user", "group"]},
		"isSelf": {"type": "boolean"},
		"senderId": {"type": "string"},
		"senderName": {"type": "string"},
		"msgType": {"type": "string"},
		"content": {"type": "string"},
		"ts": {"type": "integer", "minimum": 0}
	}
}`

type inboundEvent struct {
	MsgID      string `json:"msgId"`
	ThreadID   string `json:"threadId"`
	ThreadType string `json:"threadType"`
	IsSelf     bool   `json:"isSelf"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	MsgType    string `json:"msgType"`
	Content    string `json:"content"`
	TS         int64  `json:"ts"`
}

// Normalizer validates raw inbound events and maps text messages onto
// session.InboundMessage. Anything else is ErrUnsupportedEventShape.
type Normalizer struct {
	schema *jsonschema.Schema
}

func NewNormalizer() (*Normalizer, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(inboundSchemaURL, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(inboundSchemaURL)
	if err != nil {
		return nil, err
	}
	return &Normalizer{schema: schema}, nil
}

func (n *Normalizer) Normalize(sessionKey string, raw json.RawMessage, receivedAt time.Time) (session.InboundMessage, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return session.InboundMessage{}, fmt.Errorf("%w: %v", ErrUnsupportedEventShape, err)
	}
	if err := n.schema.Validate(instance); err != nil {
		return session.InboundMessage{}, fmt.Errorf("%w: %v", ErrUnsupportedEventShape, err)
	}
	var ev inboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return session.InboundMessage{}, fmt.Errorf("%w: %v", ErrUnsupportedEventShape, err)
	}
	if !strings.EqualFold(ev.MsgType, "text") {
		return session.InboundMessage{}, fmt.Errorf("%w: message type %q", ErrUnsupportedEventShape, ev.MsgType)
	}
	msg := session.InboundMessage{
		SessionKey:     sessionKey,
		MessageID:      ev.MsgID,
		ConversationID: ev.ThreadID,
		ThreadKind:     session.ThreadKind(ev.ThreadType),
		SenderID:       ev.SenderID,
		SenderName:     ev.SenderName,
		Text:           ev.Content,
		IsSelf:         ev.IsSelf,
		ReceivedAt:     receivedAt,
		Raw:            append(json.RawMessage(nil), raw...),
	}
	if ev.TS > 0 {
		msg.SentAt = time.UnixMilli(ev.TS).UTC()
	}
	return msg, nil
}
