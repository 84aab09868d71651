package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inkdown-docsync/internal/domain"

	"github.com/go-playground/validator/v10"
)

type MessageType string

const (
	TypeReady         MessageType = "ready"
	TypeInit          MessageType = "init"
	TypeEdit          MessageType = "edit"
	TypeAck           MessageType = "ack"
	TypeNack          MessageType = "nack"
	TypeRequestResync MessageType = "request_resync"
	TypeDocChanged    MessageType = "doc_changed"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
)

type ChangeReason string

const (
	ReasonSelf     ChangeReason = "self"
	ReasonExternal ChangeReason = "external"
)

type AckReason string

const (
	AckApplied AckReason = "applied"
	AckNoop    AckReason = "noop"
)

type NackReason string

const (
	NackBaseVersionMismatch NackReason = "baseVersionMismatch"
	NackApplyFailed         NackReason = "applyFailed"
)

var ErrInvalidMessage = errors.New("invalid message")

var validate = validator.New()

type Message struct {
	Type      MessageType     `json:"type" validate:"required"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type InitPayload struct {
	SessionID      string `json:"session_id"`
	DocumentID     string `json:"document_id"`
	Version        int64  `json:"version"`
	FullText       string `json:"full_text"`
	AuthorityEpoch string `json:"authority_epoch"`
}

type EditPayload struct {
	TxID         string               `json:"tx_id" validate:"required,max=128"`
	BaseVersion  *int64               `json:"base_version" validate:"required,gte=0"`
	Replacements []domain.Replacement `json:"replacements" validate:"dive"`
}

type AckPayload struct {
	TxID    string    `json:"tx_id"`
	Version int64     `json:"version"`
	Reason  AckReason `json:"reason"`
}

type NackPayload struct {
	TxID           string     `json:"tx_id"`
	CurrentVersion int64      `json:"current_version"`
	Reason         NackReason `json:"reason"`
	Detail         string     `json:"detail,omitempty"`
}

// DocChangedPayload carries FullText only for resync snapshots, which always
// have an empty replacement list.
type DocChangedPayload struct {
	Version        int64                `json:"version"`
	Reason         ChangeReason         `json:"reason"`
	Replacements   []domain.Replacement `json:"replacements"`
	FullText       *string              `json:"full_text,omitempty"`
	AuthorityEpoch string               `json:"authority_epoch"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Decode parses an inbound frame. Anything that is not a well-formed envelope
// of a type a view may send is reported as ErrInvalidMessage.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if err := validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch msg.Type {
	case TypeReady, TypeEdit, TypeRequestResync, TypePing:
	default:
		return nil, fmt.Errorf("%w: unexpected type %q", ErrInvalidMessage, msg.Type)
	}

	return &msg, nil
}

func (m *Message) DecodeEdit() (*EditPayload, error) {
	if m.Type != TypeEdit || m.Payload == nil {
		return nil, fmt.Errorf("%w: missing edit payload", ErrInvalidMessage)
	}

	var payload EditPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if err := validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if payload.Replacements == nil {
		payload.Replacements = []domain.Replacement{}
	}

	return &payload, nil
}
