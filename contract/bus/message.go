package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

// Header keys carrying message metadata on the wire.
const (
	HeaderMsgID         = "Nats-Msg-Id"
	HeaderType          = "Event-Type"
	HeaderSource        = "Event-Source"
	HeaderTime          = "Event-Time"
	HeaderCorrelationID = "Correlation-Id"
	HeaderCausationID   = "Causation-Id"
)

var causationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:scg-authz-service:causation"))

// Delivery describes where an inbound message came from. Zero for outbound messages.
type Delivery struct {
	Stream   string
	Consumer string
	Sequence uint64
	Attempt  int
}

// Message is the unit flowing through publishers, subscribers and the dispatcher.
// Data holds the JSON payload; metadata travels in headers.
type Message struct {
	ID            string
	Subject       string
	Type          string
	Source        string
	CorrelationID string
	CausationID   string
	Time          time.Time
	Headers       map[string]string
	Data          []byte
	Delivery      Delivery
}

// NewMessage builds an outbound message with a fresh ID. An empty eventType defaults to the subject.
func NewMessage(subject, eventType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("new message %s: %w", subject, errors.Join(berr.ErrSerializationFailed, err))
	}

	if eventType == "" {
		eventType = subject
	}

	return &Message{
		ID:      uuid.NewString(),
		Subject: subject,
		Type:    eventType,
		Time:    time.Now().UTC(),
		Data:    data,
	}, nil
}

// Reply builds an event caused by m. The ID is derived from m.ID and eventType, so handling a
// redelivered m yields the same outbound ID and the broker can drop the duplicate.
func (m *Message) Reply(subject, eventType string, payload any) (*Message, error) {
	out, err := NewMessage(subject, eventType, payload)
	if err != nil {
		return nil, err
	}

	out.ID = uuid.NewSHA1(causationNamespace, []byte(m.ID+"/"+out.Type)).String()
	out.CausationID = m.ID

	out.CorrelationID = m.CorrelationID
	if out.CorrelationID == "" {
		out.CorrelationID = m.ID
	}

	return out, nil
}

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload: %w", m.Type, berr.ErrInvalidMessage)
	}

	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, errors.Join(berr.ErrSerializationFailed, err))
	}

	return nil
}

// HeaderMap returns the wire headers: custom headers first, metadata on top.
func (m *Message) HeaderMap() map[string]string {
	h := make(map[string]string, len(m.Headers)+6)
	for k, v := range m.Headers {
		h[k] = v
	}

	set := func(k, v string) {
		if v != "" {
			h[k] = v
		}
	}

	set(HeaderMsgID, m.ID)
	set(HeaderType, m.Type)
	set(HeaderSource, m.Source)
	set(HeaderCorrelationID, m.CorrelationID)
	set(HeaderCausationID, m.CausationID)

	if !m.Time.IsZero() {
		h[HeaderTime] = m.Time.UTC().Format(time.RFC3339Nano)
	}

	return h
}

// FromHeaders rebuilds a message received on subject. Metadata headers are lifted into fields;
// everything else stays in Headers. A missing type falls back to the subject.
func FromHeaders(subject string, headers map[string]string, data []byte) *Message {
	m := &Message{Subject: subject, Data: data, Headers: make(map[string]string, len(headers))}

	for k, v := range headers {
		switch k {
		case HeaderMsgID:
			m.ID = v
		case HeaderType:
			m.Type = v
		case HeaderSource:
			m.Source = v
		case HeaderCorrelationID:
			m.CorrelationID = v
		case HeaderCausationID:
			m.CausationID = v
		case HeaderTime:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				m.Time = ts
			}
		default:
			m.Headers[k] = v
		}
	}

	if m.Type == "" {
		m.Type = subject
	}

	return m
}
