// Package protocol implements HoneyGrid's wire codec (C1): length-prefixed
// framing over a JSON envelope, plus the validation rules that decide
// whether an inbound frame is accepted.
package protocol

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

const (
	// HeaderLength is the size in bytes of the frame length prefix.
	HeaderLength = 4
	// MaxMessageSize is the largest permitted JSON payload, in bytes.
	MaxMessageSize = 1024 * 1024
	// NonceSize is the required decoded length of a message nonce.
	NonceSize = 12
	// DefaultTimestampTolerance bounds client/server clock skew.
	DefaultTimestampTolerance = 60 * time.Second
)

// MsgType enumerates the permitted header.msg_type values.
type MsgType string

const (
	MsgEvent          MsgType = "event"
	MsgHeartbeat      MsgType = "heartbeat"
	MsgStatus         MsgType = "status"
	MsgDeployResponse MsgType = "deploy_response"
)

func (t MsgType) valid() bool {
	switch t {
	case MsgEvent, MsgHeartbeat, MsgStatus, MsgDeployResponse:
		return true
	default:
		return false
	}
}

// Header is the required envelope header.
type Header struct {
	Nonce     string  `json:"nonce"`
	Timestamp int64   `json:"timestamp"`
	AgentID   string  `json:"agent_id"`
	MsgType   MsgType `json:"msg_type"`
}

// Message is the full wire envelope: a validated header plus an arbitrary
// data payload, shaped per msg_type.
type Message struct {
	Header Header          `json:"header"`
	Data   json.RawMessage `json:"data"`
}

// FramingError represents an error in the length-prefix framing layer.
// Per spec §7, any FramingError must close the connection.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "framing error: " + e.Reason }

// InvalidMessage represents a validation failure (V1-V5 in spec §4.1).
// Per spec §7, an InvalidMessage drops only the offending message; the
// connection stays open.
type InvalidMessage struct {
	Reason string
}

func (e *InvalidMessage) Error() string { return "invalid message: " + e.Reason }

// GenerateNonce returns a fresh, random NonceSize-byte nonce, base64-encoded.
func GenerateNonce() (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("protocol: generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// EventData is the per-type data shape for msg_type=event.
type EventData struct {
	TokenID   string                 `json:"token_id"`
	Path      string                 `json:"path"`
	EventType string                 `json:"event_type"`
	Extra     map[string]interface{} `json:"-"`
}

// HeartbeatData is the per-type data shape for msg_type=heartbeat.
type HeartbeatData struct {
	Status string   `json:"status"`
	Uptime *float64 `json:"uptime,omitempty"`
}

// NewEventMessage builds a ready-to-frame event message, assigning a fresh
// nonce and the current timestamp (used by the agent sender, C10).
func NewEventMessage(agentID, tokenID, path, eventType string, extra map[string]interface{}, now time.Time) (*Message, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	data := map[string]interface{}{
		"token_id":   tokenID,
		"path":       path,
		"event_type": eventType,
	}
	for k, v := range extra {
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal event data: %w", err)
	}
	return &Message{
		Header: Header{
			Nonce:     nonce,
			Timestamp: now.Unix(),
			AgentID:   agentID,
			MsgType:   MsgEvent,
		},
		Data: raw,
	}, nil
}

// NewHeartbeatMessage builds a ready-to-frame heartbeat message.
func NewHeartbeatMessage(agentID, status string, uptime *float64, now time.Time) (*Message, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(HeartbeatData{Status: status, Uptime: uptime})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal heartbeat data: %w", err)
	}
	return &Message{
		Header: Header{
			Nonce:     nonce,
			Timestamp: now.Unix(),
			AgentID:   agentID,
			MsgType:   MsgHeartbeat,
		},
		Data: raw,
	}, nil
}

// FrameMessage serializes a message to its on-wire representation:
// a big-endian uint32 length prefix followed by the JSON envelope.
func FrameMessage(m *Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(payload) == 0 || len(payload) > MaxMessageSize {
		return nil, &FramingError{Reason: fmt.Sprintf("payload size %d out of bounds", len(payload))}
	}
	buf := make([]byte, HeaderLength+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLength], uint32(len(payload)))
	copy(buf[HeaderLength:], payload)
	return buf, nil
}

// ReadFrame reads one length-prefixed frame from r and parses + validates
// its envelope. A framing-layer problem (bad length, short read, oversize)
// returns *FramingError; callers must close the connection in that case.
// A validation-layer problem returns *InvalidMessage; callers must drop the
// message but keep the connection open. A clean end of stream before the
// first byte of a frame returns io.EOF unwrapped.
func ReadFrame(r *bufio.Reader, tolerance time.Duration, now time.Time) (*Message, error) {
	var lenBuf [HeaderLength]byte
	if n, err := readExact(r, lenBuf[:]); err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FramingError{Reason: err.Error()}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, &FramingError{Reason: "zero-length frame"}
	}
	if length > MaxMessageSize {
		return nil, &FramingError{Reason: fmt.Sprintf("frame length %d exceeds maximum %d", length, MaxMessageSize)}
	}

	payload := make([]byte, length)
	if _, err := readExact(r, payload); err != nil {
		return nil, &FramingError{Reason: err.Error()}
	}

	return ParseMessage(payload, tolerance, now)
}

func readExact(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ParseMessage validates and decodes a raw JSON envelope (V1-V5 of §4.1).
func ParseMessage(payload []byte, tolerance time.Duration, now time.Time) (*Message, error) {
	if !utf8.Valid(payload) {
		return nil, &InvalidMessage{Reason: "payload is not valid UTF-8"}
	}

	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &InvalidMessage{Reason: "malformed JSON: " + err.Error()}
	}
	if m.Data == nil {
		return nil, &InvalidMessage{Reason: "missing data object"}
	}

	if err := validateHeader(m.Header, tolerance, now); err != nil {
		return nil, err
	}
	if err := validateData(m.Header.MsgType, m.Data); err != nil {
		return nil, err
	}

	return &m, nil
}

func validateHeader(h Header, tolerance time.Duration, now time.Time) error {
	if h.AgentID == "" {
		return &InvalidMessage{Reason: "missing agent_id"}
	}
	if !h.MsgType.valid() {
		return &InvalidMessage{Reason: "unknown msg_type: " + string(h.MsgType)}
	}
	raw, err := base64.StdEncoding.DecodeString(h.Nonce)
	if err != nil || len(raw) != NonceSize {
		return &InvalidMessage{Reason: "nonce must decode to exactly 12 bytes"}
	}
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	skew := now.Unix() - h.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > tolerance {
		return &InvalidMessage{Reason: fmt.Sprintf("timestamp outside tolerance (skew=%ds)", skew)}
	}
	return nil
}

func validateData(t MsgType, raw json.RawMessage) error {
	switch t {
	case MsgEvent:
		var d struct {
			TokenID   string `json:"token_id"`
			Path      string `json:"path"`
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return &InvalidMessage{Reason: "malformed event data: " + err.Error()}
		}
		if d.TokenID == "" || d.Path == "" || d.EventType == "" {
			return &InvalidMessage{Reason: "event data missing token_id/path/event_type"}
		}
		return nil
	case MsgHeartbeat:
		var d HeartbeatData
		if err := json.Unmarshal(raw, &d); err != nil {
			return &InvalidMessage{Reason: "malformed heartbeat data: " + err.Error()}
		}
		return nil
	case MsgStatus, MsgDeployResponse:
		var d map[string]interface{}
		if err := json.Unmarshal(raw, &d); err != nil {
			return &InvalidMessage{Reason: "malformed data: " + err.Error()}
		}
		return nil
	default:
		return &InvalidMessage{Reason: "unknown msg_type"}
	}
}

// DecodeEventData extracts the typed event fields plus any extra keys from
// a validated event message's data payload.
func DecodeEventData(raw json.RawMessage) (EventData, error) {
	var fields struct {
		TokenID   string `json:"token_id"`
		Path      string `json:"path"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return EventData{}, err
	}
	var extra map[string]interface{}
	if err := json.Unmarshal(raw, &extra); err != nil {
		return EventData{}, err
	}
	delete(extra, "token_id")
	delete(extra, "path")
	delete(extra, "event_type")
	return EventData{
		TokenID:   fields.TokenID,
		Path:      fields.Path,
		EventType: fields.EventType,
		Extra:     extra,
	}, nil
}
