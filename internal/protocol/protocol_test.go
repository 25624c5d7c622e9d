package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	now := time.Now()
	msg, err := NewEventMessage("agent-001", "t-1", "/x", "opened", nil, now)
	require.NoError(t, err)

	framed, err := FrameMessage(msg)
	require.NoError(t, err)

	r := bufio.NewReader(bytes.NewReader(framed))
	got, err := ReadFrame(r, DefaultTimestampTolerance, now)
	require.NoError(t, err)

	assert.Equal(t, msg.Header.AgentID, got.Header.AgentID)
	assert.Equal(t, msg.Header.Nonce, got.Header.Nonce)
	assert.Equal(t, msg.Header.MsgType, got.Header.MsgType)

	data, err := DecodeEventData(got.Data)
	require.NoError(t, err)
	assert.Equal(t, "t-1", data.TokenID)
	assert.Equal(t, "/x", data.Path)
	assert.Equal(t, "opened", data.EventType)
}

func TestReadFrame_ZeroLengthIsFramingError(t *testing.T) {
	var buf [HeaderLength]byte
	binary.BigEndian.PutUint32(buf[:], 0)

	r := bufio.NewReader(bytes.NewReader(buf[:]))
	_, err := ReadFrame(r, DefaultTimestampTolerance, time.Now())
	require.Error(t, err)
	var fe *FramingError
	assert.ErrorAs(t, err, &fe)
}

func TestReadFrame_OversizeIsFramingError(t *testing.T) {
	var buf [HeaderLength]byte
	binary.BigEndian.PutUint32(buf[:], MaxMessageSize+1)

	r := bufio.NewReader(bytes.NewReader(buf[:]))
	_, err := ReadFrame(r, DefaultTimestampTolerance, time.Now())
	require.Error(t, err)
	var fe *FramingError
	assert.ErrorAs(t, err, &fe)
}

func TestParseMessage_RejectsSkewedTimestamp(t *testing.T) {
	now := time.Now()
	msg, err := NewEventMessage("agent-001", "t-1", "/x", "opened", nil, now.Add(-120*time.Second))
	require.NoError(t, err)

	payload, err := marshalForTest(msg)
	require.NoError(t, err)

	_, err = ParseMessage(payload, DefaultTimestampTolerance, now)
	require.Error(t, err)
	var im *InvalidMessage
	assert.ErrorAs(t, err, &im)
}

func TestParseMessage_RejectsBadNonceSize(t *testing.T) {
	now := time.Now()
	msg, err := NewEventMessage("agent-001", "t-1", "/x", "opened", nil, now)
	require.NoError(t, err)
	msg.Header.Nonce = "short"

	payload, err := marshalForTest(msg)
	require.NoError(t, err)

	_, err = ParseMessage(payload, DefaultTimestampTolerance, now)
	require.Error(t, err)
	var im *InvalidMessage
	assert.ErrorAs(t, err, &im)
}

func TestParseMessage_RejectsUnknownMsgType(t *testing.T) {
	now := time.Now()
	msg, err := NewEventMessage("agent-001", "t-1", "/x", "opened", nil, now)
	require.NoError(t, err)
	msg.Header.MsgType = "bogus"

	payload, err := marshalForTest(msg)
	require.NoError(t, err)

	_, err = ParseMessage(payload, DefaultTimestampTolerance, now)
	require.Error(t, err)
}

func TestParseMessage_RejectsMissingEventFields(t *testing.T) {
	now := time.Now()
	msg, err := NewEventMessage("agent-001", "", "", "", nil, now)
	require.NoError(t, err)

	payload, err := marshalForTest(msg)
	require.NoError(t, err)

	_, err = ParseMessage(payload, DefaultTimestampTolerance, now)
	require.Error(t, err)
}

func marshalForTest(m *Message) ([]byte, error) {
	framed, err := FrameMessage(m)
	if err != nil {
		return nil, err
	}
	return framed[HeaderLength:], nil
}
