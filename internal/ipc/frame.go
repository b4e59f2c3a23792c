package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame types on the wire.
const (
	frameMessage byte = 0x01 // JSON-encoded message
)

const maxFrameSize = 10 * 1024 * 1024

type messageType string

const (
	msgCall     messageType = "call"
	msgReply    messageType = "reply"
	msgListen   messageType = "listen"
	msgUnlisten messageType = "unlisten"
	msgEvent    messageType = "event"
)

// message is the single envelope carried by every frame.
type message struct {
	Type  messageType     `json:"type"`
	ID    uint64          `json:"id,omitempty"`   // call/reply correlation
	Name  string          `json:"name,omitempty"` // command or event name
	Arg   json.RawMessage `json:"arg,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// length covers the frame type byte and the payload.

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeMessage(w io.Writer, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameMessage, data)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}
