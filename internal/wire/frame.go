package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const frameHeaderLen = 4

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned for frames over MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Frame msg_type values.
const (
	FramePublish  = "publish_batch"
	FrameMsgCheck = "msg_check"
	FramePing     = "ping"
	FrameAck      = "ack"
)

// Frame status values.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// Frame is one request or response on the agent socket.
type Frame struct {
	MsgType  string            `json:"msg_type"`
	Messages []Message         `json:"messages,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Status   string            `json:"status,omitempty"`
	Error    string            `json:"error,omitempty"`
	Accepted int               `json:"accepted,omitempty"`
	IDs      []string          `json:"ids,omitempty"`
	Inbound  []json.RawMessage `json:"inbound,omitempty"`
}

// WriteFrame writes f as [4 bytes len][len bytes json].
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[:frameHeaderLen], uint32(len(body)))
	copy(buf[frameHeaderLen:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame. A clean EOF before the header is returned as
// io.EOF; a truncated frame as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}
