// Package websocket implements the streaming response-scan relay (spec
// supplement: scan a model response as it streams instead of waiting for
// it to finish). Grounded on the teacher's internal/websocket frame/relay
// idiom, generalized from a bidirectional client<->backend proxy pump to a
// single-connection scan-each-chunk relay against the Pipeline
// Orchestrator.
package websocket

import (
	"time"

	"github.com/coder/websocket"
)

// Frame is one inbound chunk read off the connection.
type Frame struct {
	Type      websocket.MessageType
	Data      []byte
	Timestamp time.Time
	Size      int
}

func NewFrame(msgType websocket.MessageType, data []byte) *Frame {
	return &Frame{Type: msgType, Data: data, Timestamp: time.Now(), Size: len(data)}
}

func (f *Frame) IsText() bool { return f.Type == websocket.MessageText }
