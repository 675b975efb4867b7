// Package transport carries the hub/peer message channel. The hub and peer
// logic only see the Conn interface; the concrete channel is a WebRTC data
// channel (NAT-tolerant, paired via the signaling channel), a plain TCP
// connection on the local network, or an in-process pipe in tests.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"restaurant-sync/internal/domain"
)

// Conn is a message-oriented bidirectional channel to one peer. WriteMessage
// is safe for concurrent use; ReadMessage must be called from one goroutine.
type Conn interface {
	ReadMessage() (domain.Message, error)
	WriteMessage(domain.Message) error
	Close() error
	RemoteLabel() string
}

// msgConn frames messages as JSON lines over a stream connection.
type msgConn struct {
	raw     io.ReadWriteCloser
	reader  *bufio.Reader
	writeMu sync.Mutex
	label   string
}

// NewMsgConn wraps a stream connection with the JSON-line message codec.
func NewMsgConn(raw io.ReadWriteCloser, label string) Conn {
	return &msgConn{raw: raw, reader: bufio.NewReader(raw), label: label}
}

func (c *msgConn) ReadMessage() (domain.Message, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return domain.Message{}, err
	}
	var msg domain.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return domain.Message{}, &domain.ProtocolError{MsgType: "unknown", Err: err}
	}
	if msg.Type == "" {
		return domain.Message{}, &domain.ProtocolError{MsgType: "unknown", Err: fmt.Errorf("missing type field")}
	}
	return msg, nil
}

func (c *msgConn) WriteMessage(msg domain.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.raw.Write(raw)
	return err
}

func (c *msgConn) Close() error        { return c.raw.Close() }
func (c *msgConn) RemoteLabel() string { return c.label }

// Pipe returns two connected in-process message conns. Used by tests to wire
// a hub and a peer without any network.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return NewMsgConn(a, "pipe-a"), NewMsgConn(b, "pipe-b")
}
