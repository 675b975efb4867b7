package transport

import (
	"context"
	"net"
	"time"
)

// TCPListener accepts inbound peer connections on the local network. This is
// the same-LAN transport: it requires direct TCP reachability between the
// hub and its peers. For NAT traversal use the WebRTC transport.
type TCPListener struct {
	listener net.Listener
}

// ListenTCP starts listening on address (":7420", or ":0" for a random
// port).
func ListenTCP(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Accept blocks for the next inbound connection.
func (l *TCPListener) Accept() (Conn, error) {
	raw, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewMsgConn(raw, raw.RemoteAddr().String()), nil
}

// Address returns the listen address in "host:port" form.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener; blocked Accept calls return an error.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// DialTCP opens a message connection to a hub at address.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (Conn, error) {
	raw, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewMsgConn(raw, address), nil
}

// ProbeTCP reports whether address accepts a connection within timeout. Used
// by hub discovery to scan the remembered and well-known addresses quickly.
func ProbeTCP(address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
