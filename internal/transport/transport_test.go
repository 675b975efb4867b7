package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/domain"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	msg, err := domain.NewMessage(domain.MsgPong, domain.PongPayload{Timestamp: time.Unix(17, 0).UTC()})
	require.NoError(t, err)

	done := make(chan domain.Message, 1)
	go func() {
		got, err := b.ReadMessage()
		if err == nil {
			done <- got
		}
	}()

	require.NoError(t, a.WriteMessage(msg))
	select {
	case got := <-done:
		assert.Equal(t, domain.MsgPong, got.Type)
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestReadMalformedLine(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.ReadMessage()
		errCh <- err
	}()

	mc := a.(*msgConn)
	_, err := mc.raw.Write([]byte("not json at all\n"))
	require.NoError(t, err)

	select {
	case err := <-errCh:
		var pe *domain.ProtocolError
		assert.ErrorAs(t, err, &pe, "garbage must surface as a protocol error")
	case <-time.After(time.Second):
		t.Fatal("read never returned")
	}
}

func TestReadMissingType(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.ReadMessage()
		errCh <- err
	}()

	mc := a.(*msgConn)
	_, err := mc.raw.Write([]byte(`{"payload":{}}` + "\n"))
	require.NoError(t, err)

	select {
	case err := <-errCh:
		var pe *domain.ProtocolError
		assert.ErrorAs(t, err, &pe)
	case <-time.After(time.Second):
		t.Fatal("read never returned")
	}
}

func TestReadAfterCloseFails(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())

	_, err := b.ReadMessage()
	assert.Error(t, err)
}

func TestTCPListenerAndDial(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := DialTCP(context.Background(), listener.Address(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var hubSide Conn
	select {
	case hubSide = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never fired")
	}
	defer hubSide.Close()

	msg, err := domain.NewMessage(domain.MsgPing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(msg))

	got, err := hubSide.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, domain.MsgPing, got.Type)
}

func TestProbeTCP(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Address()

	assert.True(t, ProbeTCP(addr, time.Second))

	require.NoError(t, listener.Close())
	start := time.Now()
	assert.False(t, ProbeTCP(addr, 500*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second, "probe must respect its timeout")
}

func TestWebRTCPairing(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc pairing is slow in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dial, err := NewDial(ctx, ICEConfig{})
	require.NoError(t, err)

	accept, err := AcceptOffer(ctx, ICEConfig{}, dial.OfferSDP(), "peer-1")
	require.NoError(t, err)

	peerConnCh := make(chan Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := dial.Complete(ctx, accept.AnswerSDP(), "hub-1")
		if err != nil {
			errCh <- err
			return
		}
		peerConnCh <- conn
	}()

	hubConn, err := accept.WaitConn(ctx)
	require.NoError(t, err)
	defer hubConn.Close()

	var peerConn Conn
	select {
	case peerConn = <-peerConnCh:
	case err := <-errCh:
		t.Fatalf("dial side failed: %v", err)
	case <-ctx.Done():
		t.Fatal("pairing timed out")
	}
	defer peerConn.Close()

	msg, err := domain.NewMessage(domain.MsgRegister, domain.RegisterPayload{DeviceID: "d1"})
	require.NoError(t, err)
	require.NoError(t, peerConn.WriteMessage(msg))

	got, err := hubConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, domain.MsgRegister, got.Type)
	assert.Equal(t, "peer-1", hubConn.RemoteLabel())
}
