package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"
)

// dataChannelLabel is the single ordered, reliable channel carrying the
// order message stream between a peer and its hub.
const dataChannelLabel = "orders"

// iceGatherTimeout bounds candidate gathering before the SDP is exchanged.
// Signaling is vanilla ICE: all candidates ride inside the SDP, so pairing
// needs exactly one offer/answer round-trip. Trickled candidates arriving
// later over signaling are still applied when a remote sends them.
const iceGatherTimeout = 15 * time.Second

// openTimeout bounds how long either side waits for the data channel to
// reach the open state after the SDP exchange.
const openTimeout = 10 * time.Second

// ICEConfig holds STUN server configuration for PeerConnections. Empty
// config yields host candidates only, which is sufficient on one LAN.
type ICEConfig struct {
	STUNServers []string
}

func (c ICEConfig) servers() []webrtc.ICEServer {
	if len(c.STUNServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNServers}}
}

// newPeerConnection builds a pion PeerConnection with data channel detach
// enabled (stream-oriented access) and loopback candidates allowed (needed
// when hub and peer share a machine, as in tests).
func newPeerConnection(cfg ICEConfig) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.servers()})
}

// pcConn couples a detached data channel stream with its PeerConnection so
// closing the message conn tears the whole pairing down.
type pcConn struct {
	io.ReadWriteCloser
	pc *webrtc.PeerConnection
}

func (c *pcConn) Close() error {
	err := c.ReadWriteCloser.Close()
	if cerr := c.pc.Close(); err == nil {
		err = cerr
	}
	return err
}

// Dial is the peer half of a WebRTC pairing. Construction creates the
// PeerConnection and the offer; the caller ships OfferSDP over the signaling
// channel, receives the hub's answer out-of-band and calls Complete.
type Dial struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	offerSDP string
	opened   chan struct{}
}

// NewDial creates the peer-side PeerConnection, opens the order data channel
// and gathers a complete offer.
func NewDial(ctx context.Context, cfg ICEConfig) (*Dial, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	d := &Dial{pc: pc, opened: make(chan struct{})}

	ordered := true
	d.dc, err = pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	d.dc.OnOpen(func() { close(d.opened) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return nil, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
	d.offerSDP = pc.LocalDescription().SDP
	return d, nil
}

// OfferSDP returns the complete local offer for the signaling channel.
func (d *Dial) OfferSDP() string { return d.offerSDP }

// Complete applies the hub's answer and waits for the data channel to open,
// returning the message conn.
func (d *Dial) Complete(ctx context.Context, answerSDP, hubLabel string) (Conn, error) {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := d.pc.SetRemoteDescription(answer); err != nil {
		d.pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	select {
	case <-d.opened:
	case <-time.After(openTimeout):
		d.pc.Close()
		return nil, fmt.Errorf("data channel did not open within %s", openTimeout)
	case <-ctx.Done():
		d.pc.Close()
		return nil, ctx.Err()
	}

	raw, err := d.dc.Detach()
	if err != nil {
		d.pc.Close()
		return nil, fmt.Errorf("detach data channel: %w", err)
	}
	return NewMsgConn(&pcConn{ReadWriteCloser: raw, pc: d.pc}, hubLabel), nil
}

// Abort tears down a dial that will not be completed.
func (d *Dial) Abort() { d.pc.Close() }

// Accept is the hub half of a pairing: it answers a remote offer and yields
// the conn once the peer's data channel arrives and opens.
type Accept struct {
	pc        *webrtc.PeerConnection
	answerSDP string
	conns     chan Conn
}

// AcceptOffer builds the hub-side PeerConnection from a peer's offer and
// gathers a complete answer.
func AcceptOffer(ctx context.Context, cfg ICEConfig, offerSDP, peerLabel string) (*Accept, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	a := &Accept{pc: pc, conns: make(chan Conn, 1)}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			dc.OnOpen(func() { dc.Close() })
			return
		}
		dc.OnOpen(func() {
			raw, err := dc.Detach()
			if err != nil {
				return
			}
			select {
			case a.conns <- NewMsgConn(&pcConn{ReadWriteCloser: raw, pc: pc}, peerLabel):
			default:
			}
		})
	})

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return nil, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
	a.answerSDP = pc.LocalDescription().SDP
	return a, nil
}

// AnswerSDP returns the complete local answer for the signaling channel.
func (a *Accept) AnswerSDP() string { return a.answerSDP }

// AddCandidate applies a trickled remote ICE candidate.
func (a *Accept) AddCandidate(candidate string) error {
	return a.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// WaitConn blocks until the peer's order channel opens.
func (a *Accept) WaitConn(ctx context.Context) (Conn, error) {
	select {
	case conn := <-a.conns:
		return conn, nil
	case <-time.After(openTimeout):
		a.pc.Close()
		return nil, fmt.Errorf("peer data channel did not open within %s", openTimeout)
	case <-ctx.Done():
		a.pc.Close()
		return nil, ctx.Err()
	}
}

// Abort tears down an accept whose peer never connected.
func (a *Accept) Abort() { a.pc.Close() }
