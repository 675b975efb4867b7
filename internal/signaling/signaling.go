// Package signaling is the rendezvous side channel used to pair devices
// with a hub. It carries connection-establishment payloads only — offers,
// answers, ICE candidates and hub discovery — never order data. Every
// message is scoped to a restaurant so unrelated sites cannot cross-talk.
package signaling

import (
	"context"
	"time"

	"restaurant-sync/internal/domain"
)

// Signal kinds.
const (
	KindOffer     = "peer-offer"
	KindAnswer    = "peer-answer"
	KindCandidate = "peer-ice-candidate"
	KindDiscover  = "hub-discover"
	KindAnnounce  = "hub-announce"
)

// Message is one signaling exchange. To addresses a specific participant;
// an empty To on a discover reaches every hub in the restaurant.
type Message struct {
	Kind         string         `json:"kind"`
	RestaurantID string         `json:"restaurant_id"`
	HubID        string         `json:"hub_id,omitempty"`
	From         string         `json:"from"`
	To           string         `json:"to,omitempty"`
	OfferID      string         `json:"offer_id,omitempty"`
	Device       *domain.Device `json:"device,omitempty"`
	SDP          string         `json:"sdp,omitempty"`
	Candidate    string         `json:"candidate,omitempty"`
	SentAt       time.Time      `json:"sent_at"`
}

// Channel is the rendezvous mechanism. Implementations: AMQP topic exchange
// in production, in-process exchange in tests.
type Channel interface {
	// JoinAsHub subscribes to messages addressed to hubID and to hub-wide
	// discovery broadcasts within restaurantID.
	JoinAsHub(ctx context.Context, restaurantID, hubID string) error

	// JoinAsPeer subscribes to messages addressed to deviceID within
	// restaurantID.
	JoinAsPeer(ctx context.Context, restaurantID, deviceID string) error

	// Send routes one message. Fire-and-forget: delivery is best-effort and
	// the pairing protocol tolerates loss by retrying.
	Send(ctx context.Context, msg Message) error

	// Messages yields received signals until Close.
	Messages() <-chan Message

	Close() error
}
