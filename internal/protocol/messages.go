// Package protocol defines the JSON frames exchanged with relay clients over
// the WebSocket. Frames carry no type discriminator: the client only ever
// sends direct messages, and the two server frames are told apart by shape
// ("online" for presence, "text" for a relayed message).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxTextBytes = 4096 // hard cap on the encoded text
	MaxTextChars = 2000 // max character count
)

// ErrMalformedPayload is returned for inbound frames that are not valid JSON
// or that lack a recipient or text. The relay drops such frames silently.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// InboundMsg is a direct message sent by a client.
type InboundMsg struct {
	Recipient string `json:"recipient" validate:"required"`
	Text      string `json:"text" validate:"required,max=2000"`
}

// ParseInbound decodes and validates a client frame. Every failure wraps
// ErrMalformedPayload.
func ParseInbound(data []byte) (InboundMsg, error) {
	// encoding/json would replace invalid sequences with U+FFFD.
	if !utf8.Valid(data) {
		return InboundMsg{}, fmt.Errorf("%w: frame contains invalid UTF-8", ErrMalformedPayload)
	}

	var m InboundMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return InboundMsg{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(m); err != nil {
		return InboundMsg{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(m.Text) > MaxTextBytes {
		return InboundMsg{}, fmt.Errorf("%w: text exceeds %d byte limit", ErrMalformedPayload, MaxTextBytes)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// Peer is one entry of the online list.
type Peer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresenceMsg is pushed to every live connection whenever the online set
// changes.
type PresenceMsg struct {
	Online []Peer `json:"online"`
}

// OutboundMsg is a direct message relayed to the recipient's connections.
type OutboundMsg struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	ID        string `json:"id"`
}

// NewPresenceMessage encodes a presence frame. A nil peer list is encoded as
// an empty array so clients never see "online": null.
func NewPresenceMessage(peers []Peer) ([]byte, error) {
	if peers == nil {
		peers = []Peer{}
	}
	out, err := json.Marshal(PresenceMsg{Online: peers})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal presence: %w", err)
	}
	return out, nil
}

// NewOutboundMessage encodes a relayed direct message frame.
func NewOutboundMessage(msg OutboundMsg) ([]byte, error) {
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
