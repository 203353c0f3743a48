// Package relay defines the Event/Filter wire model and the EventBus
// contract the rest of the daemon programs against (spec.md §4.1). The
// relay protocol itself — signing, websocket framing, NIP negotiation — is
// out of scope; RelayClient is an adapter over an assumed external client.
package relay

import "time"

// Tag is an ordered string array, e.g. ["e", "<event-id>", "reply"].
type Tag []string

// Key returns the tag's first element, the conventional tag name ("e",
// "p", "a", "q", "E", ...).
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Event is an immutable inbound or outbound record (spec.md §3).
type Event struct {
	ID        string    `json:"id"`
	Kind      int       `json:"kind"`
	PubKey    string    `json:"pubkey"`
	CreatedAt time.Time `json:"created_at"`
	Content   string    `json:"content"`
	Tags      []Tag     `json:"tags"`
	Sig       string    `json:"sig,omitempty"`
}

// TagsNamed returns every tag whose key matches name, preserving order.
func (e Event) TagsNamed(name string) []Tag {
	var out []Tag
	for _, t := range e.Tags {
		if t.Key() == name {
			out = append(out, t)
		}
	}
	return out
}

// FirstTag returns the first tag whose key matches name and true, or a
// zero Tag and false.
func (e Event) FirstTag(name string) (Tag, bool) {
	for _, t := range e.Tags {
		if t.Key() == name {
			return t, true
		}
	}
	return nil, false
}

// Filter selects events for a relay subscription. A nil/empty field means
// "no constraint" for that dimension.
type Filter struct {
	Kinds   []int
	Authors []string
	Tags    map[string][]string // tag name -> accepted values
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// UnsignedEvent is an Event prior to signing; Publish signs and sends it.
type UnsignedEvent struct {
	Kind      int
	CreatedAt time.Time
	Content   string
	Tags      []Tag
}

// Signer produces a signed Event from an UnsignedEvent, using the keypair
// whose public key PubKey reports; the executor signs each agent's events
// with that agent's own Signer. Out of scope per spec.md §1: concrete
// signing/cryptography is an external collaborator.
type Signer interface {
	PubKey() string
	Sign(UnsignedEvent) (Event, error)
}
