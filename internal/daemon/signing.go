package daemon

import "github.com/tenex-sh/tenexd/internal/relay"

// PassthroughSigner stamps an event's pubkey but leaves Sig empty. Actual
// Nostr key management and Schnorr signing are an external collaborator
// (spec.md §1); this default suits relay deployments where signing
// happens out of process (a sidecar or the relay's own trusted-writer
// mode) rather than inside the daemon.
type PassthroughSigner struct {
	pubkey string
}

func (s PassthroughSigner) PubKey() string { return s.pubkey }

func (s PassthroughSigner) Sign(u relay.UnsignedEvent) (relay.Event, error) {
	return relay.Event{
		Kind:      u.Kind,
		PubKey:    s.pubkey,
		CreatedAt: u.CreatedAt,
		Content:   u.Content,
		Tags:      u.Tags,
	}, nil
}

// NewPassthroughSignerResolver returns a SignerResolver backed by
// PassthroughSigner, keyed by the agent's own pubkey. Deployments with a
// real signing service supply their own resolver instead.
func NewPassthroughSignerResolver() func(agentPubkey string) (relay.Signer, error) {
	return func(agentPubkey string) (relay.Signer, error) {
		return PassthroughSigner{pubkey: agentPubkey}, nil
	}
}
