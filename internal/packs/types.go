// Package packs generates cached, self-contained subgraph extracts around a
// subject email, sized to drop into a model prompt without further queries.
package packs

import (
	"time"
)

// PackType names one of the fixed extraction patterns.
type PackType string

const (
	// PackSenderNetwork covers the subject's sender and everything else
	// that sender has mailed: messages, their recipients, their links.
	PackSenderNetwork PackType = "sender-network"

	// PackRecipientNetwork covers the subject's recipients and the other
	// mail they received, with those messages' senders.
	PackRecipientNetwork PackType = "recipient-network"

	// PackCampaign covers same-subject-line emails sent within 24 hours of
	// the subject in either direction, with their senders and links.
	PackCampaign PackType = "campaign"

	// PackFullContext is the deduplicated union of the other three.
	PackFullContext PackType = "full-context"
)

// Valid reports whether t is a known pack type.
func (t PackType) Valid() bool {
	switch t {
	case PackSenderNetwork, PackRecipientNetwork, PackCampaign, PackFullContext:
		return true
	}
	return false
}

// TTL returns how long a pack of this type may be served from cache.
// Sender and recipient views drift slowly; campaigns accrete for longer;
// the union inherits the staleness of its freshest-moving constituent.
func (t PackType) TTL() time.Duration {
	switch t {
	case PackCampaign:
		return 2 * time.Hour
	case PackFullContext:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// Node is one graph node in a pack, deduplicated by ID.
type Node struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
}

// Relationship is one directed edge between pack nodes.
type Relationship struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Metadata describes how and when a pack was produced.
type Metadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	TTLSeconds  int       `json:"ttl_seconds"`
	SourceQuery string    `json:"source_query"`
}

// Pack is a self-contained subgraph around a subject email.
type Pack struct {
	PackID        string         `json:"pack_id"`
	SubjectID     string         `json:"subject_id"`
	Type          PackType       `json:"type"`
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
	Metadata      Metadata       `json:"metadata"`
}
