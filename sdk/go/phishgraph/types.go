package phishgraph

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Investigation is a persisted multi-hop investigation: the question asked,
// the tool-call trace the reasoner produced, and its final answer.
type Investigation struct {
	ID          uuid.UUID       `json:"id"`
	AnalystID   string          `json:"analyst_id"`
	SubjectID   string          `json:"subject_id"`
	Question    string          `json:"question"`
	Answer      string          `json:"answer"`
	State       string          `json:"state"`
	Trace       json.RawMessage `json:"trace"`
	Hops        int             `json:"hops"`
	TokensUsed  int             `json:"tokens_used"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Investigation states.
const (
	StateDone            = "done"
	StateError           = "error"
	StateHopLimitReached = "hop_limit_reached"
)

// InvestigateRequest is the request body for Investigate.
type InvestigateRequest struct {
	SubjectID string `json:"subject_id"`
	Question  string `json:"question"`
	MaxHops   int    `json:"max_hops,omitempty"` // 0 means the server default
}

// SimilarInvestigation is one hit from similar-case recall.
type SimilarInvestigation struct {
	Investigation Investigation `json:"investigation"`
	Score         float32       `json:"score"`
}

// SimilarOptions are optional parameters for the Similar method.
type SimilarOptions struct {
	// SubjectID restricts hits to investigations of one subject email.
	SubjectID string
	// Limit caps the number of hits. Server default is 10, maximum 100.
	Limit int
}

// Pack types.
const (
	PackSenderNetwork    = "sender-network"
	PackRecipientNetwork = "recipient-network"
	PackCampaign         = "campaign"
	PackFullContext      = "full-context"
)

// PackNode is one graph node in a pack, deduplicated by ID.
type PackNode struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
}

// PackRelationship is one directed edge between pack nodes.
type PackRelationship struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// PackMetadata describes how and when a pack was produced.
type PackMetadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	TTLSeconds  int       `json:"ttl_seconds"`
	SourceQuery string    `json:"source_query"`
}

// Pack is a self-contained subgraph around a subject email.
type Pack struct {
	PackID        string             `json:"pack_id"`
	SubjectID     string             `json:"subject_id"`
	Type          string             `json:"type"`
	Nodes         []PackNode         `json:"nodes"`
	Relationships []PackRelationship `json:"relationships"`
	Metadata      PackMetadata       `json:"metadata"`
}

// Analyst is an analyst identity with role assignment.
type Analyst struct {
	ID        uuid.UUID `json:"id"`
	AnalystID string    `json:"analyst_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateAnalystRequest is the request body for CreateAnalyst.
// Role is one of "admin", "analyst" or "reader"; empty defaults to "analyst".
type CreateAnalystRequest struct {
	AnalystID string `json:"analyst_id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	APIKey    string `json:"api_key"`
}

// HealthResponse reports the server's view of its dependencies.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Neo4j    string `json:"neo4j"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
