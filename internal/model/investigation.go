package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for investigation requests. These keep a single
// oversized field from filling Postgres TEXT columns or blowing up the
// reasoner's context window before the hop loop even starts.
const (
	MaxSubjectIDLen = 512
	MaxQuestionLen  = 8 * 1024 // 8 KB
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

// InvestigateRequest is the request body for POST /v1/investigations.
type InvestigateRequest struct {
	SubjectID string `json:"subject_id"`
	Question  string `json:"question"`
	MaxHops   int    `json:"max_hops,omitempty"` // 0 means the server default
}

// Validate checks per-field limits on an investigate request.
func (r InvestigateRequest) Validate() error {
	if r.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}
	if len(r.SubjectID) > MaxSubjectIDLen {
		return fmt.Errorf("subject_id exceeds maximum length of %d characters", MaxSubjectIDLen)
	}
	if r.Question == "" {
		return fmt.Errorf("question is required")
	}
	if len(r.Question) > MaxQuestionLen {
		return fmt.Errorf("question exceeds maximum length of %d bytes", MaxQuestionLen)
	}
	if r.MaxHops < 0 {
		return fmt.Errorf("max_hops must not be negative")
	}
	return nil
}

// SimilarInvestigation is one hit from similar-case recall.
type SimilarInvestigation struct {
	Investigation Investigation `json:"investigation"`
	Score         float32       `json:"score"`
}
