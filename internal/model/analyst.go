// Package model defines the domain types shared across the HTTP API,
// storage layer, and services.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnalystRole represents the RBAC role assigned to an analyst.
type AnalystRole string

const (
	RoleAdmin   AnalystRole = "admin"
	RoleAnalyst AnalystRole = "analyst"
	RoleReader  AnalystRole = "reader"
)

// Analyst represents an analyst identity with role assignment.
type Analyst struct {
	ID         uuid.UUID   `json:"id"`
	AnalystID  string      `json:"analyst_id"`
	Name       string      `json:"name"`
	Role       AnalystRole `json:"role"`
	APIKeyHash *string     `json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters; RoleAtLeast uses >= comparison.
func RoleRank(r AnalystRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAnalyst:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AnalystRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateAnalystID checks that an analyst ID conforms to the allowed format.
// Analyst IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAnalystID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("analyst_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("analyst_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("analyst_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
