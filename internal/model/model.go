// Package model holds the core entities: users, resources, team
// memberships, ledger entries and authorization decisions. The Postgres
// store owns users and resources; the core holds cached projections only.
package model

import (
	"fmt"
	"time"
)

// Role is a user's global role.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

// rank orders roles for monotonicity checks; higher never decreases except
// by admin action.
func (r Role) Rank() int {
	switch r {
	case RoleService:
		return 3
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// Visibility of a resource.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

// TeamRole is a member's role within a team.
type TeamRole string

const (
	TeamOwner  TeamRole = "owner"
	TeamEditor TeamRole = "editor"
	TeamViewer TeamRole = "viewer"
)

// Allows reports whether the team role permits the operation.
func (tr TeamRole) Allows(op Operation) bool {
	switch tr {
	case TeamOwner:
		return true
	case TeamEditor:
		return op == OpRead || op == OpWrite
	case TeamViewer:
		return op == OpRead
	default:
		return false
	}
}

// Operation is an access operation on a resource.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// ResourceType names the concrete resource variants.
type ResourceType string

const (
	ResourceGeneration ResourceType = "generation"
	ResourceProject    ResourceType = "project"
)

// User mirrors the users table.
type User struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	DisplayName    string         `json:"display_name,omitempty"`
	AvatarURL      string         `json:"avatar_url,omitempty"`
	CreditsBalance int            `json:"credits_balance"`
	Role           Role           `json:"role"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
	Profile        map[string]any `json:"profile,omitempty"`
}

// Project mirrors the projects table.
type Project struct {
	ID          string     `json:"id"`
	OwnerUserID string     `json:"owner_user_id"`
	TeamID      string     `json:"team_id,omitempty"`
	Visibility  Visibility `json:"visibility"`
	Title       string     `json:"title,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
}

// Generation mirrors the generations table.
type Generation struct {
	ID          string     `json:"id"`
	OwnerUserID string     `json:"owner_user_id"`
	ProjectID   string     `json:"project_id,omitempty"`
	Status      string     `json:"status,omitempty"`
	Visibility  Visibility `json:"visibility"`
	ModelID     string     `json:"model_id,omitempty"`
	OutputURLs  []string   `json:"output_urls,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
}

// TeamMembership mirrors the team_members table.
type TeamMembership struct {
	UserID   string    `json:"user_id"`
	TeamID   string    `json:"team_id"`
	Role     TeamRole  `json:"role"`
	IsActive bool      `json:"is_active"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
}

// LedgerKind classifies credit ledger entries.
type LedgerKind string

const (
	KindPurchase LedgerKind = "purchase"
	KindUsage    LedgerKind = "usage"
	KindRefund   LedgerKind = "refund"
	KindBonus    LedgerKind = "bonus"
	KindReferral LedgerKind = "referral"
)

// CreditLedgerEntry mirrors the credit_ledger table. Entries are
// append-only; kind=usage implies a negative amount.
type CreditLedgerEntry struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Amount         int            `json:"amount"`
	Kind           LedgerKind     `json:"kind"`
	BalanceAfter   int            `json:"balance_after"`
	GenerationID   string         `json:"generation_id,omitempty"`
	Description    string         `json:"description,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
}

// AuthorizationDecision is the cached outcome of an access check.
type AuthorizationDecision struct {
	UserID        string       `json:"user_id"`
	ResourceType  ResourceType `json:"resource_type"`
	ResourceID    string       `json:"resource_id"`
	Op            Operation    `json:"op"`
	Granted       bool         `json:"granted"`
	EffectiveRole string       `json:"effective_role,omitempty"`
	Method        string       `json:"method"`
	ComputedAt    time.Time    `json:"computed_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// AuthzContextRow mirrors mv_user_authorization_context.
type AuthzContextRow struct {
	UserID         string    `json:"user_id"`
	GenerationID   string    `json:"generation_id"`
	IsOwner        bool      `json:"is_owner"`
	HasReadAccess  bool      `json:"has_read_access"`
	HasWriteAccess bool      `json:"has_write_access"`
	EffectiveRole  string    `json:"effective_role"`
	ComputedAt     time.Time `json:"computed_at,omitempty"`
}

// Cache key builders. Entities use "repo:<table>:<op>:<args>"; decisions
// use "perm:<user>:<rtype>:<rid>:<op>".
func UserKey(userID string) string    { return fmt.Sprintf("repo:users:get:%s", userID) }
func CreditsKey(userID string) string { return fmt.Sprintf("repo:users:credits:%s", userID) }

func TeamMemberKey(userID, teamID string) string {
	return fmt.Sprintf("repo:team_members:get:%s:%s", userID, teamID)
}

func DecisionKey(userID string, rt ResourceType, resourceID string, op Operation) string {
	return fmt.Sprintf("perm:%s:%s:%s:%s", userID, rt, resourceID, op)
}

// UserDecisionPattern matches every cached decision for a user.
func UserDecisionPattern(userID string) string { return fmt.Sprintf("perm:%s:*", userID) }

// ResourceDecisionPattern matches every cached decision for a resource.
func ResourceDecisionPattern(rt ResourceType, resourceID string) string {
	return fmt.Sprintf("perm:*:%s:%s:*", rt, resourceID)
}
