package authz

import "time"

// Effect states whether a grant allows or denies its permission code.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Reason explains which precedence rule produced a decision. Internal
// observability only; never returned to HTTP clients.
type Reason string

const (
	ReasonSuperAdmin  Reason = "SUPER_ADMIN"
	ReasonDirectAllow Reason = "DIRECT_ALLOW"
	ReasonDirectDeny  Reason = "DIRECT_DENY"
	ReasonGroupAllow  Reason = "GROUP_ALLOW"
	ReasonGroupDeny   Reason = "GROUP_DENY"
	ReasonNoGrant     Reason = "NO_GRANT"
)

// Decision is the outcome of resolving one permission code for a principal.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Conditions narrows when a group permission applies. Every key must be
// present in the request context with an equal value. The special value
// "self" compares against the requesting user's ID.
type Conditions map[string]string

// ConditionSelf marks a condition value that must equal the principal's
// own user ID at evaluation time.
const ConditionSelf = "self"

// Permission is one cataloged capability, identified by a dot-separated
// code "module.resource.action".
type Permission struct {
	ID          int64
	Code        string
	Name        string
	Description string
	Module      string
	Resource    string
	Action      string
	IsSystem    bool
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Group is a named, prioritized collection of permission grants.
// TenantID nil means the group is global and visible to every tenant.
type Group struct {
	ID          int64
	Name        string
	Slug        string
	Description string
	Color       string
	Priority    int
	IsSystem    bool
	IsActive    bool
	ParentID    *int64
	TenantID    *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VisibleInScope reports whether the group participates in resolutions
// for the given tenant scope. Global groups are visible in every scope;
// tenant groups only in their own.
func (g Group) VisibleInScope(tenantID *int64) bool {
	if g.TenantID == nil {
		return true
	}
	return tenantID != nil && *g.TenantID == *tenantID
}

// GroupPermission attaches a permission code to a group with an effect
// and optional conditions. A group holds a code at most once.
type GroupPermission struct {
	GroupID    int64
	Code       string
	Effect     Effect
	Conditions Conditions
}

// Membership links a user to a group. Expired memberships are excluded
// from resolution but kept in storage (lazy expiry).
type Membership struct {
	UserID    int64
	GroupID   int64
	GrantedBy *int64
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// DirectPermission is a per-user override evaluated ahead of any group
// grant. Direct grants are unconditional.
type DirectPermission struct {
	UserID    int64
	Code      string
	Effect    Effect
	TenantID  *int64
	GrantedBy *int64
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// Entry is one code in a resolved permission set: the effect decided
// assuming conditions hold, plus the conditions the gate must re-check
// against the live request context.
type Entry struct {
	Allowed    bool       `json:"allowed"`
	Reason     Reason     `json:"reason"`
	Conditions Conditions `json:"conditions,omitempty"`
}

// ResolvedSet maps permission codes to their resolved entries for one
// principal within one tenant scope.
type ResolvedSet map[string]Entry

// Reserved system group slugs, seeded at install time.
const (
	GroupSlugAdmin = "admin"
	GroupSlugUser  = "user"
)
