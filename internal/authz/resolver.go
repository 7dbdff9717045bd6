package authz

import (
	"context"
	"errors"
	"strconv"

	"github.com/atlas-bms/atlas/internal/shared"
)

// Resolver computes authorization decisions from group memberships and
// direct grants. All computation is read-only; the resolver is safe for
// unlimited concurrent use.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// groupEntry is one candidate grant retained during group resolution.
type groupEntry struct {
	groupID    int64
	priority   int
	effect     Effect
	conditions Conditions
}

// Resolve decides one permission code for a principal against a live
// request context.
//
// Precedence, first match wins: super-admin bypass; direct grant for the
// exact code (unconditional override); group entries whose conditions hold,
// highest priority first, DENY beating ALLOW on ties; default deny.
func (r *Resolver) Resolve(ctx context.Context, p shared.Principal, code string, reqCtx map[string]string) (Decision, error) {
	if p.SuperAdmin {
		return Decision{Allowed: true, Reason: ReasonSuperAdmin}, nil
	}

	directs, err := r.store.ListDirectPermissions(ctx, p.UserID, p.TenantID)
	if err != nil {
		return Decision{}, err
	}
	if d, ok := findDirect(directs, code); ok {
		return directDecision(d.Effect), nil
	}

	entries, err := r.groupEntriesForCode(ctx, p, code)
	if err != nil {
		return Decision{}, err
	}
	matched := entries[:0]
	for _, e := range entries {
		if evalConditions(e.conditions, p, reqCtx) {
			matched = append(matched, e)
		}
	}
	winner, ok := pickWinner(matched)
	if !ok {
		return Decision{Allowed: false, Reason: ReasonNoGrant}, nil
	}
	return groupDecision(winner.effect), nil
}

// ResolveSet computes the full resolved permission set for a principal:
// every code referenced by their active groups or direct grants, decided
// assuming conditions hold. The winning entry's conditions are recorded so
// callers can re-validate them against a live request context.
func (r *Resolver) ResolveSet(ctx context.Context, p shared.Principal) (ResolvedSet, error) {
	set := make(ResolvedSet)

	directs, err := r.store.ListDirectPermissions(ctx, p.UserID, p.TenantID)
	if err != nil {
		return nil, err
	}

	groups, err := r.store.ListActiveGroupsForUser(ctx, p.UserID, p.TenantID)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string][]groupEntry)
	for _, g := range groups {
		perms, err := r.effectiveGroupPermissions(ctx, g, p.TenantID)
		if err != nil {
			return nil, err
		}
		for _, gp := range perms {
			byCode[gp.Code] = append(byCode[gp.Code], groupEntry{
				groupID:    g.ID,
				priority:   g.Priority,
				effect:     gp.Effect,
				conditions: gp.Conditions,
			})
		}
	}

	for code, entries := range byCode {
		winner, ok := pickWinner(entries)
		if !ok {
			continue
		}
		d := groupDecision(winner.effect)
		set[code] = Entry{Allowed: d.Allowed, Reason: d.Reason, Conditions: winner.conditions}
	}

	// Direct grants override whatever the groups decided.
	for _, d := range directs {
		dec := directDecision(d.Effect)
		set[d.Code] = Entry{Allowed: dec.Allowed, Reason: dec.Reason}
	}

	return set, nil
}

// groupEntriesForCode gathers candidate grants for one code across the
// principal's active groups, inherited parent rows included.
func (r *Resolver) groupEntriesForCode(ctx context.Context, p shared.Principal, code string) ([]groupEntry, error) {
	groups, err := r.store.ListActiveGroupsForUser(ctx, p.UserID, p.TenantID)
	if err != nil {
		return nil, err
	}
	var entries []groupEntry
	for _, g := range groups {
		perms, err := r.effectiveGroupPermissions(ctx, g, p.TenantID)
		if err != nil {
			return nil, err
		}
		for _, gp := range perms {
			if gp.Code != code {
				continue
			}
			entries = append(entries, groupEntry{
				groupID:    g.ID,
				priority:   g.Priority,
				effect:     gp.Effect,
				conditions: gp.Conditions,
			})
		}
	}
	return entries, nil
}

// effectiveGroupPermissions unions parent rows into the group before
// priority comparison. A row held by the group itself replaces an
// inherited row for the same code; inherited rows are evaluated at the
// group's own priority. Parent chains are walked with cycle protection
// and stop at the first parent that is inactive or not visible in the
// resolving tenant scope.
func (r *Resolver) effectiveGroupPermissions(ctx context.Context, g Group, tenantID *int64) ([]GroupPermission, error) {
	own, err := r.store.ListGroupPermissions(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if g.ParentID == nil {
		return own, nil
	}

	seen := map[int64]bool{g.ID: true}
	var chain []int64
	next := g.ParentID
	for next != nil && !seen[*next] {
		seen[*next] = true
		parent, err := r.store.GetGroup(ctx, *next)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				break
			}
			return nil, err
		}
		if !parent.IsActive || !parent.VisibleInScope(tenantID) {
			break
		}
		chain = append(chain, parent.ID)
		next = parent.ParentID
	}

	// Apply ancestors furthest-first so nearer rows override.
	merged := make(map[string]GroupPermission)
	for i := len(chain) - 1; i >= 0; i-- {
		rows, err := r.store.ListGroupPermissions(ctx, chain[i])
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			merged[row.Code] = row
		}
	}
	for _, row := range own {
		merged[row.Code] = row
	}

	result := make([]GroupPermission, 0, len(merged))
	for _, row := range merged {
		result = append(result, row)
	}
	return result, nil
}

// pickWinner selects the highest-priority entry; at equal priority DENY
// wins over ALLOW, then an unconditional entry over a conditioned one,
// then the lowest group ID for determinism.
func pickWinner(entries []groupEntry) (groupEntry, bool) {
	if len(entries) == 0 {
		return groupEntry{}, false
	}
	winner := entries[0]
	for _, e := range entries[1:] {
		if beats(e, winner) {
			winner = e
		}
	}
	return winner, true
}

func beats(a, b groupEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if (a.effect == EffectDeny) != (b.effect == EffectDeny) {
		return a.effect == EffectDeny
	}
	if (len(a.conditions) == 0) != (len(b.conditions) == 0) {
		return len(a.conditions) == 0
	}
	return a.groupID < b.groupID
}

// evalConditions checks every condition key/value against the request
// context. An absent context key fails the condition. The value "self"
// matches when the context value equals the principal's user ID.
func evalConditions(c Conditions, p shared.Principal, reqCtx map[string]string) bool {
	for key, want := range c {
		got, ok := reqCtx[key]
		if !ok {
			return false
		}
		if want == ConditionSelf {
			want = strconv.FormatInt(p.UserID, 10)
		}
		if got != want {
			return false
		}
	}
	return true
}

func directDecision(e Effect) Decision {
	if e == EffectAllow {
		return Decision{Allowed: true, Reason: ReasonDirectAllow}
	}
	return Decision{Allowed: false, Reason: ReasonDirectDeny}
}

func groupDecision(e Effect) Decision {
	if e == EffectAllow {
		return Decision{Allowed: true, Reason: ReasonGroupAllow}
	}
	return Decision{Allowed: false, Reason: ReasonGroupDeny}
}

func findDirect(directs []DirectPermission, code string) (DirectPermission, bool) {
	for _, d := range directs {
		if d.Code == code {
			return d, true
		}
	}
	return DirectPermission{}, false
}
