package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/atlas-bms/atlas/internal/shared"
)

// DecisionRecorder receives decision outcomes for observability. Nil
// recorders are accepted everywhere.
type DecisionRecorder interface {
	RecordDecision(reason Reason, allowed bool)
	RecordCacheLookup(hit bool)
}

// Service is the synchronous authorization entry point usable from any
// caller (HTTP gate, background jobs, CLI). It answers from the decision
// cache and falls back to the resolver on a miss, collapsing concurrent
// misses for the same principal with singleflight.
type Service struct {
	catalog  Catalog
	resolver *Resolver
	cache    *Cache
	logger   *slog.Logger
	metrics  DecisionRecorder
	sf       singleflight.Group
}

// NewService constructs the authorization service. Cache and metrics may
// be nil; a nil cache degrades to resolving on every call.
func NewService(catalog Catalog, resolver *Resolver, cache *Cache, logger *slog.Logger, metrics DecisionRecorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:  catalog,
		resolver: resolver,
		cache:    cache,
		logger:   logger,
		metrics:  metrics,
	}
}

// Authorize decides whether the principal holds the permission code under
// the given request context. "No permission" is a normal deny, never an
// error. A non-nil error indicates an infrastructure failure; the decision
// is already fail-closed in that case and callers may only override it
// through an explicit fail-open policy.
func (s *Service) Authorize(ctx context.Context, p shared.Principal, code string, reqCtx map[string]string) (Decision, error) {
	if p.SuperAdmin {
		return s.record(Decision{Allowed: true, Reason: ReasonSuperAdmin}), nil
	}

	known, err := s.catalog.Exists(ctx, code)
	if err != nil {
		s.logger.Error("authz catalog lookup", slog.String("code", code), slog.Any("error", err))
		return s.record(Decision{Allowed: false, Reason: ReasonNoGrant}), fmt.Errorf("authz: catalog: %w", err)
	}
	if !known {
		// Administrative data bug: a route references a code nobody
		// cataloged. Deny and leave a trail, never crash the request.
		s.logger.Error("authz unknown permission code", slog.String("code", code))
		return s.record(Decision{Allowed: false, Reason: ReasonNoGrant}), nil
	}

	set, _, err := s.resolvedSet(ctx, p)
	if err != nil {
		return s.record(Decision{Allowed: false, Reason: ReasonNoGrant}), err
	}

	entry, ok := set[code]
	if !ok {
		return s.record(Decision{Allowed: false, Reason: ReasonNoGrant}), nil
	}
	if len(entry.Conditions) > 0 && !evalConditions(entry.Conditions, p, reqCtx) {
		// The cached winner was decided assuming its conditions hold.
		// When they do not, the entry is skipped and the remaining
		// candidates must be re-weighed against the live context.
		dec, err := s.resolver.Resolve(ctx, p, code, reqCtx)
		if err != nil {
			s.logger.Error("authz resolve fallback", slog.Int64("user_id", p.UserID), slog.Any("error", err))
			return s.record(Decision{Allowed: false, Reason: ReasonNoGrant}), fmt.Errorf("authz: resolve: %w", err)
		}
		return s.record(dec), nil
	}
	return s.record(Decision{Allowed: entry.Allowed, Reason: entry.Reason}), nil
}

// ResolvedPermissions returns the sorted permission codes currently held
// by the principal, conditioned grants included.
func (s *Service) ResolvedPermissions(ctx context.Context, p shared.Principal) ([]string, error) {
	if p.SuperAdmin {
		perms, err := s.catalog.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("authz: catalog: %w", err)
		}
		codes := make([]string, 0, len(perms))
		for _, perm := range perms {
			codes = append(codes, perm.Code)
		}
		return codes, nil
	}
	set, _, err := s.resolvedSet(ctx, p)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(set))
	for code, entry := range set {
		if entry.Allowed {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// resolvedSet answers from the cache when possible. Cache failures degrade
// to a miss, never to an allow; resolver failures propagate fail-closed.
func (s *Service) resolvedSet(ctx context.Context, p shared.Principal) (ResolvedSet, bool, error) {
	set, err := s.cache.GetResolvedSet(ctx, p.UserID, p.TenantID)
	if err != nil {
		s.logger.Warn("authz cache get", slog.Int64("user_id", p.UserID), slog.Any("error", err))
	}
	if set != nil {
		s.recordCache(true)
		return set, true, nil
	}
	s.recordCache(false)

	key := fmt.Sprintf("%d:%s", p.UserID, scopeLabel(p.TenantID))
	computed, err, _ := s.sf.Do(key, func() (any, error) {
		resolved, err := s.resolver.ResolveSet(ctx, p)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Put(ctx, p.UserID, p.TenantID, resolved); err != nil {
			s.logger.Warn("authz cache put", slog.Int64("user_id", p.UserID), slog.Any("error", err))
		}
		return resolved, nil
	})
	if err != nil {
		s.logger.Error("authz resolve set", slog.Int64("user_id", p.UserID), slog.Any("error", err))
		return nil, false, fmt.Errorf("authz: resolve set: %w", err)
	}
	return computed.(ResolvedSet), false, nil
}

func (s *Service) record(d Decision) Decision {
	if s.metrics != nil {
		s.metrics.RecordDecision(d.Reason, d.Allowed)
	}
	return d
}

func (s *Service) recordCache(hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(hit)
	}
}
