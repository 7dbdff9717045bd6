package authz

import (
	"log/slog"
	"net/http"

	"github.com/atlas-bms/atlas/internal/platform/httpx"
	"github.com/atlas-bms/atlas/internal/shared"
)

// Gate wires authorization checks in front of HTTP handlers. It holds no
// per-request state and is safe to share.
type Gate struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireOption customises one Require gate.
type RequireOption func(*requireConfig)

type requireConfig struct {
	extractor func(*http.Request) map[string]string
	failOpen  bool
}

// WithExtractor supplies the request-context builder used for condition
// evaluation, e.g. pulling a path parameter into resourceOwnerId.
func WithExtractor(fn func(*http.Request) map[string]string) RequireOption {
	return func(cfg *requireConfig) {
		cfg.extractor = fn
	}
}

// WithFailOpen lets the route pass when authorization infrastructure is
// unavailable. Opt-in per route for low-risk endpoints; the default is
// fail-closed everywhere.
func WithFailOpen() RequireOption {
	return func(cfg *requireConfig) {
		cfg.failOpen = true
	}
}

// Require ensures the current principal holds the permission code. Denied
// requests are short-circuited with a 403 whose body never carries the
// decision reason.
func (g Gate) Require(code string, opts ...RequireOption) func(http.Handler) http.Handler {
	var cfg requireConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			reqCtx := map[string]string{}
			if cfg.extractor != nil {
				reqCtx = cfg.extractor(r)
			}
			decision, err := g.Service.Authorize(r.Context(), principal, code, reqCtx)
			if err != nil {
				if g.Logger != nil {
					g.Logger.Error("authz gate", slog.String("code", code), slog.Any("error", err))
				}
				if cfg.failOpen {
					next.ServeHTTP(w, r)
					return
				}
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			if !decision.Allowed {
				if g.Logger != nil {
					g.Logger.Debug("authz deny",
						slog.Int64("user_id", principal.UserID),
						slog.String("code", code),
						slog.String("reason", string(decision.Reason)))
				}
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny ensures the principal holds at least one of the codes.
func (g Gate) RequireAny(codes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			for _, code := range codes {
				decision, err := g.Service.Authorize(r.Context(), principal, code, nil)
				if err != nil {
					if g.Logger != nil {
						g.Logger.Error("authz gate", slog.String("code", code), slog.Any("error", err))
					}
					continue
				}
				if decision.Allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		})
	}
}
