package authz

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/homecare/homecare/internal/platform/httpx"
	"github.com/homecare/homecare/internal/rbac"
)

// Headers set by the authenticating gateway in front of the service.
const (
	HeaderGatewayToken    = "X-Gateway-Token"
	HeaderUserID          = "X-User-ID"
	HeaderSystemAdmin     = "X-System-Admin"
	HeaderCompanyID       = "X-Company-ID"
	HeaderEstablishmentID = "X-Establishment-ID"
)

// Middleware wires the Guard into chi routes.
type Middleware struct {
	Guard  *Guard
	Logger *slog.Logger
}

// Require rejects requests whose principal lacks permission in the context
// identified by ids.
func (m Middleware) Require(permission string, ct rbac.ContextType, ids ContextIDResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := rbac.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			d := m.Guard.Check(r.Context(), p, permission, ct, ids)
			if !d.Allowed {
				WriteDenied(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteDenied renders a denial. Scope-based denials look exactly like a
// missing resource.
func WriteDenied(w http.ResponseWriter, d Decision) {
	switch {
	case d.Allowed:
		return
	case d.Reason == ReasonResolutionUnavailable:
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "authorization could not be determined")
	case d.ScopeBased:
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	default:
		httpx.Problem(w, http.StatusForbidden, "Forbidden", fmt.Sprintf("missing permission %s in %s context", d.Permission, d.Context.Type))
	}
}

// URLParam resolves the context id from a chi route parameter.
func URLParam(name string) ContextIDResolver {
	return ContextIDFunc(func(ctx context.Context) (int64, error) {
		raw := chi.URLParamFromCtx(ctx, name)
		if raw == "" {
			return 0, fmt.Errorf("route parameter %q missing", name)
		}
		return strconv.ParseInt(raw, 10, 64)
	})
}

// PrincipalCompany resolves the context id to the principal's bound company.
func PrincipalCompany() ContextIDResolver {
	return ContextIDFunc(func(ctx context.Context) (int64, error) {
		p, ok := rbac.PrincipalFromContext(ctx)
		if !ok || p.CompanyID <= 0 {
			return 0, errors.New("principal has no company")
		}
		return p.CompanyID, nil
	})
}

// PrincipalEstablishment resolves the context id to the principal's bound establishment.
func PrincipalEstablishment() ContextIDResolver {
	return ContextIDFunc(func(ctx context.Context) (int64, error) {
		p, ok := rbac.PrincipalFromContext(ctx)
		if !ok || p.EstablishmentID <= 0 {
			return 0, errors.New("principal has no establishment")
		}
		return p.EstablishmentID, nil
	})
}

// GatewayAuthenticator trusts the principal headers of the authenticating
// gateway once the shared gateway token matches.
type GatewayAuthenticator struct {
	Token  string
	Logger *slog.Logger
}

// Middleware places the principal into the request context. Requests without
// a valid token or user id are rejected with 401.
func (a GatewayAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Token == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(HeaderGatewayToken)), []byte(a.Token)) != 1 {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
			return
		}
		p, err := principalFromHeaders(r.Header)
		if err != nil {
			if a.Logger != nil {
				a.Logger.Warn("authz principal headers", slog.Any("error", err))
			}
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(rbac.ContextWithPrincipal(r.Context(), p)))
	})
}

func principalFromHeaders(h http.Header) (rbac.Principal, error) {
	var p rbac.Principal
	var err error
	if p.UserID, err = headerInt(h, HeaderUserID); err != nil {
		return p, err
	}
	if p.UserID <= 0 {
		return p, errors.New("user id required")
	}
	if p.CompanyID, err = headerInt(h, HeaderCompanyID); err != nil {
		return p, err
	}
	if p.EstablishmentID, err = headerInt(h, HeaderEstablishmentID); err != nil {
		return p, err
	}
	if raw := strings.TrimSpace(h.Get(HeaderSystemAdmin)); raw != "" {
		if p.IsSystemAdmin, err = strconv.ParseBool(raw); err != nil {
			return p, fmt.Errorf("%s: %w", HeaderSystemAdmin, err)
		}
	}
	return p, nil
}

func headerInt(h http.Header, name string) (int64, error) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s: invalid value %q", name, raw)
	}
	return v, nil
}
