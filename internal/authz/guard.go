// Package authz is the enforcement entry point every handler goes through.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/homecare/homecare/internal/audit"
	"github.com/homecare/homecare/internal/rbac"
	"github.com/homecare/homecare/internal/rbac/scope"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed               Reason = "allowed"
	ReasonPermissionDenied      Reason = "permission_denied"
	ReasonResolutionUnavailable Reason = "resolution_unavailable"
)

// Decision is the typed outcome of Check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Permission string
	Context    rbac.Context
	// ScopeBased marks denials whose target lies outside the principal's
	// tenant. Callers must answer those like a missing resource.
	ScopeBased bool
	CheckedAt  time.Time
	cause      error
}

// Err maps a denial to its sentinel error. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonResolutionUnavailable {
		return fmt.Errorf("%w: %s in %s", rbac.ErrResolutionUnavailable, d.Permission, d.Context)
	}
	if errors.Is(d.cause, rbac.ErrUnknownPrincipalContext) {
		return fmt.Errorf("%w: %w", rbac.ErrPermissionDenied, rbac.ErrUnknownPrincipalContext)
	}
	return fmt.Errorf("%w: %s in %s", rbac.ErrPermissionDenied, d.Permission, d.Context)
}

// ContextIDResolver supplies the target context id of the current request.
type ContextIDResolver interface {
	ResolveContextID(ctx context.Context) (int64, error)
}

// ContextIDFunc adapts a function to ContextIDResolver.
type ContextIDFunc func(ctx context.Context) (int64, error)

// ResolveContextID calls f.
func (f ContextIDFunc) ResolveContextID(ctx context.Context) (int64, error) {
	return f(ctx)
}

// StaticContextID always resolves to id.
func StaticContextID(id int64) ContextIDResolver {
	return ContextIDFunc(func(context.Context) (int64, error) { return id, nil })
}

// PermissionSource returns a non-admin user's permission set; *permcache.Cache
// satisfies it.
type PermissionSource interface {
	Get(ctx context.Context, userID int64, c rbac.Context) (rbac.PermissionSet, error)
}

// DecisionObserver receives every decision, typically for metrics.
type DecisionObserver interface {
	ObserveDecision(reason, contextType string)
}

// GuardConfig collects Guard dependencies.
type GuardConfig struct {
	Permissions       PermissionSource
	Filter            *scope.Filter
	Audit             audit.Sink
	Observer          DecisionObserver
	Logger            *slog.Logger
	ResolutionTimeout time.Duration
	// DisableSystemAdminBypass makes administrators go through normal resolution.
	DisableSystemAdminBypass bool
	Now                      func() time.Time
}

// Guard checks permissions and records denials. It is stateless apart from
// the permission source.
type Guard struct {
	perms       PermissionSource
	filter      *scope.Filter
	audit       audit.Sink
	observer    DecisionObserver
	logger      *slog.Logger
	timeout     time.Duration
	adminBypass bool
	now         func() time.Time
}

// NewGuard builds a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	g := &Guard{
		perms:       cfg.Permissions,
		filter:      cfg.Filter,
		audit:       cfg.Audit,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		timeout:     cfg.ResolutionTimeout,
		adminBypass: !cfg.DisableSystemAdminBypass,
		now:         cfg.Now,
	}
	if g.filter == nil {
		g.filter = scope.NewFilter(scope.NewRegistry(scope.DefaultKinds()...), scope.WithSystemAdminBypass(g.adminBypass))
	}
	if g.audit == nil {
		g.audit = audit.Discard
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.timeout <= 0 {
		g.timeout = 2 * time.Second
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Check decides whether p holds permission in the context of type ct whose id
// is supplied by ids. The system context ignores ids.
func (g *Guard) Check(ctx context.Context, p rbac.Principal, permission string, ct rbac.ContextType, ids ContextIDResolver) Decision {
	d := Decision{
		Permission: rbac.NormalizePermission(permission),
		Context:    rbac.Context{Type: ct},
		CheckedAt:  g.now(),
	}

	target, targetErr := g.target(ctx, ct, ids)
	if targetErr == nil {
		d.Context = target
	}

	if g.adminBypass && p.IsSystemAdmin {
		return g.allow(d)
	}
	if targetErr != nil {
		return g.deny(ctx, p, d, "invalid_context", targetErr)
	}
	if ct != rbac.ContextSystem && !p.Bound() {
		d.ScopeBased = true
		return g.deny(ctx, p, d, "unknown_principal_context", rbac.ErrUnknownPrincipalContext)
	}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	set, err := g.perms.Get(rctx, p.UserID, target)
	if err != nil {
		if ctx.Err() != nil {
			return g.abandoned(p, d, err)
		}
		return g.unavailable(ctx, p, d, err)
	}
	if set.Has(d.Permission) {
		return g.allow(d)
	}
	d.ScopeBased = !g.filter.Covers(p, target)
	return g.deny(ctx, p, d, string(ReasonPermissionDenied), nil)
}

// Require is Check returning the decision's error.
func (g *Guard) Require(ctx context.Context, p rbac.Principal, permission string, c rbac.Context) error {
	return g.Check(ctx, p, permission, c.Type, StaticContextID(c.ID)).Err()
}

func (g *Guard) target(ctx context.Context, ct rbac.ContextType, ids ContextIDResolver) (rbac.Context, error) {
	if ct == rbac.ContextSystem {
		return rbac.SystemContext(), nil
	}
	if ids == nil {
		return rbac.Context{}, fmt.Errorf("%w: no context id resolver for %s", rbac.ErrValidation, ct)
	}
	id, err := ids.ResolveContextID(ctx)
	if err != nil {
		return rbac.Context{}, fmt.Errorf("%w: resolve %s id: %v", rbac.ErrValidation, ct, err)
	}
	return rbac.NewContext(ct, id)
}

func (g *Guard) allow(d Decision) Decision {
	d.Allowed = true
	d.Reason = ReasonAllowed
	g.observe(d)
	return d
}

func (g *Guard) deny(ctx context.Context, p rbac.Principal, d Decision, why string, cause error) Decision {
	d.Reason = ReasonPermissionDenied
	d.cause = cause
	g.observe(d)
	g.record(ctx, p, d, audit.EventAccessDenied, why)
	return d
}

func (g *Guard) unavailable(ctx context.Context, p rbac.Principal, d Decision, cause error) Decision {
	d.Reason = ReasonResolutionUnavailable
	d.cause = cause
	g.logger.Error("authz resolution unavailable",
		slog.Int64("user_id", p.UserID),
		slog.String("permission", d.Permission),
		slog.String("context", d.Context.String()),
		slog.Any("error", cause))
	g.observe(d)
	g.record(ctx, p, d, audit.EventResolutionUnavailable, cause.Error())
	return d
}

// abandoned denies a check whose caller went away mid-resolution. Nothing is
// audited and nothing is reported as an outage.
func (g *Guard) abandoned(p rbac.Principal, d Decision, cause error) Decision {
	d.Reason = ReasonResolutionUnavailable
	d.cause = cause
	g.logger.Debug("authz check abandoned by caller",
		slog.Int64("user_id", p.UserID),
		slog.String("permission", d.Permission),
		slog.Any("error", cause))
	if g.observer != nil {
		g.observer.ObserveDecision(observedCancelled, string(d.Context.Type))
	}
	return d
}

// observedCancelled labels abandoned checks for the observer.
const observedCancelled = "caller_cancelled"

func (g *Guard) observe(d Decision) {
	if g.observer != nil {
		g.observer.ObserveDecision(string(d.Reason), string(d.Context.Type))
	}
}

// record writes the audit event before the decision is returned. A failing
// sink is logged and never changes the decision.
func (g *Guard) record(ctx context.Context, p rbac.Principal, d Decision, t audit.EventType, why string) {
	contextType := string(d.Context.Type)
	if contextType == "" {
		contextType = "unknown"
	}
	err := g.audit.Record(context.WithoutCancel(ctx), audit.Event{
		Type:        t,
		PrincipalID: p.UserID,
		Permission:  d.Permission,
		ContextType: contextType,
		ContextID:   d.Context.ID,
		Reason:      why,
		OccurredAt:  d.CheckedAt,
	})
	if err != nil {
		g.logger.Error("authz audit record", slog.String("event_type", string(t)), slog.Any("error", err))
	}
}
