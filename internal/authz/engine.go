// Package authz decides access(user, resource, op). First match wins:
// cached decision, materialized-view fast path, direct ownership, public
// visibility, team visibility, default deny. The engine fails closed: any
// error yields not-granted with method "error", never a spurious grant.
package authz

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/genstudio/authcore/internal/apperr"
	"github.com/genstudio/authcore/internal/cache"
	"github.com/genstudio/authcore/internal/events"
	"github.com/genstudio/authcore/internal/model"
	"github.com/genstudio/authcore/internal/query"
)

// Method tags for observability.
const (
	MethodCacheL1          = "cache_l1"
	MethodCacheL2          = "cache_l2"
	MethodMaterializedView = "materialized_view"
	MethodDirectOwnership  = "direct_ownership"
	MethodPublicVisibility = "public_visibility"
	MethodTeamVisibility   = "team_visibility"
	MethodDefaultDeny      = "default_deny"
	MethodNotFound         = "not_found"
	MethodError            = "error"

	MethodEscalationBlocked  = "privilege_escalation_blocked"
	MethodEnumerationBlocked = "enumeration_blocked"
)

const (
	decisionTTL   = 5 * time.Minute
	membershipTTL = time.Minute
)

// Admin-only operations used by the escalation guard.
var adminOps = map[string]bool{
	"delete_user":        true,
	"modify_permissions": true,
	"view_logs":          true,
	"system_config":      true,
}

// Store is the slice of the query executor the engine uses.
type Store interface {
	Do(ctx context.Context, req query.Request, dest any) error
}

// Request is one access check.
type Request struct {
	UserID       string
	Role         model.Role // caller's global role claim
	ResourceType model.ResourceType
	ResourceID   string
	Op           model.Operation
	BearerToken  string
	AdminOp      string // named admin operation, when applicable
}

// Engine computes authorization decisions.
type Engine struct {
	store       Store
	cache       *cache.MultiTier
	bus         *events.Bus
	logger      *slog.Logger
	guardBlocks bool // escalation guards advisory vs. blocking

	seqMu        sync.Mutex
	lastAccessed map[string]int64 // user -> last numeric resource id (enumeration signal)
}

// Options configures the engine.
type Options struct {
	Store       Store
	Cache       *cache.MultiTier
	Bus         *events.Bus
	Logger      *slog.Logger
	GuardBlocks bool
}

// NewEngine builds the engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:        opts.Store,
		cache:        opts.Cache,
		bus:          opts.Bus,
		logger:       opts.Logger.With("component", "authz"),
		guardBlocks:  opts.GuardBlocks,
		lastAccessed: make(map[string]int64),
	}
}

// Authorize runs the decision algorithm. The returned decision always has a
// method tag; errors surface only for NotFound and infrastructure failures
// that prevented a sound decision.
func (e *Engine) Authorize(ctx context.Context, req Request) (*model.AuthorizationDecision, error) {
	if denied := e.guard(req); denied != nil {
		return denied, nil
	}

	key := model.DecisionKey(req.UserID, req.ResourceType, req.ResourceID, req.Op)

	// Step 1: cached decision.
	if e.cache != nil {
		if v, ok := e.cache.L1Cache().Get(key); ok {
			if d, ok := v.(*model.AuthorizationDecision); ok {
				cached := *d
				cached.Method = MethodCacheL1
				return &cached, nil
			}
		}
		var d model.AuthorizationDecision
		if e.l2Get(ctx, key, &d) {
			cached := d
			cached.Method = MethodCacheL2
			return &cached, nil
		}
	}

	decision, err := e.compute(ctx, req)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return e.decision(req, false, "", MethodNotFound), err
		}
		e.logger.Warn("authorization errored, failing closed",
			"user", req.UserID, "resource", req.ResourceID, "error", err)
		return e.decision(req, false, "", MethodError), err
	}

	if e.cache != nil {
		e.cache.Set(ctx, key, decision, decisionTTL, cache.PriorityCritical)
	}
	e.recordAccess(req)
	return decision, nil
}

func (e *Engine) l2Get(ctx context.Context, key string, dest *model.AuthorizationDecision) bool {
	_, level, err := e.cache.Get(ctx, key, dest, nil)
	return err == nil && level == cache.HitL2 && !dest.ComputedAt.IsZero()
}

func (e *Engine) compute(ctx context.Context, req Request) (*model.AuthorizationDecision, error) {
	// Step 2: materialized view fast path (generations only).
	if req.ResourceType == model.ResourceGeneration {
		if d, ok, err := e.fromView(ctx, req); err == nil && ok {
			return d, nil
		}
		// A view miss falls through to direct checks; view errors do too.
	}

	// Step 3+: direct resource checks.
	switch req.ResourceType {
	case model.ResourceGeneration:
		return e.checkGeneration(ctx, req)
	case model.ResourceProject:
		return e.checkProject(ctx, req)
	default:
		return nil, apperr.NotFound("resource type " + string(req.ResourceType))
	}
}

func (e *Engine) fromView(ctx context.Context, req Request) (*model.AuthorizationDecision, bool, error) {
	var rows []model.AuthzContextRow
	err := e.store.Do(ctx, query.Request{
		Table:         "mv_user_authorization_context",
		Op:            query.OpSelect,
		Filters:       map[string]string{"user_id": req.UserID, "generation_id": req.ResourceID},
		Single:        true,
		UsePrivileged: true,
		BearerToken:   req.BearerToken,
		Timeout:       query.TimeoutAuthzCheck,
		CallerTag:     "authz.view",
	}, &rows)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}

	row := rows[0]
	granted := false
	switch req.Op {
	case model.OpRead:
		granted = row.IsOwner || row.HasReadAccess
	case model.OpWrite:
		granted = row.IsOwner || row.HasWriteAccess
	case model.OpDelete:
		granted = row.IsOwner
	}
	role := row.EffectiveRole
	if row.IsOwner {
		role = string(model.TeamOwner)
	}
	return e.decision(req, granted, role, MethodMaterializedView), true, nil
}

func (e *Engine) checkGeneration(ctx context.Context, req Request) (*model.AuthorizationDecision, error) {
	var rows []model.Generation
	err := e.store.Do(ctx, query.Request{
		Table:         "generations",
		Op:            query.OpSelect,
		Filters:       map[string]string{"id": req.ResourceID},
		Single:        true,
		UsePrivileged: true,
		BearerToken:   req.BearerToken,
		Timeout:       query.TimeoutAuthSingleRow,
		CallerTag:     "authz.generation",
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("generation " + req.ResourceID)
	}
	g := rows[0]

	if g.OwnerUserID == req.UserID {
		return e.decision(req, true, string(model.TeamOwner), MethodDirectOwnership), nil
	}
	if g.Visibility == model.VisibilityPublic && req.Op == model.OpRead {
		return e.decision(req, true, string(model.TeamViewer), MethodPublicVisibility), nil
	}
	if g.Visibility == model.VisibilityTeam && g.ProjectID != "" {
		return e.checkTeamAccess(ctx, req, g.ProjectID)
	}
	return e.deny(req), nil
}

func (e *Engine) checkProject(ctx context.Context, req Request) (*model.AuthorizationDecision, error) {
	p, err := e.loadProject(ctx, req, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if p.OwnerUserID == req.UserID {
		return e.decision(req, true, string(model.TeamOwner), MethodDirectOwnership), nil
	}
	if p.Visibility == model.VisibilityPublic && req.Op == model.OpRead {
		return e.decision(req, true, string(model.TeamViewer), MethodPublicVisibility), nil
	}
	if p.Visibility == model.VisibilityTeam && p.TeamID != "" {
		return e.teamDecision(ctx, req, p.TeamID)
	}
	return e.deny(req), nil
}

// checkTeamAccess resolves the generation's project, then its team.
func (e *Engine) checkTeamAccess(ctx context.Context, req Request, projectID string) (*model.AuthorizationDecision, error) {
	p, err := e.loadProject(ctx, req, projectID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return e.deny(req), nil // orphaned resource: deny, not NotFound
		}
		return nil, err
	}
	if p.TeamID == "" {
		return e.deny(req), nil
	}
	return e.teamDecision(ctx, req, p.TeamID)
}

func (e *Engine) loadProject(ctx context.Context, req Request, projectID string) (*model.Project, error) {
	var rows []model.Project
	err := e.store.Do(ctx, query.Request{
		Table:         "projects",
		Op:            query.OpSelect,
		Filters:       map[string]string{"id": projectID},
		Single:        true,
		UsePrivileged: true,
		BearerToken:   req.BearerToken,
		Timeout:       query.TimeoutAuthSingleRow,
		CallerTag:     "authz.project",
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("project " + projectID)
	}
	return &rows[0], nil
}

func (e *Engine) teamDecision(ctx context.Context, req Request, teamID string) (*model.AuthorizationDecision, error) {
	if m, ok := e.cachedMembership(req.UserID, teamID); ok {
		return e.membershipDecision(req, m), nil
	}

	var rows []model.TeamMembership
	err := e.store.Do(ctx, query.Request{
		Table:         "team_members",
		Op:            query.OpSelect,
		Filters:       map[string]string{"user_id": req.UserID, "team_id": teamID, "is_active": "true"},
		Single:        true,
		UsePrivileged: true,
		BearerToken:   req.BearerToken,
		Timeout:       query.TimeoutAuthSingleRow,
		CallerTag:     "authz.team",
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		d := e.deny(req)
		d.Method = MethodTeamVisibility
		return d, nil
	}
	m := rows[0]
	if e.cache != nil {
		e.cache.L1Cache().Set(model.TeamMemberKey(req.UserID, teamID), &m, membershipTTL, cache.PriorityHigh)
	}
	return e.membershipDecision(req, &m), nil
}

func (e *Engine) cachedMembership(userID, teamID string) (*model.TeamMembership, bool) {
	if e.cache == nil {
		return nil, false
	}
	v, ok := e.cache.L1Cache().Get(model.TeamMemberKey(userID, teamID))
	if !ok {
		return nil, false
	}
	m, ok := v.(*model.TeamMembership)
	return m, ok
}

func (e *Engine) membershipDecision(req Request, m *model.TeamMembership) *model.AuthorizationDecision {
	if m.Role.Allows(req.Op) {
		return e.decision(req, true, string(m.Role), MethodTeamVisibility)
	}
	return e.decision(req, false, string(m.Role), MethodTeamVisibility)
}

// guard applies the privilege-escalation checks before any lookup.
func (e *Engine) guard(req Request) *model.AuthorizationDecision {
	if req.AdminOp != "" && adminOps[req.AdminOp] && req.Role != model.RoleAdmin && req.Role != model.RoleService {
		e.logger.Warn("privilege escalation blocked",
			"user", req.UserID, "admin_op", req.AdminOp, "role", string(req.Role))
		if e.bus != nil {
			e.bus.Emit(events.TypeEscalationBlocked, req.UserID, map[string]any{"admin_op": req.AdminOp})
		}
		if e.guardBlocks {
			return e.decision(req, false, "", MethodEscalationBlocked)
		}
	}

	// Sequential numeric ids on write/delete look like enumeration.
	if req.Op == model.OpWrite || req.Op == model.OpDelete {
		if n, err := strconv.ParseInt(req.ResourceID, 10, 64); err == nil {
			e.seqMu.Lock()
			last, seen := e.lastAccessed[req.UserID]
			e.lastAccessed[req.UserID] = n
			e.seqMu.Unlock()
			if seen && n == last+1 {
				e.logger.Warn("enumeration signal blocked", "user", req.UserID, "resource", req.ResourceID)
				if e.bus != nil {
					e.bus.Emit(events.TypeEnumerationBlocked, req.UserID, map[string]any{"resource_id": req.ResourceID})
				}
				if e.guardBlocks {
					return e.decision(req, false, "", MethodEnumerationBlocked)
				}
			}
		}
	}
	return nil
}

func (e *Engine) recordAccess(req Request) {
	if n, err := strconv.ParseInt(req.ResourceID, 10, 64); err == nil {
		e.seqMu.Lock()
		e.lastAccessed[req.UserID] = n
		e.seqMu.Unlock()
	}
}

// Invalidate drops every cached decision touching the given resource.
func (e *Engine) Invalidate(ctx context.Context, rt model.ResourceType, resourceID string) {
	if e.cache == nil {
		return
	}
	e.cache.InvalidatePattern(ctx, model.ResourceDecisionPattern(rt, resourceID))
}

func (e *Engine) decision(req Request, granted bool, role, method string) *model.AuthorizationDecision {
	now := time.Now()
	return &model.AuthorizationDecision{
		UserID:        req.UserID,
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		Op:            req.Op,
		Granted:       granted,
		EffectiveRole: role,
		Method:        method,
		ComputedAt:    now,
		ExpiresAt:     now.Add(decisionTTL),
	}
}

func (e *Engine) deny(req Request) *model.AuthorizationDecision {
	return e.decision(req, false, "", MethodDefaultDeny)
}
