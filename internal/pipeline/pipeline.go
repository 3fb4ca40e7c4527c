// Package pipeline implements request admission for the write path:
// tenant resolution, authentication, rate limiting, deduplication and
// the storage write, in that order. Each stage can short-circuit the
// request; quota is consumed only after the storage write succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ingestly/internal/auth"
	"ingestly/internal/config"
	"ingestly/internal/dedup"
	"ingestly/internal/events"
	"ingestly/internal/pkg/geoip"
	"ingestly/internal/pkg/useragent"
	"ingestly/internal/ratelimit"
	"ingestly/internal/storage"
	"ingestly/internal/tenants"
	"ingestly/internal/users"
)

// ErrAuthentication is returned for any missing or invalid credential.
// The message is deliberately generic (see auth.ErrInvalidCredential).
var ErrAuthentication = errors.New("authentication failed")

// RateLimitError carries the limiter verdict so the transport layer can
// emit Retry-After and X-RateLimit-* headers.
type RateLimitError struct {
	Result ratelimit.Result
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded"
}

// StorageError wraps an adapter failure. Details are logged, never
// exposed to clients.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// RequestContext is the immutable per-request value threaded through the
// pipeline stages. Tenant identity is established exactly once, during
// Authenticate, and never changes afterwards.
type RequestContext struct {
	RequestID  string
	Tenant     tenants.TenantInfo
	SourceIP   string
	UserAgent  string
	ReceivedAt time.Time
}

// TrackInput is a validated track call.
type TrackInput struct {
	EventID    string // empty means server-generated
	EventName  string
	Properties map[string]interface{}
	UserID     string
	SessionID  string
	DeviceID   string
	Timestamp  time.Time // zero means ReceivedAt
}

// TrackResult reports the admission outcome for a track call.
type TrackResult struct {
	EventID   string
	Timestamp time.Time
	Duplicate bool
	Skipped   bool // bot traffic dropped before storage
}

// IdentifyInput is a validated identify call.
type IdentifyInput struct {
	UserID    string
	Traits    map[string]interface{}
	Timestamp time.Time
}

// IdentifyResult reports the admission outcome for an identify call.
type IdentifyResult struct {
	UserID    string
	Created   bool
	Timestamp time.Time
}

// Pipeline wires the admission stages together. The dedup store and the
// bot matcher are optional and may be nil.
type Pipeline struct {
	cfg      *config.Config
	resolver *auth.Resolver
	limits   *ratelimit.Store
	dedup    *dedup.Store
	events   storage.EventStore
	users    storage.UserStore
	geo      *geoip.Resolver
	bots     *useragent.Matcher
	logger   *slog.Logger
}

// Options collects the pipeline collaborators.
type Options struct {
	Config      *config.Config
	Resolver    *auth.Resolver
	RateLimits  *ratelimit.Store
	Dedup       *dedup.Store
	EventStore  storage.EventStore
	UserStore   storage.UserStore
	Geo         *geoip.Resolver
	BotMatcher  *useragent.Matcher
	Logger      *slog.Logger
}

// New creates an admission pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{
		cfg:      opts.Config,
		resolver: opts.Resolver,
		limits:   opts.RateLimits,
		dedup:    opts.Dedup,
		events:   opts.EventStore,
		users:    opts.UserStore,
		geo:      opts.Geo,
		bots:     opts.BotMatcher,
		logger:   opts.Logger,
	}
}

// Authenticate establishes the request context. The tenant always comes
// from the verified credential; a client-asserted tenant header is never
// trusted over it, so no such parameter exists here. An empty requestID
// gets a generated one.
func (p *Pipeline) Authenticate(requestID, rawToken, sourceIP, userAgent string) (*RequestContext, error) {
	result := p.resolver.Resolve(rawToken)
	if !result.Success {
		return nil, ErrAuthentication
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	return &RequestContext{
		RequestID:  requestID,
		Tenant:     *result.Tenant,
		SourceIP:   sourceIP,
		UserAgent:  userAgent,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// limitFor returns the effective rate limit for the tenant, applying
// per-tenant overrides over the global defaults.
func (p *Pipeline) limitFor(tenant *tenants.TenantInfo) (limit, windowSeconds int) {
	limit = p.cfg.RateLimitMax
	windowSeconds = p.cfg.RateLimitWindowSeconds
	if tenant.RateLimitMax > 0 {
		limit = tenant.RateLimitMax
	}
	if tenant.RateLimitWindowSeconds > 0 {
		windowSeconds = tenant.RateLimitWindowSeconds
	}
	return limit, windowSeconds
}

// checkLimit runs the read-only limiter stage. The limiter is in-memory
// and cannot be unreachable; a remote limiter implementation must fail
// open here (allow on error) rather than block traffic.
func (p *Pipeline) checkLimit(rc *RequestContext, userID string) (ratelimit.Result, string, int, error) {
	limit, window := p.limitFor(&rc.Tenant)
	key := ratelimit.BuildKey(rc.Tenant.TenantID, rc.SourceIP, userID)

	result := p.limits.CheckLimit(key, limit, window)
	if !result.Allowed {
		return result, key, window, &RateLimitError{Result: result}
	}
	return result, key, window, nil
}

// Track admits one tracking event: bot filter, rate limit check,
// deduplication, storage write, then the rate limit increment.
func (p *Pipeline) Track(ctx context.Context, rc *RequestContext, input TrackInput) (TrackResult, error) {
	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = rc.ReceivedAt
	}

	if p.bots != nil && p.bots.IsBot(rc.UserAgent) {
		p.logger.Debug("Dropping bot event",
			slog.String("request_id", rc.RequestID),
			slog.String("tenant_id", rc.Tenant.TenantID),
			slog.String("user_agent", rc.UserAgent))
		return TrackResult{Skipped: true, Timestamp: timestamp}, nil
	}

	_, key, window, err := p.checkLimit(rc, input.UserID)
	if err != nil {
		return TrackResult{}, err
	}

	eventID := input.EventID
	callerProvided := eventID != ""
	if !callerProvided {
		eventID = uuid.NewString()
	}

	// Deduplication only applies to caller-supplied ids; a generated id
	// cannot have been seen before.
	if p.dedup != nil && callerProvided {
		if p.dedup.IsDuplicate(rc.Tenant.TenantID, eventID) {
			p.logger.Debug("Duplicate event suppressed",
				slog.String("request_id", rc.RequestID),
				slog.String("tenant_id", rc.Tenant.TenantID),
				slog.String("event_id", eventID))
			return TrackResult{EventID: eventID, Timestamp: timestamp, Duplicate: true}, nil
		}
	}

	event := &events.AnalyticsEvent{
		EventID:    eventID,
		TenantID:   rc.Tenant.TenantID,
		EventName:  input.EventName,
		Properties: input.Properties,
		Timestamp:  timestamp,
		ReceivedAt: rc.ReceivedAt,
		UserID:     input.UserID,
		SessionID:  input.SessionID,
		DeviceID:   input.DeviceID,
	}

	if p.geo != nil {
		event.Country = p.geo.CountryCode(rc.SourceIP)
	}

	if err := p.events.Insert(ctx, event); err != nil {
		return TrackResult{}, &StorageError{Op: "insert event", Err: err}
	}

	if p.dedup != nil && callerProvided {
		p.dedup.MarkProcessed(rc.Tenant.TenantID, eventID, p.cfg.DedupTTLSeconds)
	}

	// Quota is consumed only for work actually performed.
	p.limits.Increment(key, window)

	return TrackResult{EventID: eventID, Timestamp: timestamp}, nil
}

// Identify admits one identify call: rate limit check, merge-upsert of
// the user record, then the rate limit increment. Session and event
// counters are computed here and passed to the store as final values.
func (p *Pipeline) Identify(ctx context.Context, rc *RequestContext, input IdentifyInput) (IdentifyResult, error) {
	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = rc.ReceivedAt
	}

	_, key, window, err := p.checkLimit(rc, input.UserID)
	if err != nil {
		return IdentifyResult{}, err
	}

	existing, err := p.users.Get(ctx, rc.Tenant.TenantID, input.UserID)
	if err != nil && err != storage.ErrNotFound {
		return IdentifyResult{}, &StorageError{Op: "load user", Err: err}
	}

	sessionGap := time.Duration(p.cfg.SessionGapSeconds) * time.Second
	record := users.ApplyIdentify(existing, rc.Tenant.TenantID, input.UserID, input.Traits, timestamp, sessionGap)

	result, err := p.users.Upsert(ctx, &record)
	if err != nil {
		return IdentifyResult{}, &StorageError{Op: "upsert user", Err: err}
	}

	p.limits.Increment(key, window)

	return IdentifyResult{
		UserID:    input.UserID,
		Created:   result.Created,
		Timestamp: timestamp,
	}, nil
}

// QueryEvents serves the tenant-scoped events read path. Reads skip the
// dedup and increment stages entirely.
func (p *Pipeline) QueryEvents(ctx context.Context, rc *RequestContext, filter events.Filter) (*storage.EventsResult, error) {
	filter.TenantID = rc.Tenant.TenantID
	result, err := p.events.Query(ctx, filter)
	if err != nil {
		return nil, &StorageError{Op: "query events", Err: err}
	}
	return result, nil
}

// QueryUsers serves the tenant-scoped users read path.
func (p *Pipeline) QueryUsers(ctx context.Context, rc *RequestContext, filter users.Filter) (*storage.UsersResult, error) {
	filter.TenantID = rc.Tenant.TenantID
	result, err := p.users.QueryUsers(ctx, filter)
	if err != nil {
		return nil, &StorageError{Op: "query users", Err: err}
	}
	return result, nil
}

// DeleteUser removes a user profile for compliance erasure.
func (p *Pipeline) DeleteUser(ctx context.Context, rc *RequestContext, userID string) error {
	err := p.users.Delete(ctx, rc.Tenant.TenantID, userID)
	if err == storage.ErrNotFound {
		return err
	}
	if err != nil {
		return &StorageError{Op: "delete user", Err: err}
	}
	return nil
}
