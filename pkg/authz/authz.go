// Package authz applies the four-rule publish/consume authorization
// chain and the replay-prevention guard described for the identity
// layer, built on pkg/identity.ProducerIdentity and pkg/dedupe.Store's
// SetNX (the same atomic claim primitive the dedupe Processor uses).
package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/lattice-events/eventcore/pkg/dedupe"
	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/errors"
	"github.com/lattice-events/eventcore/pkg/identity"
)

// TenantPolicy optionally restricts a tenant to an allow-list and/or
// deny-list of topics.
type TenantPolicy struct {
	AllowTopics []string
	DenyTopics  []string
}

// Config configures the Authorizer.
type Config struct {
	CrossTenantAllowed bool
	TenantPolicies     map[string]TenantPolicy // tenant_id -> policy
}

// Authorizer applies the publish/consume authorization chain.
type Authorizer struct {
	cfg      Config
	verifier *identity.Verifier
}

// NewAuthorizer constructs an Authorizer. verifier checks identity
// signatures before any rule runs.
func NewAuthorizer(cfg Config, verifier *identity.Verifier) *Authorizer {
	return &Authorizer{cfg: cfg, verifier: verifier}
}

// AuthorizePublish applies rules 1-4 for a publish attempt.
func (a *Authorizer) AuthorizePublish(id *identity.ProducerIdentity, env *envelope.Envelope) error {
	return a.authorize(id, env, "publish")
}

// AuthorizeConsume applies the same rules against consume:<topic> permissions.
func (a *Authorizer) AuthorizeConsume(id *identity.ProducerIdentity, env *envelope.Envelope) error {
	return a.authorize(id, env, "consume")
}

func (a *Authorizer) authorize(id *identity.ProducerIdentity, env *envelope.Envelope, action string) error {
	if err := a.verifier.Verify(id); err != nil {
		return err
	}

	// Rule 1: identity not expired (already covered by Verify, repeated
	// here so the rule ordering in the spec is explicit and independently
	// testable).
	if id.Expired(time.Now()) {
		return errors.New(errors.AuthError, "identity expired", nil)
	}

	// Rule 2: tenant isolation.
	if id.TenantID != env.TenantID {
		if !(id.Role == identity.RoleSystem && a.cfg.CrossTenantAllowed) {
			return errors.New(errors.AuthError, "tenant isolation violation", nil)
		}
	}

	topic := env.Topic()

	// Rule 3: topic policy by role.
	if !allowedRoleForTopic(topic, id.Role) {
		return errors.New(errors.AuthError, "role not permitted for topic: "+topic, nil)
	}
	if !id.HasPermission(action, topic) {
		return errors.New(errors.AuthError, "missing permission "+action+":"+topic, nil)
	}

	// Rule 4: tenant allow/deny list.
	if policy, ok := a.cfg.TenantPolicies[env.TenantID]; ok {
		if matchesAny(policy.DenyTopics, topic) {
			return errors.New(errors.AuthError, "topic denied by tenant policy: "+topic, nil)
		}
		if len(policy.AllowTopics) > 0 && !matchesAny(policy.AllowTopics, topic) {
			return errors.New(errors.AuthError, "topic not in tenant allow-list: "+topic, nil)
		}
	}

	return nil
}

func allowedRoleForTopic(topic string, role identity.Role) bool {
	switch {
	case strings.HasPrefix(topic, "svc."):
		return role == identity.RoleService || role == identity.RoleAdmin || role == identity.RoleSystem
	case strings.HasPrefix(topic, "admin."):
		return role == identity.RoleAdmin
	case strings.HasPrefix(topic, "system."):
		return role == identity.RoleAdmin || role == identity.RoleSystem
	default:
		return true
	}
}

func matchesAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if p == topic {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(topic, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// ReplayGuard refuses a second publish attempt for the same
// (envelope_id, tenant_id, producer_id, occurred_at) tuple within a
// one-hour window, using dedupe.Store's SetNX as the atomic claim.
type ReplayGuard struct {
	store dedupe.Store
	ttl   time.Duration
}

// NewReplayGuard constructs a ReplayGuard over store. ttl defaults to
// one hour if zero.
func NewReplayGuard(store dedupe.Store, ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ReplayGuard{store: store, ttl: ttl}
}

// Check claims the replay key for env+producer, returning AuthError if
// the same tuple was already seen within the TTL window.
func (g *ReplayGuard) Check(ctx context.Context, env *envelope.Envelope, producerID string) error {
	key := "replay:" + replayDigest(env.ID, env.TenantID, producerID, env.OccurredAt)

	now := time.Now()
	won, err := g.store.SetNX(ctx, key, dedupe.Record{
		Status:    dedupe.StatusCompleted,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}, g.ttl)
	if err != nil {
		return errors.Wrap(err, "replay guard store unavailable")
	}
	if !won {
		return errors.New(errors.AuthError, "replay detected", nil)
	}
	return nil
}

func replayDigest(envelopeID, tenantID, producerID string, occurredAt time.Time) string {
	raw := envelopeID + ":" + tenantID + ":" + producerID + ":" + strconv.FormatInt(occurredAt.Unix(), 10)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
