package authz_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-events/eventcore/pkg/authz"
	memorydedupe "github.com/lattice-events/eventcore/pkg/dedupe/adapters/memory"
	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/identity"
)

const tenantA = "11111111-1111-1111-1111-111111111111"

func signedIdentity(key []byte, role identity.Role, tenantID string, perms []string) *identity.ProducerIdentity {
	id := &identity.ProducerIdentity{
		ProducerID:  "producer-1",
		TenantID:    tenantID,
		Role:        role,
		Permissions: perms,
		Timestamp:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	identity.NewSigner(key).Sign(id)
	return id
}

func TestAuthorizePublishAllowsMatchingServiceIdentity(t *testing.T) {
	key := []byte("shared-secret")
	a := authz.NewAuthorizer(authz.Config{}, identity.NewVerifier(key))

	id := signedIdentity(key, identity.RoleService, tenantA, []string{"publish:svc.order.created"})
	env := envelope.New("svc.order.created.v1", tenantA, map[string]interface{}{"service_id": "s1"})

	require.NoError(t, a.AuthorizePublish(id, env))
}

func TestAuthorizePublishRejectsCrossTenantWithoutSystemRole(t *testing.T) {
	key := []byte("shared-secret")
	a := authz.NewAuthorizer(authz.Config{}, identity.NewVerifier(key))

	id := signedIdentity(key, identity.RoleService, "22222222-2222-2222-2222-222222222222", []string{"publish:svc.order.created"})
	env := envelope.New("svc.order.created.v1", tenantA, map[string]interface{}{"service_id": "s1"})

	require.Error(t, a.AuthorizePublish(id, env))
}

func TestAuthorizePublishRejectsAdminOnlyTopicForServiceRole(t *testing.T) {
	key := []byte("shared-secret")
	a := authz.NewAuthorizer(authz.Config{}, identity.NewVerifier(key))

	id := signedIdentity(key, identity.RoleService, tenantA, []string{"publish:admin.tenant.suspended"})
	env := envelope.New("admin.tenant.suspended.v1", tenantA, map[string]interface{}{"tenant_id": tenantA})

	require.Error(t, a.AuthorizePublish(id, env))
}

func TestReplayGuardRefusesSecondAttemptWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := memorydedupe.New()
	guard := authz.NewReplayGuard(store, time.Hour)

	env := envelope.New("svc.order.created.v1", tenantA, map[string]interface{}{"service_id": "s1"})

	require.NoError(t, guard.Check(ctx, env, "producer-1"))
	require.Error(t, guard.Check(ctx, env, "producer-1"))
}
