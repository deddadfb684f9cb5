package identity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-events/eventcore/pkg/identity"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	key := []byte("shared-secret")
	signer := identity.NewSigner(key)
	verifier := identity.NewVerifier(key)

	id := &identity.ProducerIdentity{
		ProducerID:  "producer-1",
		TenantID:    "tenant-a",
		Role:        identity.RoleService,
		Permissions: []string{"publish:svc.order.created", "consume:svc.*"},
		Timestamp:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	signer.Sign(id)

	require.NoError(t, verifier.Verify(id))
}

func TestVerifyRejectsTamperedIdentity(t *testing.T) {
	key := []byte("shared-secret")
	signer := identity.NewSigner(key)
	verifier := identity.NewVerifier(key)

	id := &identity.ProducerIdentity{
		ProducerID: "producer-1",
		TenantID:   "tenant-a",
		Role:       identity.RoleService,
		Timestamp:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	signer.Sign(id)
	id.TenantID = "tenant-b"

	require.Error(t, verifier.Verify(id))
}

func TestVerifyRejectsExpiredIdentity(t *testing.T) {
	key := []byte("shared-secret")
	signer := identity.NewSigner(key)
	verifier := identity.NewVerifier(key)

	id := &identity.ProducerIdentity{
		ProducerID: "producer-1",
		TenantID:   "tenant-a",
		Role:       identity.RoleService,
		Timestamp:  time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}
	signer.Sign(id)

	require.Error(t, verifier.Verify(id))
}

func TestHasPermissionWildcard(t *testing.T) {
	id := &identity.ProducerIdentity{Permissions: []string{"publish:svc.*"}}
	require.True(t, id.HasPermission("publish", "svc.order.created"))
	require.False(t, id.HasPermission("publish", "admin.tenant.created"))
}
