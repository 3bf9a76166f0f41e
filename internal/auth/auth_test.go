package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/auth"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("secret-key")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	match, err := auth.VerifyAPIKey("secret-key", hash)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, match)

	_, err = auth.VerifyAPIKey("secret-key", "not-a-hash")
	assert.Error(t, err)

	// Two hashes of the same key differ (per-hash salt).
	other, err := auth.HashAPIKey("secret-key")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestParseCredentials(t *testing.T) {
	hash, err := auth.HashAPIKey("k")
	require.NoError(t, err)

	reg, err := auth.ParseCredentials("agent-1:agent:" + hash + ", op-1:operator:" + hash)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	cred, ok := reg.Verify("op-1", "k")
	require.True(t, ok)
	assert.Equal(t, auth.RoleOperator, cred.Role)

	_, ok = reg.Verify("op-1", "wrong")
	assert.False(t, ok)
	_, ok = reg.Verify("nobody", "k")
	assert.False(t, ok)
}

func TestParseCredentialsRejectsMalformed(t *testing.T) {
	_, err := auth.ParseCredentials("missing-fields")
	assert.Error(t, err)

	_, err = auth.ParseCredentials("agent-1:demigod:hash")
	assert.Error(t, err)

	_, err = auth.ParseCredentials("a:agent:h,a:agent:h")
	assert.Error(t, err, "duplicate subject")

	reg, err := auth.ParseCredentials("   ")
	require.NoError(t, err)
	assert.Zero(t, reg.Len())
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("agent-1", auth.RoleAgent)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.Subject)
	assert.Equal(t, auth.RoleAgent, claims.Role)
	assert.Equal(t, "kanri", claims.Issuer)
}

func TestJWTValidateRejects(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("garbage")
	assert.Error(t, err)

	// A token signed by a different key pair fails verification.
	other, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	foreign, _, err := other.IssueToken("agent-1", auth.RoleAgent)
	require.NoError(t, err)
	_, err = mgr.ValidateToken(foreign)
	assert.Error(t, err)

	// An expired token fails.
	short, err := auth.NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)
	expired, _, err := short.IssueToken("agent-1", auth.RoleAgent)
	require.NoError(t, err)
	_, err = short.ValidateToken(expired)
	assert.Error(t, err)
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, auth.RoleAtLeast(auth.RoleAdmin, auth.RoleAgent))
	assert.True(t, auth.RoleAtLeast(auth.RoleOperator, auth.RoleOperator))
	assert.False(t, auth.RoleAtLeast(auth.RoleAgent, auth.RoleOperator))
	assert.False(t, auth.RoleAtLeast(auth.Role("demigod"), auth.RoleAgent))
}
