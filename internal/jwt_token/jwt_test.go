package jwttoken

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

var partyID = id.PartyID(uuid.New())

func newService() *JWTService {
	return NewJWTService("test-signing-key", "test-issuer")
}

func TestIssueAndValidate(t *testing.T) {
	svc := newService()
	token, err := svc.Issue(partyID, id.RoleIntendedParty, time.Hour)
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, partyID.String(), claims.PartyID)
	assert.Equal(t, string(id.RoleIntendedParty), claims.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)

	actor, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, partyID.String(), actor.PartyID)
	assert.Equal(t, "intended_party", actor.Role)
}

func TestIssueRejectsBadInput(t *testing.T) {
	svc := newService()
	_, err := svc.Issue(id.PartyID(uuid.Nil), id.RoleAdmin, time.Hour)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = svc.Issue(partyID, id.Role("auditor"), time.Hour)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestValidateRejects(t *testing.T) {
	svc := newService()

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("invalid-token-string")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("expired", func(t *testing.T) {
		token, err := svc.Issue(partyID, id.RoleAdmin, -time.Hour)
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "token has expired")
	})

	t.Run("other signing key", func(t *testing.T) {
		token, err := NewJWTService("another-key", "test-issuer").Issue(partyID, id.RoleAdmin, time.Hour)
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("other issuer", func(t *testing.T) {
		token, err := NewJWTService("test-signing-key", "someone-else").Issue(partyID, id.RoleAdmin, time.Hour)
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}
