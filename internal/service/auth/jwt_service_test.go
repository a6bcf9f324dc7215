package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxnote/voxnote-api/internal/config"
)

const testSecret = "test-secret-that-is-at-least-32-chars-long"

func newTestService(t *testing.T) *hmacJWTService {
	t.Helper()

	service, err := NewJWTService(config.AuthConfig{JWTSecret: testSecret})
	require.NoError(t, err)
	return service.(*hmacJWTService)
}

func TestNewJWTServiceRejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewJWTService(config.AuthConfig{JWTSecret: "too-short"})
	assert.Error(t, err)
}

func TestGenerateAndValidateToken(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	ownerID := uuid.New()

	token, err := service.GenerateToken(context.Background(), ownerID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := service.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, ownerID, claims.OwnerID)
	assert.Equal(t, ownerID.String(), claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateTokenExpired(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	issued := time.Now().Add(-2 * time.Hour)
	service.timeFunc = func() time.Time { return issued }

	token, err := service.GenerateToken(context.Background(), uuid.New())
	require.NoError(t, err)

	service.timeFunc = time.Now
	_, err = service.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenWrongKey(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	token, err := service.GenerateToken(context.Background(), uuid.New())
	require.NoError(t, err)

	other, err := NewJWTService(config.AuthConfig{
		JWTSecret: "another-secret-that-is-also-32-chars!!",
	})
	require.NoError(t, err)

	_, err = other.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenMalformed(t *testing.T) {
	t.Parallel()

	service := newTestService(t)

	_, err := service.ValidateToken(context.Background(), "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = service.ValidateToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
}
