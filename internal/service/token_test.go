package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knigolib/knigolib-backend/internal/models"
)

func TestTokenManager_GenerateAndParse(t *testing.T) {
	manager := NewTokenManager("access-secret", "refresh-secret", 15*time.Minute, 720*time.Hour)
	user := &models.User{ID: uuid.New(), Role: models.RolePublisher}

	pair, accessExp, refreshExp, err := manager.GeneratePair(user)
	require.NoError(t, err)
	assert.True(t, refreshExp.After(accessExp))

	userID, role, err := manager.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)
	assert.Equal(t, models.RolePublisher, role)

	claims, err := manager.ParseRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestTokenManager_ParseRejectsWrongSecret(t *testing.T) {
	manager := NewTokenManager("access-secret", "refresh-secret", 15*time.Minute, 720*time.Hour)
	other := NewTokenManager("other-access", "other-refresh", 15*time.Minute, 720*time.Hour)
	user := &models.User{ID: uuid.New(), Role: models.RoleReader}

	pair, _, _, err := manager.GeneratePair(user)
	require.NoError(t, err)

	_, _, err = other.ParseAccess(pair.AccessToken)
	assert.Error(t, err)

	_, err = other.ParseRefresh(pair.RefreshToken)
	assert.Error(t, err)

	// Access и refresh подписаны разными секретами и не взаимозаменяемы.
	_, err = manager.ParseRefresh(pair.AccessToken)
	assert.Error(t, err)
}
