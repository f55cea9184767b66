package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"geolocator-backend/internal/auth"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := auth.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, auth.VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, auth.VerifyPassword(hash, "wrong password"))
}

func TestAccessTokenRoundTrip(t *testing.T) {
	service := auth.NewService("test-secret")
	userId := uuid.New()

	token, err := service.CreateAccessToken(userId)
	require.NoError(t, err)

	parsed, err := service.ParseAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userId, parsed)
}

func TestAccessTokenWrongSecret(t *testing.T) {
	token, err := auth.NewService("secret-a").CreateAccessToken(uuid.New())
	require.NoError(t, err)

	_, err = auth.NewService("secret-b").ParseAccessToken(token)
	assert.Error(t, err)
}

func TestAccessTokenExpiry(t *testing.T) {
	service := auth.NewService("test-secret")
	service.AccessTokenTTL = -time.Minute

	token, err := service.CreateAccessToken(uuid.New())
	require.NoError(t, err)

	_, err = service.ParseAccessToken(token)
	assert.Error(t, err)
}

func TestRefreshTokenHashing(t *testing.T) {
	service := auth.NewService("test-secret")

	token, hash, err := service.NewRefreshToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEqual(t, token, hash)
	assert.Equal(t, hash, auth.HashRefreshToken(token))

	other, _, err := service.NewRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestMiddleware(t *testing.T) {
	service := auth.NewService("test-secret")
	userId := uuid.New()

	var gotUser uuid.UUID
	handler := service.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.UserId(r.Context())
		require.True(t, ok)
		gotUser = id
	}))

	token, err := service.CreateAccessToken(userId)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userId, gotUser)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	service := auth.NewService("test-secret")

	handler := service.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a valid token")
	}))

	for _, header := range []string{"", "Bearer ", "Bearer garbage", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}
