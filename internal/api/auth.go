package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"time"

	"geolocator-backend/internal/auth"
	"geolocator-backend/internal/database"
	"geolocator-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuthService exposes the registration, login, and token rotation endpoints.
type AuthService struct {
	db   *gorm.DB
	auth *auth.Service
}

func NewAuthService(db *gorm.DB, authService *auth.Service) *AuthService {
	return &AuthService{db: db, auth: authService}
}

func (s *AuthService) AddRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", RestHandler(s.Register))
		r.Post("/login", RestHandler(s.Login))
		r.Post("/refresh", RestHandler(s.Refresh))
		r.Post("/logout", RestHandler(s.Logout))

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Get("/me", RestHandler(s.Me))
		})
	})
}

var usernamePattern = regexp.MustCompile(`^[\w-]{3,64}$`)

func (s *AuthService) Register(r *http.Request) (any, error) {
	req, err := ParseRequest[api.RegisterRequest](r)
	if err != nil {
		return nil, err
	}

	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid email address")
	}
	if !usernamePattern.MatchString(req.Username) {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid username: only alphanumeric characters, underscores, and hyphens are allowed")
	}
	if len(req.Password) < 8 {
		return nil, CodedErrorf(http.StatusBadRequest, "password must be at least 8 characters")
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		slog.Error("error hashing password", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create user")
	}

	user := database.User{
		Id:             uuid.New(),
		Email:          req.Email,
		Username:       req.Username,
		FullName:       req.FullName,
		HashedPassword: hashed,
		IsActive:       true,
		CreationTime:   time.Now().UTC(),
	}

	if err := s.db.WithContext(r.Context()).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, CodedErrorf(http.StatusConflict, "email or username already registered")
		}
		slog.Error("error creating user", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create user")
	}

	return convertUser(user), nil
}

func (s *AuthService) Login(r *http.Request) (any, error) {
	req, err := ParseRequest[api.LoginRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var user database.User
	if err := s.db.WithContext(ctx).First(&user, "username = ?", req.Username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusUnauthorized, "incorrect username or password")
		}
		slog.Error("error looking up user", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "login failed")
	}

	if !user.IsActive || !auth.VerifyPassword(user.HashedPassword, req.Password) {
		return nil, CodedErrorf(http.StatusUnauthorized, "incorrect username or password")
	}

	tokens, err := s.issueTokens(r, user.Id)
	if err != nil {
		return nil, err
	}

	if err := database.RecordLogin(ctx, s.db, user.Id); err != nil {
		slog.Warn("failed to record login time", "user_id", user.Id, "error", err)
	}

	return tokens, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. A revoked or expired token yields 401.
func (s *AuthService) Refresh(r *http.Request) (any, error) {
	req, err := ParseRequest[api.RefreshRequest](r)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "refresh token is required")
	}

	ctx := r.Context()
	hash := auth.HashRefreshToken(req.RefreshToken)

	var stored database.RefreshToken
	if err := s.db.WithContext(ctx).First(&stored, "token_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusUnauthorized, "invalid refresh token")
		}
		slog.Error("error looking up refresh token", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "token refresh failed")
	}

	if stored.Revoked || time.Now().UTC().After(stored.ExpiresAt) {
		return nil, CodedErrorf(http.StatusUnauthorized, "refresh token is expired or revoked")
	}

	if err := s.db.WithContext(ctx).Model(&stored).Update("revoked", true).Error; err != nil {
		slog.Error("error revoking refresh token", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "token refresh failed")
	}

	return s.issueTokens(r, stored.UserId)
}

func (s *AuthService) Logout(r *http.Request) (any, error) {
	req, err := ParseRequest[api.LogoutRequest](r)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "refresh token is required")
	}

	hash := auth.HashRefreshToken(req.RefreshToken)
	err = s.db.WithContext(r.Context()).
		Model(&database.RefreshToken{}).
		Where("token_hash = ?", hash).
		Update("revoked", true).Error
	if err != nil {
		slog.Error("error revoking refresh token", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "logout failed")
	}

	// Whether or not the token existed, the result is the same: it is unusable.
	return nil, nil
}

func (s *AuthService) Me(r *http.Request) (any, error) {
	userId, ok := auth.UserId(r.Context())
	if !ok {
		return nil, CodedErrorf(http.StatusUnauthorized, "not authenticated")
	}

	var user database.User
	if err := s.db.WithContext(r.Context()).First(&user, "id = ?", userId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "user not found")
		}
		slog.Error("error loading user", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to load user")
	}

	return convertUser(user), nil
}

func (s *AuthService) issueTokens(r *http.Request, userId uuid.UUID) (*api.TokenResponse, error) {
	access, err := s.auth.CreateAccessToken(userId)
	if err != nil {
		slog.Error("error creating access token", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to issue tokens")
	}

	refresh, hash, err := s.auth.NewRefreshToken()
	if err != nil {
		slog.Error("error creating refresh token", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to issue tokens")
	}

	record := database.RefreshToken{
		Id:           uuid.New(),
		UserId:       userId,
		TokenHash:    hash,
		DeviceInfo:   r.UserAgent(),
		CreationTime: time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(s.auth.RefreshTokenTTL),
	}
	if err := s.db.WithContext(r.Context()).Create(&record).Error; err != nil {
		slog.Error("error storing refresh token", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to issue tokens")
	}

	return &api.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.auth.AccessTokenTTL.Seconds()),
	}, nil
}

func convertUser(user database.User) api.User {
	out := api.User{
		Id:           user.Id,
		Email:        user.Email,
		Username:     user.Username,
		FullName:     user.FullName,
		CreationTime: user.CreationTime,
	}
	if user.LastLogin.Valid {
		out.LastLogin = &user.LastLogin.Time
	}
	return out
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
