package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"ebookstore/internal/util"
	"ebookstore/pkg/auth"
	"ebookstore/pkg/domain"
	"ebookstore/pkg/store"
)

// SignUp registers a user and opens a session. The first account becomes admin.
func (a *App) SignUp(ctx context.Context, email, password string) (domain.User, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, "", invalidf("invalid email address")
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", err
	}
	now := a.clock()
	user, err := a.store.CreateUser(ctx, domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleUser,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, store.ErrEmailTaken) {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("new session: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user signed up", "user_id", user.ID, "role", user.Role)
	return user, token, nil
}

// Login verifies credentials and opens a session. Disabled accounts get the
// same error as a wrong password.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("get user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) || user.Status != domain.StatusActive {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("new session: %w", err)
	}
	return user, token, nil
}

// Logout revokes the session token.
func (a *App) Logout(_ context.Context, token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves the session owner. The role always comes from the store.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if !ok || user.Status != domain.StatusActive {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// RequireAdmin returns ErrForbidden unless the user is an admin.
func RequireAdmin(user domain.User) error {
	if user.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsAuthError reports whether err should be shown as 401.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidCredentials)
}
