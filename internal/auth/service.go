package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/atlas-bms/atlas/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo Repository
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Principal converts an authenticated user into the request principal.
func (u *User) Principal() shared.Principal {
	return shared.Principal{UserID: u.ID, TenantID: u.TenantID, SuperAdmin: u.IsSuperAdmin}
}
