// Package users manages buyers, sellers and riders and their payout
// addresses. Orders reference users by id; users outlive orders.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holdpay/holdpay/internal/idgen"
	"github.com/holdpay/holdpay/internal/validation"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidRole  = errors.New("role must be buyer, seller or rider")
	ErrInvalidInput = errors.New("invalid user input")
)

// Role is what a user does in a delivery.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleRider  Role = "rider"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleRider:
		return true
	}
	return false
}

// User is a participant in orders.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Role          Role      `json:"role"`
	PayoutAddress string    `json:"payoutAddress,omitempty"` // on-chain BTC address
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
}

// CreateRequest is the input for registering a user.
type CreateRequest struct {
	Email         string `json:"email" binding:"required"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Role          string `json:"role" binding:"required"`
	PayoutAddress string `json:"payout_address"`
}

// Service implements user operations.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a user service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger.With("component", "users")}
}

// Create registers a user. Emails are unique, case-insensitively.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	role := Role(strings.ToLower(req.Role))
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if errs := validation.Validate(
		validation.Required("email", email),
		validation.ValidEmail("email", email),
		validation.MaxLength("name", req.Name, 200),
		validation.MaxLength("phone", req.Phone, 40),
		validation.ValidBTCAddress("payout_address", req.PayoutAddress),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}

	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	u := &User{
		ID:            idgen.WithPrefix("usr_"),
		Email:         email,
		Name:          validation.SanitizeString(req.Name, 200),
		Phone:         strings.TrimSpace(req.Phone),
		Role:          role,
		PayoutAddress: req.PayoutAddress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID, "role", u.Role)
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// SetPayoutAddress replaces the user's on-chain payout address.
func (s *Service) SetPayoutAddress(ctx context.Context, id, address string) (*User, error) {
	address = strings.TrimSpace(address)
	if errs := validation.Validate(
		validation.Required("payout_address", address),
		validation.ValidBTCAddress("payout_address", address),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}

	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u.PayoutAddress = address
	u.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("payout address updated", "user_id", u.ID)
	return u, nil
}
