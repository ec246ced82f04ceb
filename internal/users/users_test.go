package users

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sellerAddr = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"

func newTestService() *Service {
	return NewService(NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestService_Create(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	u, err := svc.Create(ctx, CreateRequest{Email: " Seller@Example.com ", Role: "SELLER", PayoutAddress: sellerAddr})
	require.NoError(t, err)
	assert.Equal(t, "seller@example.com", u.Email)
	assert.Equal(t, RoleSeller, u.Role)
	assert.Equal(t, sellerAddr, u.PayoutAddress)
	assert.Regexp(t, `^usr_[0-9a-f]{24}$`, u.ID)

	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
}

func TestService_CreateRejectsDuplicateEmail(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Email: "buyer@example.com", Role: "buyer"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateRequest{Email: "BUYER@example.com", Role: "buyer"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestService_CreateValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Email: "x@example.com", Role: "admin"})
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = svc.Create(ctx, CreateRequest{Email: "not-an-email", Role: "buyer"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(ctx, CreateRequest{Email: "y@example.com", Role: "seller", PayoutAddress: "0xdeadbeef"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_SetPayoutAddress(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	u, err := svc.Create(ctx, CreateRequest{Email: "rider@example.com", Role: "rider"})
	require.NoError(t, err)
	assert.Empty(t, u.PayoutAddress)

	updated, err := svc.SetPayoutAddress(ctx, u.ID, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, sellerAddr, updated.PayoutAddress)
	assert.False(t, updated.UpdatedAt.Before(u.UpdatedAt))

	_, err = svc.SetPayoutAddress(ctx, u.ID, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.SetPayoutAddress(ctx, "usr_missing", sellerAddr)
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &User{ID: "usr_1", Email: "a@example.com", Role: RoleBuyer}))

	u, err := store.Get(ctx, "usr_1")
	require.NoError(t, err)
	u.PayoutAddress = "mutated"

	again, err := store.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Empty(t, again.PayoutAddress)
}
