package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlevkov/command-platform/internal/domain"
)

func noopHandler(ctx context.Context, cmd *domain.Command) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("CreateUser", noopHandler)

	h, ok := r.Get("CreateUser")
	require.True(t, ok)
	require.NotNil(t, h)

	_, ok = r.Get("Unknown")
	require.False(t, ok)
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	r.Register("CreateUser", noopHandler)

	require.Panics(t, func() {
		r.Register("CreateUser", noopHandler)
	})
}

func TestRegistry_EmptyNamePanics(t *testing.T) {
	require.Panics(t, func() {
		NewRegistry().Register("  ", noopHandler)
	})
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.Register("CreateUser", noopHandler)
	r.Register("ChargeCard", noopHandler)

	require.ElementsMatch(t, []string{"CreateUser", "ChargeCard"}, r.Names())
}
