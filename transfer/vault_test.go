package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultMoveInOut(t *testing.T) {
	ctx := context.Background()
	v := NewVault()
	v.Fund("alice", "usd", 100)

	require.NoError(t, v.MoveIn(ctx, "usd", "alice", 60))
	assert.Equal(t, int64(40), v.BalanceOf("alice", "usd"))
	assert.Equal(t, int64(60), v.Custody("usd"))

	require.NoError(t, v.MoveOut(ctx, "usd", "bob", 25))
	assert.Equal(t, int64(25), v.BalanceOf("bob", "usd"))
	assert.Equal(t, int64(35), v.Custody("usd"))

	j := v.Journal()
	require.Len(t, j, 2)
	assert.Equal(t, DirectionIn, j[0].Direction)
	assert.Equal(t, "alice", j[0].Holder)
	assert.Equal(t, DirectionOut, j[1].Direction)
	assert.NotEqual(t, uuid.Nil, j[0].ID)
	assert.NotEqual(t, j[0].ID, j[1].ID)
}

func TestVaultRejects(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(v *Vault) error
		want error
	}{
		{"move in beyond holder balance", func(v *Vault) error { return v.MoveIn(ctx, "usd", "alice", 101) }, ErrInsufficientFunds},
		{"move out beyond custody", func(v *Vault) error { return v.MoveOut(ctx, "usd", "bob", 1) }, ErrInsufficientFunds},
		{"zero amount", func(v *Vault) error { return v.MoveIn(ctx, "usd", "alice", 0) }, ErrInvalidAmount},
		{"negative amount", func(v *Vault) error { return v.MoveOut(ctx, "usd", "alice", -5) }, ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVault()
			v.Fund("alice", "usd", 100)
			err := tt.run(v)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int64(100), v.BalanceOf("alice", "usd"), "failed move must not change balances")
			assert.Zero(t, v.Custody("usd"))
			assert.Empty(t, v.Journal())
		})
	}
}

func TestVaultFailNext(t *testing.T) {
	ctx := context.Background()
	v := NewVault()
	v.Fund("alice", "usd", 100)

	boom := errors.New("boom")
	v.FailNext(boom)

	err := v.MoveIn(ctx, "usd", "alice", 10)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(100), v.BalanceOf("alice", "usd"))

	// Only the next call fails.
	require.NoError(t, v.MoveIn(ctx, "usd", "alice", 10))
	assert.Equal(t, int64(10), v.Custody("usd"))
}

func TestVaultCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := NewVault()
	v.Fund("alice", "usd", 100)

	assert.ErrorIs(t, v.MoveIn(ctx, "usd", "alice", 10), context.Canceled)
	assert.Equal(t, int64(100), v.BalanceOf("alice", "usd"))
}
