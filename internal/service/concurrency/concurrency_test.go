package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableSlots(t *testing.T) {
	c := Ceilings{System: 30, DefaultPerCampaign: 5}

	tests := []struct {
		name                          string
		ceiling, active, total, batch int
		want                          int
	}{
		{name: "campaign ceiling binds", ceiling: 5, active: 3, total: 10, batch: 10, want: 2},
		{name: "system ceiling binds", ceiling: 20, active: 0, total: 28, batch: 10, want: 2},
		{name: "batch binds", ceiling: 20, active: 0, total: 0, batch: 4, want: 4},
		{name: "at ceiling", ceiling: 5, active: 5, total: 5, batch: 10, want: 0},
		{name: "over ceiling never negative", ceiling: 5, active: 7, total: 7, batch: 10, want: 0},
		{name: "default ceiling", ceiling: 0, active: 1, total: 1, batch: 10, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.AvailableSlots(tt.ceiling, tt.active, tt.total, tt.batch))
		})
	}
}

func TestLocalLeaseSingleHolder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewLocalLease("a", 10*time.Second)
	a.SetClock(func() time.Time { return now })
	b := a.ForOwner("b")
	campaign := uuid.New()

	ok, err := a.Acquire(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, campaign)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	now = now.Add(11 * time.Second)
	ok, err = b.Acquire(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, a.Release(ctx, campaign))
	ok, err = a.Acquire(ctx, campaign)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is ignored")
}
