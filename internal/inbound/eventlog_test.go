package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/db/dbtest"
)

func TestEventLogRecordAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := NewEventLog(dbtest.Open(t))
	now := time.Now()

	first, err := log.Record(ctx, channel.WhatsApp, "SM1", now.Add(-10*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, first)
	again, err := log.Record(ctx, channel.WhatsApp, "SM1", now)
	require.NoError(t, err)
	assert.False(t, again)
	other, err := log.Record(ctx, channel.Telegram, "SM1", now)
	require.NoError(t, err)
	assert.True(t, other)

	removed, err := log.Prune(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// A pruned id is accepted as new again.
	fresh, err := log.Record(ctx, channel.WhatsApp, "SM1", now)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestEventLogForget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := NewEventLog(dbtest.Open(t))
	now := time.Now()

	_, err := log.Record(ctx, channel.WhatsApp, "SM1", now)
	require.NoError(t, err)
	_, err = log.Record(ctx, channel.Telegram, "SM1", now)
	require.NoError(t, err)

	require.NoError(t, log.Forget(ctx, channel.WhatsApp, "SM1"))
	require.NoError(t, log.Forget(ctx, channel.WhatsApp, "missing"))

	fresh, err := log.Record(ctx, channel.WhatsApp, "SM1", now)
	require.NoError(t, err)
	assert.True(t, fresh)
	again, err := log.Record(ctx, channel.Telegram, "SM1", now)
	require.NoError(t, err)
	assert.False(t, again, "forgetting one channel keeps the other")
}
