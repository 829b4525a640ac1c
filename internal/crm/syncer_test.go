package crm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnicore/internal/events"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/scoring"
)

type publishFunc func(ctx context.Context, key string, env events.Envelope) error

func (f publishFunc) Publish(ctx context.Context, key string, env events.Envelope) error {
	return f(ctx, key, env)
}

func TestSyncPublishesLeadScored(t *testing.T) {
	t.Parallel()
	var gotKey string
	var got events.Envelope
	s := NewSyncer(nil, publishFunc(func(_ context.Context, key string, env events.Envelope) error {
		gotKey, got = key, env
		return nil
	}))
	res, _ := scoring.Score(scoring.Lead{Treatment: scoring.TreatmentImplant}, scoring.Message{Text: "fiyat nedir"}, scoring.State{})
	err := s.Sync(context.Background(), Lead{
		TenantID:   "t1",
		IdentityID: "i1",
		Channel:    "whatsapp",
		Status:     identity.StatusActive,
		Result:     res,
	})
	require.NoError(t, err)
	assert.Equal(t, events.TypeLeadScored, gotKey)
	assert.Equal(t, events.TypeLeadScored, got.Meta.Type)
	assert.Equal(t, "i1", got.Meta.CorrelationID)
	data, ok := got.Data.(events.LeadScored)
	require.True(t, ok)
	assert.Equal(t, 70, data.Score)
	assert.Equal(t, "A", data.Rank)
	assert.Equal(t, []string{"treatment:+55", "pricing:+15"}, data.Reasons)
	assert.Equal(t, "active", data.Status)
}

func TestSyncWrapsPublishErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("broker unavailable")
	s := NewSyncer(nil, publishFunc(func(context.Context, string, events.Envelope) error { return boom }))
	err := s.Sync(context.Background(), Lead{IdentityID: "i1"})
	require.ErrorIs(t, err, boom)
}

func TestSyncWithoutPublisherIsNoop(t *testing.T) {
	t.Parallel()
	require.NoError(t, NewSyncer(nil, nil).Sync(context.Background(), Lead{IdentityID: "i1"}))
}
