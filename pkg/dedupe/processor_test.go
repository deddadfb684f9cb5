package dedupe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memorystore "github.com/lattice-events/eventcore/pkg/dedupe/adapters/memory"
	"github.com/lattice-events/eventcore/pkg/dedupe"
	"github.com/lattice-events/eventcore/pkg/envelope"
)

func TestProcessorSkipsDuplicateAfterCompletion(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	p := dedupe.NewProcessor(store, dedupe.Config{TTL: time.Hour, MaxAttempts: 3}, "node-1")

	env := envelope.New("svc.order.created.v1", "11111111-1111-1111-1111-111111111111", map[string]interface{}{"service_id": "s1"})
	calls := 0
	handler := p.Wrap("tenant-a", "group-a", func(ctx context.Context, e *envelope.Envelope) error {
		calls++
		return nil
	})

	outcome1, err := handler(ctx, env)
	require.NoError(t, err)
	require.Equal(t, dedupe.OutcomeProcessed, outcome1)

	outcome2, err := handler(ctx, env)
	require.NoError(t, err)
	require.Equal(t, dedupe.OutcomeDuplicate, outcome2)
	require.Equal(t, 1, calls)
}

func TestProcessorRetriesFailedUnderAttemptCeilingThenPoisons(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	p := dedupe.NewProcessor(store, dedupe.Config{TTL: time.Hour, MaxAttempts: 2}, "node-1")

	env := envelope.New("svc.order.created.v1", "11111111-1111-1111-1111-111111111111", map[string]interface{}{"service_id": "s1"})
	handler := p.Wrap("tenant-a", "group-a", func(ctx context.Context, e *envelope.Envelope) error {
		return errors.New("boom")
	})

	outcome1, err := handler(ctx, env)
	require.Error(t, err)
	require.Equal(t, dedupe.OutcomeProcessed, outcome1)

	outcome2, err := handler(ctx, env)
	require.Error(t, err)
	require.Equal(t, dedupe.OutcomeProcessed, outcome2)

	outcome3, err := handler(ctx, env)
	require.NoError(t, err)
	require.Equal(t, dedupe.OutcomePoison, outcome3)
}
