package ordered_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/ordered"
)

func TestSameKeyEnvelopesProcessInOrder(t *testing.T) {
	p := ordered.New(ordered.Config{TotalPartitions: 4, QueueDepth: 10})

	var mu sync.Mutex
	var seen []int

	makeEnv := func(seq int) *envelope.Envelope {
		return envelope.New("svc.order.created.v1", "11111111-1111-1111-1111-111111111111", map[string]interface{}{
			"service_id": "same-key",
			"seq":        seq,
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		env := makeEnv(i)
		require.NoError(t, p.Submit(env, func(ctx context.Context, e *envelope.Envelope) error {
			defer wg.Done()
			mu.Lock()
			seen = append(seen, int(e.Data["seq"].(int)))
			mu.Unlock()
			return nil
		}))
	}

	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, seen)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}
