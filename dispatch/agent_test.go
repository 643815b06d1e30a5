package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startWorker(t *testing.T, client *redis.Client, agent string, h AgentHandler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	w := NewAgentWorker(client, agent, h, WithBlock(50*time.Millisecond), WithConsumerName("test"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestAgentTarget(t *testing.T) {
	ctx := context.Background()
	client := newAgentRedis(t)

	startWorker(t, client, "inventory", func(_ context.Context, req AgentRequest) (map[string]any, error) {
		switch req.Action {
		case "reserve":
			return map[string]any{
				"reservation_id": "r-" + req.SagaID,
				"key":            req.IdempotencyKey,
				"sku":            req.Input["sku"],
			}, nil
		case "reject":
			return nil, Permanent(errors.New("sku discontinued"))
		default:
			return nil, errors.New("warehouse offline")
		}
	})

	target := NewAgentTarget(client)

	t.Run("round trip", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		out, err := target.Invoke(cctx, Call{
			SagaID:         "s-1",
			StepName:       "reserve-inventory",
			Direction:      "forward",
			Target:         "inventory",
			Action:         "reserve",
			Input:          map[string]any{"sku": "SKU-1"},
			IdempotencyKey: "s-1:reserve-inventory:forward",
		})
		require.NoError(t, err)
		assert.Equal(t, "r-s-1", out["reservation_id"])
		assert.Equal(t, "s-1:reserve-inventory:forward", out["key"])
		assert.Equal(t, "SKU-1", out["sku"])
	})

	t.Run("permanent agent error", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err := target.Invoke(cctx, Call{SagaID: "s-2", Target: "inventory", Action: "reject"})
		var agentErr *AgentError
		require.ErrorAs(t, err, &agentErr)
		assert.Equal(t, "sku discontinued", agentErr.Message)
		assert.True(t, IsPermanent(err))
	})

	t.Run("retryable agent error", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err := target.Invoke(cctx, Call{SagaID: "s-3", Target: "inventory", Action: "other"})
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	})
}

func TestAgentTargetNoReply(t *testing.T) {
	client := newAgentRedis(t)
	target := NewAgentTarget(client, WithAgentWait(time.Second))

	_, err := target.Invoke(context.Background(), Call{SagaID: "s-1", Target: "nobody", Action: "reserve"})
	assert.ErrorIs(t, err, ErrTimeout)

	n, err := client.XLen(context.Background(), DefaultAgentPrefix+"nobody").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAgentThroughDispatcher(t *testing.T) {
	client := newAgentRedis(t)
	startWorker(t, client, "gl", func(_ context.Context, req AgentRequest) (map[string]any, error) {
		return map[string]any{"journal_entry_id": "je-" + req.SagaID}, nil
	})

	d := New(WithTarget(KindAgent, NewAgentTarget(client)))
	out, err := d.Dispatch(context.Background(), Call{
		SagaID:  "s-9",
		Kind:    KindAgent,
		Target:  "gl",
		Action:  "post",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "je-s-9", out["journal_entry_id"])
}
