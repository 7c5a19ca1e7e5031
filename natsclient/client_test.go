package natsclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, -1, c.maxReconnects)
	assert.Equal(t, 2*time.Second, c.reconnectWait)
	assert.Equal(t, int32(5), c.circuitThreshold)
}

func TestNewClientOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(10*time.Second),
		WithClientName("unsflow-test"),
		WithCredentials("user", "pass"),
		WithCircuitThreshold(2),
	)
	require.NoError(t, err)

	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, time.Second, c.reconnectWait)
	assert.Equal(t, 10*time.Second, c.timeout)
	assert.Equal(t, "unsflow-test", c.clientName)
	assert.Equal(t, "user", c.username)
	assert.Equal(t, int32(2), c.circuitThreshold)
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "uns.test", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribeWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Subscribe(context.Background(), "uns.>", func(context.Context, string, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStreamOperationsWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.PublishToStream(context.Background(), "uns.history", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitThreshold(3))
	require.NoError(t, err)

	c.setStatus(StatusConnected)
	for i := 0; i < 3; i++ {
		c.recordFailure()
	}

	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())
}

func TestResetCircuitCloses(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitThreshold(1))
	require.NoError(t, err)

	c.setStatus(StatusConnected)
	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, StatusConnected, c.Status())
	assert.Equal(t, int32(0), c.circuitFailures.Load())
}

func TestStatusCallbackObservesCircuitTransitions(t *testing.T) {
	var transitions []ConnectionStatus
	c, err := NewClient("nats://localhost:4222",
		WithCircuitThreshold(2),
		WithStatusCallback(func(s ConnectionStatus) {
			transitions = append(transitions, s)
		}))
	require.NoError(t, err)

	c.setStatus(StatusConnected)
	c.recordFailure()
	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	require.Equal(t, StatusConnected, c.Status())

	assert.Equal(t, []ConnectionStatus{StatusConnected, StatusCircuitOpen, StatusConnected}, transitions)
}

func TestWaitForConnectionTimesOut(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err = c.WaitForConnection(ctx)
	assert.ErrorIs(t, err, ErrConnectionTimeout)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
}

func TestKVErrorClassifiers(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(errors.New("boom")))

	assert.False(t, IsKVConflictError(nil))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 4")))
	assert.True(t, IsKVConflictError(errors.New("nats: key exists")))
	assert.False(t, IsKVConflictError(errors.New("boom")))
}

func TestDefaultKVOptions(t *testing.T) {
	opts := DefaultKVOptions()
	assert.Equal(t, 10, opts.MaxRetries)
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, 1024*1024, opts.MaxValueSize)
}
