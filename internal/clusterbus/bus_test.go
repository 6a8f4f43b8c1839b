package clusterbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoChannelBus_PublishSubscribe(t *testing.T) {
	bus := NewGoChannelBus()
	defer bus.Close()

	received := make(chan ProgressEvent, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := bus.Subscribe(ctx, AddressProcessChainProgress, func(_ context.Context, payload []byte) error {
		var evt ProgressEvent

		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}

		received <- evt

		return nil
	})
	require.NoError(t, err)

	progress := 0.5
	err = bus.Publish(ctx, AddressProcessChainProgress, ProgressEvent{ProcessChainID: "chain-1", EstimatedProgress: &progress})
	require.NoError(t, err)

	select {
	case evt := <-received:
		assert.Equal(t, "chain-1", evt.ProcessChainID)
		require.NotNil(t, evt.EstimatedProgress)
		assert.InDelta(t, 0.5, *evt.EstimatedProgress, 0.0001)
	case <-ctx.Done():
		t.Fatal("timed out waiting for published event")
	}
}

func TestRequestReply_RoundTrip(t *testing.T) {
	bus := NewGoChannelBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	address := AgentAddress("agent-1")

	replier := NewReplier(bus, address)
	err := replier.Serve(ctx, func(_ context.Context, action string, _ json.RawMessage) AgentReply {
		if action == ActionAllocate {
			return AgentReply{OK: true}
		}

		return AgentReply{OK: false, Error: "unsupported action"}
	})
	require.NoError(t, err)

	requester := NewRequester(bus, time.Second)

	reply, err := requester.Request(ctx, address, ActionAllocate, nil)
	require.NoError(t, err)
	assert.True(t, reply.OK)
}

func TestRequestReply_TimeoutOnUnknownAddress(t *testing.T) {
	bus := NewGoChannelBus()
	defer bus.Close()

	ctx := context.Background()
	requester := NewRequester(bus, 100*time.Millisecond)

	_, err := requester.Request(ctx, AgentAddress("ghost"), ActionAllocate, nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}
