package clusterbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// requestEnvelope is published on "<address>.request". replyTopic is
// unique per call so the requester never has to demux replies by
// correlation id - it simply subscribes to its own topic and unsubscribes
// once the one reply (or the timeout) arrives.
type requestEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	ReplyTopic    string          `json:"reply_topic"`
	Action        string          `json:"action"`
	Chain         json.RawMessage `json:"chain,omitempty"`
}

// Request sends an AgentRequest to address and blocks for the matching
// reply or the Requester's default timeout (respecting ctx's own
// deadline too, whichever is sooner).
func (r *Requester) Request(ctx context.Context, address, action string, chain any) (AgentReply, error) {
	ctx, cancel := context.WithTimeout(ctx, r.defaultTimeout)
	defer cancel()

	correlationID := uuid.NewString()
	replyTopic := address + ".reply." + correlationID
	requestTopic := address + ".request"

	var chainPayload json.RawMessage

	if chain != nil {
		encoded, err := json.Marshal(chain)
		if err != nil {
			return AgentReply{}, fmt.Errorf("clusterbus: encode chain: %w", err)
		}

		chainPayload = encoded
	}

	replyCh := make(chan AgentReply, 1)

	err := r.bus.Subscribe(ctx, replyTopic, func(_ context.Context, payload []byte) error {
		var reply AgentReply

		if err := json.Unmarshal(payload, &reply); err != nil {
			return err
		}

		select {
		case replyCh <- reply:
		default:
		}

		return nil
	})
	if err != nil {
		return AgentReply{}, fmt.Errorf("clusterbus: subscribe reply topic: %w", err)
	}

	env := requestEnvelope{
		CorrelationID: correlationID,
		ReplyTopic:    replyTopic,
		Action:        action,
		Chain:         chainPayload,
	}

	if err := r.bus.Publish(ctx, requestTopic, env); err != nil {
		return AgentReply{}, fmt.Errorf("clusterbus: publish request: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return AgentReply{}, ErrRequestTimeout
	}
}

// Replier is the agent side of the request/reply pattern: it subscribes
// to "<address>.request" and, for every request, invokes fn and publishes
// the result back on the envelope's reply topic.
type Replier struct {
	bus     Bus
	address string
}

// NewReplier builds a Replier bound to address (typically AgentAddress(id)).
func NewReplier(bus Bus, address string) *Replier {
	return &Replier{bus: bus, address: address}
}

// Serve subscribes and dispatches incoming requests to fn until ctx is
// cancelled.
func (r *Replier) Serve(ctx context.Context, fn func(ctx context.Context, action string, chain json.RawMessage) AgentReply) error {
	return r.bus.Subscribe(ctx, r.address+".request", func(ctx context.Context, payload []byte) error {
		var env requestEnvelope

		if err := json.Unmarshal(payload, &env); err != nil {
			return err
		}

		reply := fn(ctx, env.Action, env.Chain)

		return r.bus.Publish(ctx, env.ReplyTopic, reply)
	})
}
