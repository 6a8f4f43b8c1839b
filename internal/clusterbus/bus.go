// Package clusterbus implements the event-bus addresses and request/reply
// semantics the scheduler, registry, and local agents use to coordinate
// across a cluster, per spec §6.
package clusterbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Stable address names from spec §6.
const (
	AddressAgentPrefix            = "agent."
	AddressProcessChainProgress   = "processchain.progress"
	AddressClusterNodeAdded       = "cluster.node.added"
	AddressClusterNodeLeft        = "cluster.node.left"
	AddressSubmissionAdded        = "submissionRegistry.submissionAdded"
	AddressProcessChainRegistered = "scheduler.processChainRegistered"
)

// AgentAddress returns the request/reply address a given agent id
// publishes itself at.
func AgentAddress(agentID string) string {
	return AddressAgentPrefix + agentID
}

// ErrRequestTimeout is returned by Request when no reply arrives before
// the context deadline - spec §4.3's "a timed-out tryAllocate returns no
// agent".
var ErrRequestTimeout = errors.New("clusterbus: request timed out")

// Action names carried in the allocate/execute/cancel/getProgress
// envelope (spec §6 table).
const (
	ActionAllocate    = "allocate"
	ActionExecute     = "execute"
	ActionCancel      = "cancel"
	ActionGetProgress = "getProgress"
)

// AgentRequest is the payload format for agent.<id> request/reply
// messages.
type AgentRequest struct {
	Action string          `json:"action"`
	Chain  json.RawMessage `json:"chain,omitempty"`
}

// AgentReply is the payload format for agent.<id> replies.
type AgentReply struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ProgressEvent is published on AddressProcessChainProgress.
type ProgressEvent struct {
	ProcessChainID    string   `json:"processChainId"`
	EstimatedProgress *float64 `json:"estimatedProgress"`
}

// Bus is the publish/subscribe layer every component talks to. Publish is
// fire-and-forget (no ordering across addresses, per-address ordering
// within a single publisher per spec §5). Subscribe delivers every
// message published to topic to handler, acking on nil error.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Handler processes one message's payload, already JSON-decoded into raw
// bytes (callers json.Unmarshal into their own type).
type Handler func(ctx context.Context, payload []byte) error

// Requester layers request/reply on top of a plain pub/sub Bus, since
// Watermill (the transport this package wraps) is pub/sub only. Each
// request publishes to "<address>.request" with a correlation id and
// waits until timeout for the reply on its own per-request topic
// "<address>.reply.<correlation id>".
type Requester struct {
	bus            Bus
	defaultTimeout time.Duration
}

// NewRequester wraps bus with request/reply semantics.
func NewRequester(bus Bus, defaultTimeout time.Duration) *Requester {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}

	return &Requester{bus: bus, defaultTimeout: defaultTimeout}
}
