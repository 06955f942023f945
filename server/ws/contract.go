// SPDX-License-Identifier: MIT

// Package ws is the relay's websocket layer: the per-connection read loop,
// the envelope dispatcher, the subscription registry with live fan-out, and
// the negentropy sync session handling.
package ws

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/descant-relay/descant/gatekeeper"
	"github.com/descant-relay/descant/model"
)

type (
	Writer interface {
		WriteMessage(opCode int, data []byte) error
		io.Closer
	}

	Handler struct {
		keeper *gatekeeper.Gatekeeper

		subscriptionsMx sync.Mutex
		subscriptions   map[Writer]map[string]*subscription

		eventsAccepted  metrics.Counter
		scrapesRejected metrics.Counter
	}

	// subscription tracks one REQ. It starts buffering: live events that
	// arrive while the backlog streams are parked in pending, then flushed
	// (minus what the backlog already sent) when the subscription goes live.
	subscription struct {
		id      string
		filters model.Filters
		live    bool
		backlog map[string]struct{}
		pending []*model.Event
	}
)

var (
	ErrThrottled     = errors.New("connection exceeded its byte budget")
	ErrQueueOverflow = errors.New("outbound queue overflow")
)

// Reason prefixes for OK/CLOSED responses, per NIP-01.
const (
	reasonInvalid      = "invalid: "
	reasonDuplicate    = "duplicate: "
	reasonBlocked      = "blocked: "
	reasonRestricted   = "restricted: "
	reasonAuthRequired = "auth-required: "
	reasonError        = "error: "
)

func NewHandler(keeper *gatekeeper.Gatekeeper) *Handler {
	return &Handler{
		keeper:          keeper,
		subscriptions:   make(map[Writer]map[string]*subscription),
		eventsAccepted:  metrics.GetOrRegisterCounter("relay.events.accepted", nil),
		scrapesRejected: metrics.GetOrRegisterCounter("relay.scrapes.rejected", nil),
	}
}
