// SPDX-License-Identifier: MIT

package ws

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/database/query"
	"github.com/descant-relay/descant/model"
	"github.com/descant-relay/descant/policy"
)

var errTooManySubscriptions = errors.New("too many subscriptions on this connection")

// handleEvent validates, authorizes and stores an incoming event, then fans
// it out. The write is durable before any subscriber sees it; ephemeral
// events skip the store but still reach matching subscriptions.
func (h *Handler) handleEvent(ctx context.Context, conn *connection, event *model.Event, snapshot *cfg.Config) error {
	if policy.SignatureCheckRequired(event, snapshot) {
		if err := event.Validate(); err != nil {
			return err
		}
	} else if err := event.ValidateStructure(); err != nil {
		return err
	}
	if err := policy.AuthorizeEvent(event, conn.authed(), snapshot); err != nil {
		return err
	}
	if err := query.AcceptEvent(ctx, event); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			// Duplicates are acknowledged but not fanned out again.
			return err
		}

		return errors.Wrapf(err, "failed to store event %v", event.ID)
	}

	if err := h.broadcast(event); err != nil {
		return errors.Wrapf(err, "failed to notify subscribers about event %v", event.ID)
	}
	h.eventsAccepted.Inc(1)

	return nil
}

// authorize runs the scrape guard and keeps the rejection counter.
func (h *Handler) authorize(filters model.Filters, snapshot *cfg.Config, fromSync bool) error {
	if err := policy.Authorize(filters, snapshot, fromSync); err != nil {
		if errors.Is(err, policy.ErrScrapeRejected) {
			h.scrapesRejected.Inc(1)
		}

		return err
	}

	return nil
}

// handleReq streams the backlog, emits EOSE, then flips the subscription
// live. The subscription is registered in a buffering state before the
// backlog query runs, so concurrent events are parked instead of lost; the
// flush deduplicates against what the backlog already delivered.
func (h *Handler) handleReq(ctx context.Context, conn *connection, req *model.ReqEnvelope, snapshot *cfg.Config) error {
	if err := h.authorize(req.Filters, snapshot, false); err != nil {
		return err
	}

	sub := &subscription{
		id:      req.SubscriptionID,
		filters: req.Filters,
		backlog: make(map[string]struct{}),
	}
	if err := h.registerSubscription(conn, sub, snapshot); err != nil {
		return err
	}

	// A failed REQ is answered with CLOSED, so the subscription must not
	// survive: fan-out for a subscription the client believes closed would
	// violate the lifecycle.
	if err := h.streamBacklog(ctx, conn, sub); err != nil {
		h.dropSubscription(conn, sub)

		return err
	}

	eose := nostr.EOSEEnvelope(req.SubscriptionID)
	eoseErr := h.writeResponse(conn, &eose)
	if err := multierror.Append(eoseErr, h.goLive(conn, sub)).ErrorOrNil(); err != nil {
		h.dropSubscription(conn, sub)

		return err
	}

	return nil
}

// dropSubscription unregisters the subscription unless a replacement with the
// same id was registered meanwhile.
func (h *Handler) dropSubscription(conn *connection, sub *subscription) {
	h.subscriptionsMx.Lock()
	defer h.subscriptionsMx.Unlock()

	subs := h.subscriptions[conn]
	if subs[sub.id] != sub {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.subscriptions, conn)
	}
}

func (h *Handler) streamBacklog(ctx context.Context, conn *connection, sub *subscription) error {
	var mErr *multierror.Error
	events := query.GetStoredEvents(ctx, &model.Subscription{Filters: sub.filters})
	for event, err := range events {
		if err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(err, "failed to query events for subscription %v", sub.id))

			break
		}
		h.subscriptionsMx.Lock()
		sub.backlog[event.ID] = struct{}{}
		h.subscriptionsMx.Unlock()
		if wErr := h.writeResponse(conn, &model.EventEnvelope{SubscriptionID: &sub.id, Event: *event}); wErr != nil {
			mErr = multierror.Append(mErr, wErr)

			break
		}
	}

	return mErr.ErrorOrNil()
}

func (h *Handler) registerSubscription(conn *connection, sub *subscription, snapshot *cfg.Config) error {
	h.subscriptionsMx.Lock()
	defer h.subscriptionsMx.Unlock()

	subs, found := h.subscriptions[conn]
	if !found {
		subs = make(map[string]*subscription)
		h.subscriptions[conn] = subs
	}
	_, replacing := subs[sub.id]
	if limit := snapshot.MaxSubscriptionsPerConnection; limit > 0 && !replacing && len(subs) >= limit {
		return errors.Wrapf(errTooManySubscriptions, "limit %d", limit)
	}
	// Same id replaces the old subscription, per NIP-01.
	subs[sub.id] = sub

	return nil
}

// goLive flushes events parked while the backlog streamed, skipping ids the
// backlog already sent, and switches the subscription to direct fan-out.
func (h *Handler) goLive(conn *connection, sub *subscription) error {
	h.subscriptionsMx.Lock()
	defer h.subscriptionsMx.Unlock()

	if current := h.subscriptions[conn][sub.id]; current != sub {
		// Cancelled or replaced while the backlog was streaming.
		return nil
	}

	var mErr *multierror.Error
	for _, event := range sub.pending {
		if _, alreadySent := sub.backlog[event.ID]; alreadySent {
			continue
		}
		mErr = multierror.Append(mErr, h.writeResponse(conn, &model.EventEnvelope{SubscriptionID: &sub.id, Event: *event}))
	}
	sub.pending, sub.backlog = nil, nil
	sub.live = true

	return mErr.ErrorOrNil()
}

// broadcast delivers a fresh event to every matching subscription, at most
// once per subscription. Buffering subscriptions park it for the flush.
func (h *Handler) broadcast(event *model.Event) error {
	h.subscriptionsMx.Lock()
	defer h.subscriptionsMx.Unlock()

	var mErr *multierror.Error
	for writer, subs := range h.subscriptions {
		for _, sub := range subs {
			if !sub.filters.Match(event) {
				continue
			}
			if !sub.live {
				if len(sub.pending) < maxPendingPerSubscription {
					sub.pending = append(sub.pending, event)
				}

				continue
			}
			mErr = multierror.Append(mErr, h.writeResponse(writer, &model.EventEnvelope{SubscriptionID: &sub.id, Event: *event}))
		}
	}

	return mErr.ErrorOrNil()
}

// maxPendingPerSubscription bounds the buffering window; a backlog slow
// enough to hit it loses live events it would have received, which the next
// sync reconciles anyway.
const maxPendingPerSubscription = 512

func (h *Handler) handleCount(ctx context.Context, envelope *model.CountEnvelope, snapshot *cfg.Config) error {
	if err := h.authorize(envelope.Filters, snapshot, false); err != nil {
		return err
	}
	count, err := query.CountEvents(ctx, &model.Subscription{Filters: envelope.Filters})
	if err != nil {
		return errors.Wrapf(err, "failed to count events for %v", envelope.SubscriptionID)
	}
	envelope.Count = &count
	envelope.Filters = nil

	return nil
}

func (h *Handler) handleAuth(conn *connection, envelope *nostr.AuthEnvelope, snapshot *cfg.Config) error {
	authEvent := &model.Event{Event: envelope.Event}
	resp := &nostr.OKEnvelope{EventID: envelope.Event.ID, OK: true}
	pubKey, err := model.ValidateAuthEvent(authEvent, conn.challenge, snapshot.RelayURL)
	if err != nil {
		resp.OK = false
		resp.Reason = reasonAuthRequired + "challenge or relay mismatch"
	} else {
		conn.setAuthedPubKey(pubKey)
	}

	return multierror.Append(err, h.writeResponse(conn, resp)).ErrorOrNil()
}

// CancelSubscription drops one subscription (answering with CLOSED), or all
// of them when subID is nil at connection teardown.
func (h *Handler) CancelSubscription(_ context.Context, conn *connection, subID *string) error {
	h.subscriptionsMx.Lock()
	defer h.subscriptionsMx.Unlock()

	subs, found := h.subscriptions[conn]
	if !found {
		return nil
	}
	if subID == nil {
		delete(h.subscriptions, conn)

		return nil
	}
	delete(subs, *subID)
	if len(subs) == 0 {
		delete(h.subscriptions, conn)
	}
	closed := nostr.ClosedEnvelope{SubscriptionID: *subID}
	if err := h.writeResponse(conn, &closed); err != nil {
		return errors.Wrap(err, "failed to write CLOSED message")
	}

	return nil
}

func (h *Handler) connectionSubscriptionCount(conn *connection) int {
	h.subscriptionsMx.Lock()
	defer h.subscriptionsMx.Unlock()

	return len(h.subscriptions[conn])
}
