// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"io"
	"log"
	"net"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/model"
	"github.com/descant-relay/descant/policy"
)

// Read is the per-connection loop: it sends the NIP-42 challenge, then
// dispatches frames until the peer goes away or breaks a contract. Teardown
// cancels the connection's subscriptions and sync sessions and settles its
// ban class with the gatekeeper.
func (h *Handler) Read(ctx context.Context, conn *connection) {
	defer func() {
		if err := h.CancelSubscription(ctx, conn, nil); err != nil {
			log.Printf("ERROR:%v", errors.Wrap(err, "failed to cancel subscriptions on closing conn"))
		}
		conn.dropAllSessions()
		h.keeper.DropBucket(conn.bucket)
		h.keeper.ReleaseConnection(ctx, conn.remoteAddr, conn.violationClass(), cfg.Snapshot())
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("WARN: failed to close connection to %v: %v", conn.remoteAddr, err)
		}
	}()

	conn.hasSubscriptions = func() bool { return h.connectionSubscriptionCount(conn) > 0 }

	authChallenge := nostr.AuthEnvelope{Challenge: &conn.challenge}
	if err := h.writeResponse(conn, &authChallenge); err != nil {
		log.Printf("WARN: failed to send auth challenge to %v: %v", conn.remoteAddr, err)

		return
	}

	for {
		snapshot := cfg.Snapshot()
		op, msgBytes, err := conn.ReadMessage(snapshot.IdleTimeout)
		if err != nil {
			logUnexpectedReadError(conn.remoteAddr, err)

			break
		}
		if len(msgBytes) > 0 && op == ws.OpText {
			h.Handle(ctx, conn, msgBytes, snapshot)
		}
	}
}

func logUnexpectedReadError(remoteAddr string, err error) {
	closed := new(wsutil.ClosedError)
	switch {
	case errors.As(err, closed):
		if closed.Code != ws.StatusNormalClosure &&
			closed.Code != ws.StatusGoingAway &&
			closed.Code != ws.StatusAbnormalClosure &&
			closed.Code != ws.StatusNoStatusRcvd {
			log.Printf("WARN: unexpected close code %v from %v", closed.Code, remoteAddr)
		}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrDeadlineExceeded):
	case errors.Is(err, ErrThrottled):
		log.Printf("WARN: disconnecting %v: %v", remoteAddr, err)
	default:
		log.Printf("WARN: unexpected read error from %v: %v", remoteAddr, err)
	}
}

//nolint:funlen // Envelope dispatch is one long switch.
func (h *Handler) Handle(ctx context.Context, conn *connection, msgBytes []byte, snapshot *cfg.Config) {
	input, err := model.ParseMessage(msgBytes)
	if err != nil {
		notice := nostr.NoticeEnvelope(reasonInvalid + err.Error())
		if wErr := h.writeResponse(conn, &notice); wErr != nil {
			log.Printf("ERROR:%v", multierror.Append(err, wErr).ErrorOrNil())
		}

		return
	}

	switch e := input.(type) {
	case *model.EventEnvelope:
		resp := &nostr.OKEnvelope{EventID: e.Event.ID, OK: true}
		if err = h.handleEvent(ctx, conn, &e.Event, snapshot); err != nil {
			resp.OK, resp.Reason = okOutcome(err)
		}
		err = h.writeResponse(conn, resp)
	case *model.ReqEnvelope:
		err = h.handleReq(ctx, conn, e, snapshot)
		if err != nil {
			closed := nostr.ClosedEnvelope{SubscriptionID: e.SubscriptionID, Reason: closedReason(err)}
			err = multierror.Append(err, h.writeResponse(conn, &closed)).ErrorOrNil()
		}
	case *model.CountEnvelope:
		err = h.handleCount(ctx, e, snapshot)
		if err != nil {
			closed := nostr.ClosedEnvelope{SubscriptionID: e.SubscriptionID, Reason: closedReason(err)}
			err = multierror.Append(err, h.writeResponse(conn, &closed)).ErrorOrNil()
		} else {
			err = h.writeResponse(conn, e)
		}
	case *nostr.CloseEnvelope:
		subID := string(*e)
		err = h.CancelSubscription(ctx, conn, &subID)
	case *nostr.AuthEnvelope:
		err = h.handleAuth(conn, e, snapshot)
	case *model.NegOpenEnvelope:
		err = h.handleNegOpen(ctx, conn, e, snapshot)
	case *model.NegMsgEnvelope:
		err = h.handleNegMsg(conn, e, snapshot)
	case *model.NegCloseEnvelope:
		conn.dropSession(e.SubscriptionID)
	default:
		err = errors.Errorf("unsupported message type %v", input.Label())
		notice := nostr.NoticeEnvelope(reasonError + err.Error())
		err = multierror.Append(err, h.writeResponse(conn, &notice)).ErrorOrNil()
	}

	if err != nil {
		log.Printf("ERROR:%v", errors.Wrapf(err, "failed to handle %v from %v", input.Label(), conn.remoteAddr))
	}
}

// okOutcome folds a store/validation error into the OK envelope contract:
// duplicates are still accepted, everything else carries a machine-readable
// reason prefix.
func okOutcome(err error) (ok bool, reason string) {
	switch {
	case errors.Is(err, model.ErrDuplicate):
		return true, reasonDuplicate + "already have this event"
	case errors.Is(err, model.ErrTombstoned):
		return false, reasonBlocked + "event was deleted by its author"
	case errors.Is(err, model.ErrInvalidID), errors.Is(err, model.ErrInvalidSignature), errors.Is(err, model.ErrMalformedEvent):
		return false, reasonInvalid + err.Error()
	case errors.Is(err, model.ErrUnauthorized):
		return false, reasonRestricted + "this relay does not accept events from this key"
	default:
		return false, reasonError + err.Error()
	}
}

func closedReason(err error) string {
	if errors.Is(err, errTooManySubscriptions) || errors.Is(err, policy.ErrScrapeRejected) {
		return reasonBlocked + err.Error()
	}

	return reasonError + err.Error()
}

func (h *Handler) writeResponse(respWriter Writer, envelope nostr.Envelope) error {
	b, err := envelope.MarshalJSON()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %+v into json", envelope)
	}

	return respWriter.WriteMessage(int(ws.OpText), b)
}
