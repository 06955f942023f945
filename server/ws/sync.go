// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"log"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/database/query"
	"github.com/descant-relay/descant/model"
	"github.com/descant-relay/descant/negentropy"
)

// syncSession is one NIP-77 reconciliation: the relay is always the
// non-initiating side, so it only ever answers. The key vector is a snapshot
// taken at NEG-OPEN; events stored mid-session surface on the next sync.
type syncSession struct {
	neg    *negentropy.Negentropy
	rounds int
}

func (h *Handler) handleNegOpen(ctx context.Context, conn *connection, envelope *model.NegOpenEnvelope, snapshot *cfg.Config) error {
	session, err := h.openSyncSession(ctx, envelope, snapshot)
	if err != nil {
		negErr := model.NegErrEnvelope{SubscriptionID: envelope.SubscriptionID, Reason: closedReason(err)}

		return multierror.Append(err, h.writeResponse(conn, &negErr)).ErrorOrNil()
	}

	output, _, _, err := session.neg.Reconcile(envelope.Message)
	if err != nil {
		negErr := model.NegErrEnvelope{SubscriptionID: envelope.SubscriptionID, Reason: reasonError + "malformed sync message"}

		return multierror.Append(err, h.writeResponse(conn, &negErr)).ErrorOrNil()
	}
	conn.storeSession(envelope.SubscriptionID, session)

	return h.writeResponse(conn, &model.NegMsgEnvelope{SubscriptionID: envelope.SubscriptionID, Message: output})
}

func (h *Handler) openSyncSession(ctx context.Context, envelope *model.NegOpenEnvelope, snapshot *cfg.Config) (*syncSession, error) {
	if err := h.authorize(model.Filters{envelope.Filter}, snapshot, true); err != nil {
		return nil, err
	}

	keys, err := query.GetStoredEventKeys(ctx, &model.Subscription{Filters: model.Filters{envelope.Filter}})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load event keys for sync %v", envelope.SubscriptionID)
	}
	vector := negentropy.NewVector()
	for i := range keys {
		if iErr := vector.Insert(uint64(keys[i].CreatedAt), keys[i].ID); iErr != nil {
			return nil, errors.Wrapf(iErr, "failed to seed sync vector for %v", envelope.SubscriptionID)
		}
	}
	if err = vector.Seal(); err != nil {
		return nil, errors.Wrapf(err, "failed to seal sync vector for %v", envelope.SubscriptionID)
	}
	neg, err := negentropy.New(vector, snapshot.SyncFrameSizeLimit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create sync session %v", envelope.SubscriptionID)
	}

	return &syncSession{neg: neg}, nil
}

func (h *Handler) handleNegMsg(conn *connection, envelope *model.NegMsgEnvelope, snapshot *cfg.Config) error {
	session := conn.session(envelope.SubscriptionID)
	if session == nil {
		negErr := model.NegErrEnvelope{SubscriptionID: envelope.SubscriptionID, Reason: "closed: unknown sync session"}

		return h.writeResponse(conn, &negErr)
	}

	session.rounds++
	if limit := snapshot.SyncMaxRounds; limit > 0 && session.rounds > limit {
		conn.dropSession(envelope.SubscriptionID)
		negErr := model.NegErrEnvelope{SubscriptionID: envelope.SubscriptionID, Reason: "closed: too many rounds without convergence"}

		return h.writeResponse(conn, &negErr)
	}

	output, _, _, err := session.neg.Reconcile(envelope.Message)
	if err != nil {
		conn.dropSession(envelope.SubscriptionID)
		negErr := model.NegErrEnvelope{SubscriptionID: envelope.SubscriptionID, Reason: reasonError + "malformed sync message"}

		return multierror.Append(err, h.writeResponse(conn, &negErr)).ErrorOrNil()
	}

	return h.writeResponse(conn, &model.NegMsgEnvelope{SubscriptionID: envelope.SubscriptionID, Message: output})
}

func (c *connection) storeSession(subID string, session *syncSession) {
	c.sessionsMx.Lock()
	c.sessions[subID] = session
	c.sessionsMx.Unlock()
}

func (c *connection) session(subID string) *syncSession {
	c.sessionsMx.Lock()
	defer c.sessionsMx.Unlock()

	return c.sessions[subID]
}

func (c *connection) dropSession(subID string) {
	c.sessionsMx.Lock()
	delete(c.sessions, subID)
	c.sessionsMx.Unlock()
}

func (c *connection) dropAllSessions() {
	c.sessionsMx.Lock()
	if n := len(c.sessions); n > 0 {
		log.Printf("WARN: dropping %v unfinished sync sessions for %v", n, c.remoteAddr)
	}
	c.sessions = make(map[string]*syncSession)
	c.sessionsMx.Unlock()
}
