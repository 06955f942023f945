// SPDX-License-Identifier: MIT

package ws

import (
	"log"
	"net"
	"sync"
	stdlibtime "time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/database/query"
	"github.com/descant-relay/descant/gatekeeper"
)

// connection owns one upgraded websocket: the socket itself, the bounded
// outbound queue drained by a single writer goroutine, the token bucket both
// directions debit, and the NIP-42 state.
type connection struct {
	conn       net.Conn
	remoteAddr string
	challenge  string
	bucket     *gatekeeper.TokenBucket

	out          chan []byte
	closeChannel chan struct{}
	closed       bool
	closeMx      sync.Mutex

	authMx       sync.Mutex
	authedPubKey string

	sessionsMx sync.Mutex
	sessions   map[string]*syncSession

	// banClass escalates from disconnect to violation when the peer breaks
	// the throttling or queue contract; read at teardown.
	banClassMx sync.Mutex
	banClass   query.BanClass

	// hasSubscriptions tells the read loop whether the idle deadline applies.
	hasSubscriptions func() bool
}

// NewConnection wraps a freshly upgraded socket with its token bucket and
// NIP-42 challenge. The caller starts the writer goroutine and the read loop.
func (h *Handler) NewConnection(conn net.Conn, remoteAddr string, snapshot *cfg.Config) *connection {
	return newConnection(conn, remoteAddr, h.keeper.NewBucket(snapshot), snapshot)
}

func newConnection(conn net.Conn, remoteAddr string, bucket *gatekeeper.TokenBucket, snapshot *cfg.Config) *connection {
	return &connection{
		conn:         conn,
		remoteAddr:   remoteAddr,
		challenge:    uuid.NewString(),
		bucket:       bucket,
		out:          make(chan []byte, max(snapshot.OutboundQueueSize, 1)),
		closeChannel: make(chan struct{}),
		sessions:     make(map[string]*syncSession),
	}
}

// ReadMessage blocks for the next client frame. Connections with no active
// subscriptions are held to the idle deadline; subscribed ones wait forever.
func (c *connection) ReadMessage(idleTimeout stdlibtime.Duration) (ws.OpCode, []byte, error) {
	deadline := stdlibtime.Time{}
	if idleTimeout > 0 && (c.hasSubscriptions == nil || !c.hasSubscriptions()) {
		deadline = stdlibtime.Now().Add(idleTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}

	data, op, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		return op, nil, err
	}
	if !c.bucket.Debit(int64(len(data))) {
		c.markViolation()

		return op, nil, ErrThrottled
	}

	return op, data, nil
}

// WriteMessage queues an outbound frame. The queue never blocks: a slow
// reader that lets it overflow is disconnected rather than allowed to stall
// fan-out for everyone else.
func (c *connection) WriteMessage(_ int, data []byte) error {
	if !c.bucket.Debit(int64(len(data))) {
		c.markViolation()
		_ = c.Close()

		return ErrThrottled
	}

	c.closeMx.Lock()
	if c.closed {
		c.closeMx.Unlock()

		return nil
	}
	select {
	case c.out <- data:
		c.closeMx.Unlock()

		return nil
	default:
		c.closeMx.Unlock()
		c.markViolation()
		_ = c.Close()

		return ErrQueueOverflow
	}
}

// Write is the writer goroutine: the only place that touches the socket for
// sending, so frames never interleave.
func (c *connection) Write() {
	for msg := range c.out {
		if err := wsutil.WriteServerMessage(c.conn, ws.OpText, msg); err != nil {
			log.Printf("WARN: failed to write frame to %v: %v", c.remoteAddr, err)

			break
		}
	}
}

func (c *connection) Close() error {
	c.closeMx.Lock()
	if c.closed {
		c.closeMx.Unlock()

		return nil
	}
	c.closed = true
	close(c.closeChannel)
	close(c.out)
	c.closeMx.Unlock()

	return c.conn.Close()
}

func (c *connection) markViolation() {
	c.banClassMx.Lock()
	c.banClass = query.BanClassViolation
	c.banClassMx.Unlock()
}

func (c *connection) violationClass() query.BanClass {
	c.banClassMx.Lock()
	defer c.banClassMx.Unlock()

	return c.banClass
}

func (c *connection) setAuthedPubKey(pubKey string) {
	c.authMx.Lock()
	c.authedPubKey = pubKey
	c.authMx.Unlock()
}

func (c *connection) authed() string {
	c.authMx.Lock()
	defer c.authMx.Unlock()

	return c.authedPubKey
}
