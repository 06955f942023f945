// SPDX-License-Identifier: MIT

// Package server wires the relay together: one listener serving the
// websocket endpoint, the NIP-11 document on the same path, admission
// control in front of the upgrade, and graceful shutdown on signals.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/database/query"
	"github.com/descant-relay/descant/gatekeeper"
	httpserver "github.com/descant-relay/descant/server/http"
	wsserver "github.com/descant-relay/descant/server/ws"
)

type srv struct {
	keeper  *gatekeeper.Gatekeeper
	handler *wsserver.Handler
	server  *http.Server
}

func ListenAndServe(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	keeper := gatekeeper.New(banStore{})
	s := &srv{keeper: keeper, handler: wsserver.NewHandler(keeper)}
	go keeper.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	nip11 := httpserver.NewNIP11Handler()
	router.GET("/", s.root(ctx, nip11))
	router.GET("/stats", s.stats)

	snapshot := cfg.Snapshot()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%v", snapshot.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Printf("server started listening on %v...", snapshot.Port)
		var err error
		if snapshot.CertPath != "" && snapshot.KeyPath != "" {
			err = s.server.ListenAndServeTLS(snapshot.CertPath, snapshot.KeyPath)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR:%v", errors.Wrap(err, "server failed to listen"))
			cancel()
		}
	}()

	wait(ctx)
	s.shutDown()
}

// root upgrades websocket requests and serves the NIP-11 document to plain
// HTTP clients asking for application/nostr+json.
func (s *srv) root(ctx context.Context, nip11 http.Handler) gin.HandlerFunc {
	return func(ginCtx *gin.Context) {
		req := ginCtx.Request
		if req.Header.Get("Upgrade") != "websocket" {
			nip11.ServeHTTP(ginCtx.Writer, req)

			return
		}

		snapshot := cfg.Snapshot()
		remoteAddr := clientAddress(ginCtx)
		if err := s.keeper.AcceptConnection(ctx, remoteAddr, snapshot); err != nil {
			log.Printf("WARN: refusing connection from %v: %v", remoteAddr, err)
			ginCtx.AbortWithStatus(http.StatusTooManyRequests)

			return
		}

		conn, _, _, err := ws.UpgradeHTTP(req, ginCtx.Writer)
		if err != nil {
			s.keeper.ReleaseConnection(ctx, remoteAddr, query.BanClassDisconnect, snapshot)
			log.Printf("ERROR:%v", errors.Wrapf(err, "failed to upgrade websocket for %v", remoteAddr))

			return
		}

		client := s.handler.NewConnection(conn, remoteAddr, snapshot)
		go client.Write()
		go s.handler.Read(ctx, client)
	}
}

// stats dumps the metrics registry as a JSON document: connection and ban
// counters from the gatekeeper, event and scrape counters from the handler.
func (s *srv) stats(ginCtx *gin.Context) {
	ginCtx.Header("Content-Type", "application/json")
	metrics.WriteJSONOnce(metrics.DefaultRegistry, ginCtx.Writer)
}

func clientAddress(ginCtx *gin.Context) string {
	host, _, err := net.SplitHostPort(ginCtx.Request.RemoteAddr)
	if err != nil {
		return ginCtx.Request.RemoteAddr
	}

	return host
}

func wait(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-quit:
	}
}

func (s *srv) shutDown() {
	log.Printf("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Printf("ERROR:%v", errors.Wrap(err, "server shutdown failed"))
	} else {
		log.Printf("server shutdown succeeded")
	}
}

// banStore adapts the global query package to the gatekeeper contract.
type banStore struct{}

func (banStore) UpsertBan(ctx context.Context, ban *query.BanRecord) error {
	return query.UpsertBan(ctx, ban)
}

func (banStore) GetBan(ctx context.Context, address string) (*query.BanRecord, error) {
	return query.GetBan(ctx, address)
}

func (banStore) SweepExpiredBans(ctx context.Context, nowUnix int64) (int64, error) {
	return query.SweepExpiredBans(ctx, nowUnix)
}
