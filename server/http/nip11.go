// SPDX-License-Identifier: MIT

// Package http serves the relay's plain-HTTP surface: the NIP-11 relay
// information document on the websocket endpoint.
package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/descant-relay/descant/cfg"
)

type nip11handler struct{}

func NewNIP11Handler() http.Handler {
	return &nip11handler{}
}

func (n *nip11handler) ServeHTTP(writer http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Accept") != "application/nostr+json" {
		writer.WriteHeader(http.StatusBadRequest)

		return
	}
	writer.Header().Add("Content-Type", "application/json")
	info := n.info(cfg.Snapshot())
	data, err := json.Marshal(info)
	if err != nil {
		log.Printf("ERROR:%v", errors.Wrapf(err, "failed to serialize NIP11 json %+v", info))
		writer.WriteHeader(http.StatusInternalServerError)

		return
	}
	if _, err = writer.Write(data); err != nil {
		log.Printf("WARN: failed to write NIP11 response: %v", err)
	}
}

func (*nip11handler) info(snapshot *cfg.Config) nip11.RelayInformationDocument {
	return nip11.RelayInformationDocument{
		Name:          snapshot.RelayName,
		Description:   snapshot.RelayDescription,
		PubKey:        snapshot.RelayPubKey,
		Contact:       snapshot.RelayContact,
		Icon:          snapshot.RelayIcon,
		SupportedNIPs: []int{1, 9, 11, 42, 45, 77},
		Software:      "descant",
		Limitation: &nip11.RelayLimitationDocument{
			MaxSubscriptions: snapshot.MaxSubscriptionsPerConnection,
			MaxLimit:         snapshot.AllowScrapeIfLimitedTo,
			AuthRequired:     !snapshot.OpenRelay,
			RestrictedWrites: !snapshot.OpenRelay,
		},
	}
}
