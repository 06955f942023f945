// SPDX-License-Identifier: MIT

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/require"

	"github.com/descant-relay/descant/cfg"
)

func TestNIP11RequiresAcceptHeader(t *testing.T) {
	t.Parallel()

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	NewNIP11Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestNIP11Document(t *testing.T) {
	t.Parallel()
	cfg.MustInit()

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/nostr+json")
	NewNIP11Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	var info nip11.RelayInformationDocument
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &info))
	require.Equal(t, cfg.Snapshot().RelayName, info.Name)
	require.Equal(t, "descant", info.Software)
	require.Contains(t, info.SupportedNIPs, 77)
	require.NotNil(t, info.Limitation)
	require.Equal(t, cfg.Snapshot().MaxSubscriptionsPerConnection, info.Limitation.MaxSubscriptions)
}
