package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *PanelClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewPanelClient(PanelIdentity{
		IPAddress: strings.TrimPrefix(server.URL, "http://"),
		AuthToken: testToken,
	}, timeout)
}

func TestPanelClientFetchSendsBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"instantGridPowerW": 900}`))
	}, time.Second)

	blob, err := client.Fetch(context.Background(), endpointPanel)
	require.NoError(t, err)

	assert.Equal(t, "Bearer "+testToken, gotAuth)
	assert.Equal(t, endpointPanel, gotPath)
	assert.Equal(t, endpointPanel, blob.Endpoint)
	grid, ok := blob.Float("instantGridPowerW")
	require.True(t, ok)
	assert.InDelta(t, 900.0, grid, 1e-9)
}

func TestPanelClientTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	t.Cleanup(func() { close(release) })

	start := time.Now()
	_, err := client.Fetch(context.Background(), endpointStatus)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, endpointStatus, transportErr.Endpoint)
	assert.Zero(t, transportErr.StatusCode)
}

func TestPanelClientNon2xx(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, time.Second)

	_, err := client.Fetch(context.Background(), endpointCircuits)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	assert.True(t, errors.Is(err, errUnexpectedStatus))
}

func TestPanelClientMalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}, time.Second)

	_, err := client.Fetch(context.Background(), endpointPanel)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Contains(t, err.Error(), endpointPanel)
}

func TestPanelClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(server.URL, "http://")
	server.Close()

	client := NewPanelClient(PanelIdentity{IPAddress: addr, AuthToken: testToken}, time.Second)
	_, err := client.Fetch(context.Background(), endpointPanel)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestPanelClientPost(t *testing.T) {
	var gotMethod, gotType, gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{}`))
	}, time.Second)

	err := client.Post(context.Background(), circuitEndpoint("abc"), priorityRequest{
		PriorityIn: priorityIn{Priority: priorityMustHave},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotType)
	assert.JSONEq(t, `{"priorityIn":{"priority":"MUST_HAVE"}}`, gotBody)
}

func TestCircuitEndpointEscapesID(t *testing.T) {
	assert.Equal(t, "/api/v1/circuits/abc123", circuitEndpoint("abc123"))
	assert.Equal(t, "/api/v1/circuits/a%2Fb", circuitEndpoint("a/b"))
}
