package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Panel REST endpoints.
const (
	endpointStatus   = "/api/v1/status"
	endpointPanel    = "/api/v1/panel"
	endpointCircuits = "/api/v1/circuits"

	defaultRequestTimeout = 10 * time.Second
	dialTimeout           = 5 * time.Second
)

// TransportError is returned for any failed panel request: network errors,
// timeouts, non-2xx statuses and bodies that cannot be decoded. Callers treat
// it as "device unreachable this cycle".
type TransportError struct {
	Err        error
	Endpoint   string
	StatusCode int
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("panel request %s failed with status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("panel request %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

var errUnexpectedStatus = errors.New("unexpected status")

// PanelClient talks to one panel's local API.
type PanelClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewPanelClient returns a client for identity whose requests are bounded by
// timeout.
func NewPanelClient(identity PanelIdentity, timeout time.Duration) *PanelClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   2,
	}

	return &PanelClient{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    "http://" + identity.IPAddress,
		token:      identity.AuthToken,
	}
}

// Fetch GETs endpoint and decodes the response.
func (c *PanelClient) Fetch(ctx context.Context, endpoint string) (*RawTelemetryBlob, error) {
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	blob, err := NewTelemetryBlob(endpoint, body, time.Now())
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	return blob, nil
}

// FetchCircuit GETs a single circuit.
func (c *PanelClient) FetchCircuit(ctx context.Context, circuitID string) (*RawTelemetryBlob, error) {
	return c.Fetch(ctx, circuitEndpoint(circuitID))
}

// Post sends payload as JSON to endpoint.
func (c *PanelClient) Post(ctx context.Context, endpoint string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", endpoint, err)
	}

	_, err = c.do(ctx, http.MethodPost, endpoint, data)
	return err
}

func (c *PanelClient) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTelemetryBodyBytes))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: errUnexpectedStatus}
	}
	return body, nil
}

func circuitEndpoint(circuitID string) string {
	return endpointCircuits + "/" + url.PathEscape(circuitID)
}

// Command payloads for POST /api/v1/circuits/{id}.
type relayStateRequest struct {
	RelayStateIn relayStateIn `json:"relayStateIn"`
}

type relayStateIn struct {
	RelayState string `json:"relayState"`
}

type priorityRequest struct {
	PriorityIn priorityIn `json:"priorityIn"`
}

type priorityIn struct {
	Priority string `json:"priority"`
}
