package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

// Encoding selects the request body format.
type Encoding string

const (
	EncodingForm Encoding = "form"
	EncodingJSON Encoding = "json"
)

// ParseEncoding maps a config value to an Encoding.
func ParseEncoding(raw string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(EncodingForm):
		return EncodingForm, nil
	case string(EncodingJSON):
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", raw)
	}
}

const maxResponseBytes = 1 << 20

// Response is a fully read API response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

// Sender posts payloads to the collection API.
type Sender struct {
	client    *http.Client
	transport *http.Transport
	h2        *http2.Transport
	encoding  Encoding
	userAgent string
}

// NewSender returns a configured Sender. TLS endpoints are spoken to over
// HTTP/2; an idle HTTP/2 connection is health-checked with a PING after
// half the request timeout so a dead collector connection is dropped before
// the next request times out on it.
func NewSender(timeout time.Duration, encoding Encoding, userAgent string) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if encoding == "" {
		encoding = EncodingForm
	}
	transport := newTransport()
	h2, err := http2.ConfigureTransports(transport)
	if err == nil {
		h2.ReadIdleTimeout = timeout / 2
		h2.PingTimeout = pingTimeout(timeout)
	} else {
		h2 = nil
		transport.ForceAttemptHTTP2 = true
	}
	return &Sender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		transport: transport,
		h2:        h2,
		encoding:  encoding,
		userAgent: userAgent,
	}
}

// newTransport mirrors http.DefaultTransport without sharing its
// TLSNextProto state, so the HTTP/2 upgrade can be registered on it.
func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func pingTimeout(timeout time.Duration) time.Duration {
	ping := timeout / 4
	if ping > 15*time.Second {
		ping = 15 * time.Second
	}
	if ping < time.Second {
		ping = time.Second
	}
	return ping
}

// Post sends payload to url and reads the whole response. Only network
// failures are returned as errors; status codes are left to the caller.
func (s *Sender) Post(ctx context.Context, url string, payload Payload) (*Response, error) {
	body, contentType, err := s.encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("build request: %w", err)}
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("read response: %w", err)}
	}
	return &Response{
		URL:        url,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		RequestID:  requestID,
	}, nil
}

func (s *Sender) encode(payload Payload) ([]byte, string, error) {
	if s.encoding == EncodingJSON {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	}
	return []byte(payload.Values().Encode()), "application/x-www-form-urlencoded", nil
}
