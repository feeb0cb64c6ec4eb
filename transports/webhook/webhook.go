// Package webhook contains a transport that delivers messages with HTTP POST requests.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/italypaleale/courier/internal/apiauth"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultContentType = "application/octet-stream"

	// Maximum number of bytes read from the body of error responses
	maxErrorBodySize = 512
)

// StatusError is returned when the endpoint responds with a non-2xx status code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "webhook responded with status code " + strconv.Itoa(e.StatusCode)
	}
	return "webhook responded with status code " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// Options for the webhook transport.
type Options struct {
	// URL of the endpoint
	URL string
	// Value of the Content-Type header
	ContentType string
	// Timeout for each request
	Timeout time.Duration
	// If true, connects to the endpoint with HTTP/3
	HTTP3 bool
	// TLS configuration for the client
	TLSConfig *tls.Config
	// If set, adds credentials to each request
	Auth apiauth.Method
}

// Transport sends messages to a webhook.
type Transport struct {
	url         string
	contentType string
	auth        apiauth.Method
	client      *http.Client
	closer      io.Closer
}

// New returns a new webhook Transport.
func New(opts Options) (*Transport, error) {
	if opts.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook URL is not valid: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, errors.New("webhook URL must use the http or https scheme")
	case opts.HTTP3 && u.Scheme != "https":
		return nil, errors.New("webhook URL must use the https scheme with HTTP/3")
	}

	if opts.Auth != nil {
		err = opts.Auth.Validate()
		if err != nil {
			return nil, fmt.Errorf("invalid authentication method: %w", err)
		}
	}

	if opts.ContentType == "" {
		opts.ContentType = DefaultContentType
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	t := &Transport{
		url:         u.String(),
		contentType: opts.ContentType,
		auth:        opts.Auth,
	}

	var rt http.RoundTripper
	if opts.HTTP3 {
		h3 := &http3.Transport{
			TLSClientConfig: opts.TLSConfig,
			QUICConfig:      &quic.Config{},
		}
		rt = h3
		t.closer = h3
	} else {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.TLSConfig != nil {
			tr.TLSClientConfig = opts.TLSConfig
		}
		rt = tr
	}

	t.client = &http.Client{
		Transport: rt,
		Timeout:   opts.Timeout,
	}

	return t, nil
}

// Send POSTs the message to the endpoint.
func (t *Transport) Send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", t.contentType)
	if t.auth != nil {
		err = t.auth.UpdateRequest(req)
		if err != nil {
			return fmt.Errorf("failed to add credentials to request: %w", err)
		}
	}

	res, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		return &StatusError{
			StatusCode: res.StatusCode,
			Body:       string(bytes.TrimSpace(msg)),
		}
	}

	// Drain the body so the connection can be reused
	_, _ = io.Copy(io.Discard, res.Body)

	return nil
}

// Close releases the connections held by the transport.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
