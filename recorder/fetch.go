package recorder

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// FetchFunc is the injected retrieval capability used for playlist and
// segment requests. It returns the HTTP status code and the response body.
// A transport-level failure is reported through err with status 0.
type FetchFunc func(ctx context.Context, rawurl string) (status int, body []byte, err error)

// NewHTTPFetch returns a FetchFunc backed by the given client
// (http.DefaultClient when nil).
func NewHTTPFetch(client *http.Client) FetchFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, rawurl string) (int, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
		if err != nil {
			return 0, nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, nil, err
		}
		return resp.StatusCode, body, nil
	}
}

// NewProxyClient builds an HTTP client tunneling through the given HTTP
// proxy, with optional basic auth. Used when the multivariant playlist must
// be fetched through a proxy.
func NewProxyClient(host, port, user, password string) *http.Client {
	proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, port)}
	if user != "" {
		proxyURL.User = url.UserPassword(user, password)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   30 * time.Second,
	}
}

// Outcome classifies the result of a playlist or segment fetch so the
// lifecycle can switch on kind instead of absorbing errors.
type Outcome int

const (
	// OutcomeOK means a usable 2xx response.
	OutcomeOK Outcome = iota
	// OutcomeRecoverable means no update this cycle; retry on the next poll.
	OutcomeRecoverable
	// OutcomeEndOfStream means the source is gone in a way that normally
	// signals the broadcast ended; stop gracefully.
	OutcomeEndOfStream
	// OutcomeFatal means the operation must not be retried.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeEndOfStream:
		return "end_of_stream"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyFetch maps a fetch result to an Outcome. recording reports whether
// the recording cycle has already started: once it has, an unreachable
// source is indistinguishable from the end of a broadcast and is treated as
// end-of-stream instead of a retryable fault.
func ClassifyFetch(status int, err error, recording bool) Outcome {
	if err != nil {
		if IsFatalError(err) {
			return OutcomeFatal
		}
		if recording {
			return OutcomeEndOfStream
		}
		return OutcomeRecoverable
	}
	if status >= 200 && status < 300 {
		return OutcomeOK
	}
	// Once recording, a vanished source is how live broadcasts end.
	if recording {
		return OutcomeEndOfStream
	}
	if IsFatalError(fmt.Errorf("status %d", status)) {
		return OutcomeFatal
	}
	return OutcomeRecoverable
}
