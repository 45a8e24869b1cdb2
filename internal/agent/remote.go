package agent

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
	"strings"
	"time"

	"go.uber.org/zap"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

const (
	defaultRemoteTimeout      = 30 * time.Second
	defaultRemoteRetries      = 1
	defaultRemoteRetryBackoff = 500 * time.Millisecond
	maxHTTPErrorBodyReadSize  = 64 * 1024
	maxResultBodySize         = 8 * 1024 * 1024
)

type RemoteConfig struct {
	Endpoint     string
	AuthToken    string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Client       *http.Client
	Logger       *zap.Logger
}

// Remote is an agent reached over HTTP. It POSTs invocations to
// {endpoint}/execute, messages to {endpoint}/messages and probes
// {endpoint}/health.
type Remote struct {
	endpoint     string
	authToken    string
	retries      int
	retryBackoff time.Duration
	client       *http.Client
	logger       *zap.Logger
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, domain.Errorf(domain.KindValidation, "empty agent endpoint")
	}
	u, err := url.ParseRequestURI(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, domain.Errorf(domain.KindValidation, "invalid agent endpoint %q", endpoint)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRemoteRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRemoteRetryBackoff
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		endpoint:     endpoint,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		retries:      retries,
		retryBackoff: backoff,
		client:       client,
		logger:       logger.Named("remote").With(zap.String("endpoint", endpoint)),
	}, nil
}

func (r *Remote) Endpoint() string {
	return r.endpoint
}

type executeResponse struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

func (r *Remote) Execute(ctx context.Context, inv registry.Invocation) (registry.Output, error) {
	var out executeResponse
	if err := r.withRetry(ctx, "execute", func() error {
		return r.post(ctx, "/execute", inv, &out)
	}); err != nil {
		return registry.Output{}, err
	}
	if out.Error != "" {
		return registry.Output{}, fmt.Errorf("agent reported: %s", out.Error)
	}
	return registry.Output{Data: out.Data}, nil
}

func (r *Remote) Receive(ctx context.Context, msg domain.QueuedMessage) error {
	return r.withRetry(ctx, "receive", func() error {
		return r.post(ctx, "/messages", msg, nil)
	})
}

func (r *Remote) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", r.endpoint, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (r *Remote) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.retries+1; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == r.retries+1 {
			break
		}
		wait := time.Duration(attempt) * r.retryBackoff
		r.logger.Debug("remote call retry", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (r *Remote) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResultBodySize)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (r *Remote) authorize(req *http.Request) {
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
	if err != nil {
		return fmt.Errorf("agent status=%d and read body failed: %w", resp.StatusCode, err)
	}
	return httpStatusError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(body))}
}

func isRetryable(err error) bool {
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("agent status=%d", e.statusCode)
	}
	return fmt.Sprintf("agent status=%d body=%s", e.statusCode, e.body)
}
