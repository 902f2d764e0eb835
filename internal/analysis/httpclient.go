package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpClient performs JSON calls against a provider API with a bounded
// in-call retry on throttling and server errors. Escalation to the
// orchestrator's retry cycle happens only after these short retries are
// exhausted, so the two backoff layers do not compound.
type httpClient struct {
	service string
	client  *http.Client
	retries int
	backoff time.Duration
}

func newHTTPClient(service string, timeout time.Duration, retries int) *httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &httpClient{
		service: service,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: 300 * time.Millisecond,
	}
}

func (c *httpClient) doJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Permanent(c.service, fmt.Errorf("marshal request: %w", err))
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return Permanent(c.service, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if payload != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// network failures and client timeouts are retryable
			lastErr = Transient(c.service, err)
		} else {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				defer resp.Body.Close()
				if out == nil {
					return nil
				}
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return Transient(c.service, fmt.Errorf("decode response: %w", err))
				}
				return nil
			}
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &ProviderError{
				Service: c.service,
				Class:   classForStatus(resp.StatusCode),
				Status:  resp.StatusCode,
				Err:     fmt.Errorf("%s", string(b)),
			}
			var pe *ProviderError
			if errors.As(lastErr, &pe) && pe.Class == ErrorClassPermanent {
				return lastErr
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
