// Package clients holds the JSON/HTTP clients for the four external
// dependencies: tenant-data, LLM provider, SMS gateway and notification
// service. Callers wrap these in the breaker/retry/degradation stack; the
// clients themselves never retry.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// doJSON performs one JSON request and decodes a 2xx body into out (out may
// be nil). 4xx maps to an external-service error carrying the remote
// status; 5xx and transport errors map to retryable external-service
// errors.
func doJSON(ctx context.Context, client *http.Client, service, method, url string, body, out interface{}) error {
	return doJSONWithToken(ctx, client, service, method, url, "", body, out)
}

// doJSONWithAuth is doJSON with a bearer token, POST only.
func doJSONWithAuth(ctx context.Context, client *http.Client, service, url, token string, body, out interface{}) error {
	return doJSONWithToken(ctx, client, service, http.MethodPost, url, token, body, out)
}

func doJSONWithToken(ctx context.Context, client *http.Client, service, method, url, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return core.WrapError(core.KindValidation, "encoding request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return core.WrapError(core.KindValidation, "building request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return core.WrapError(core.KindExternalService, service+" unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain a little so keep-alive connections can be reused.
		io.CopyN(io.Discard, resp.Body, 4096)
		e := core.ExternalServiceError(service, resp.StatusCode,
			fmt.Errorf("%s %s returned %d", method, url, resp.StatusCode))
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.WrapError(core.KindExternalService, service+" sent malformed response", err)
	}
	return nil
}
