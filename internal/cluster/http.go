package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned by the JSON helpers when the peer answers
// with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
}

// RequestOption customizes an outgoing request
type RequestOption func(*http.Request)

// WithBearer sets an Authorization bearer token
func WithBearer(token string) RequestOption {
	return func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// PostJSON posts body as JSON to url and decodes the response into out
// when out is non-nil.
func PostJSON(ctx context.Context, url string, body any, out any, opts ...RequestOption) error {
	return sendJSON(ctx, http.MethodPost, url, body, out, opts)
}

// PutJSON is PostJSON with the PUT method
func PutJSON(ctx context.Context, url string, body any, out any, opts ...RequestOption) error {
	return sendJSON(ctx, http.MethodPut, url, body, out, opts)
}

func sendJSON(ctx context.Context, method, url string, body any, out any, opts []RequestOption) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out, opts)
}

// GetJSON fetches url and decodes the JSON response into out
func GetJSON(ctx context.Context, url string, out any, opts ...RequestOption) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out, opts)
}

func do(req *http.Request, out any, opts []RequestOption) error {
	for _, opt := range opts {
		opt(req)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
