// Package gh holds the shared plumbing for talking to the GitHub REST API:
// client construction against a configurable base URL, a bounded retry
// helper for transient failures, and mapping of API failures onto the
// upstream error taxonomy.
package gh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v68/github"

	"github.com/enskill/enskill-server/internal/apperrors"
)

const (
	// RequestTimeout bounds every individual GitHub API round trip.
	RequestTimeout = 30 * time.Second

	retryMaxElapsed = 15 * time.Second
)

// NewClient builds a go-github client authenticated with the given bearer
// token. baseURL replaces the default https://api.github.com, which lets
// tests point the client at an httptest server.
func NewClient(token, baseURL string) (*github.Client, error) {
	httpClient := &http.Client{Timeout: RequestTimeout}

	client := github.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	if baseURL != "" {
		parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API base URL %q: %w", baseURL, err)
		}
		client.BaseURL = parsed
	}
	return client, nil
}

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// Retry runs op with exponential backoff, retrying only transient failures.
// Callers decide which operations are safe to resubmit: content-addressed
// object creation is, ref and pull-request creation is not.
func Retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(newRetryBackoff(), ctx))
}

// IsTransient reports whether an error is worth retrying: network-level
// failures and 5xx responses. 4xx responses are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode >= http.StatusInternalServerError
	}

	var upstream *apperrors.UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode != 0 {
		return upstream.StatusCode >= http.StatusInternalServerError
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "unexpected eof")
}

// WrapAPIError turns a failed go-github call into an UpstreamError that
// keeps the upstream status and body for diagnostics. nil err passes
// through untouched.
func WrapAPIError(operation string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}

	upstream := &apperrors.UpstreamError{Operation: operation, Body: err.Error()}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		if ghErr.Response != nil {
			upstream.StatusCode = ghErr.Response.StatusCode
		}
		upstream.Body = ghErr.Message
		if len(ghErr.Errors) > 0 {
			upstream.Body = fmt.Sprintf("%s: %v", ghErr.Message, ghErr.Errors)
		}
	} else if resp != nil {
		upstream.StatusCode = resp.StatusCode
	}

	return upstream
}
