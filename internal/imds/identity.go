// Package imds resolves the identity of the local compute instance
// from the instance metadata service. Lookup is best-effort: on any
// failure it degrades to the local hostname and empty identifiers
// rather than returning an error.
package imds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the link-local metadata service address.
	DefaultBaseURL = "http://169.254.169.254"

	computeAPIVersion = "2021-02-01"

	defaultLookupTimeout = 2 * time.Second
)

// Identity describes the instance a preempt record is written for.
type Identity struct {
	Name           string
	SubscriptionID string
	ResourceGroup  string
}

type Resolver struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func NewResolver(baseURL string, timeout time.Duration) *Resolver {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Lookup fetches the instance name, subscription id, and resource
// group. Any failure falls back to the local hostname with empty
// identifiers.
func (r *Resolver) Lookup(ctx context.Context) Identity {
	name, err := r.computeText(ctx, "name")
	if err != nil {
		return fallbackIdentity()
	}
	subscriptionID, err := r.computeText(ctx, "subscriptionId")
	if err != nil {
		return fallbackIdentity()
	}
	resourceGroup, err := r.computeText(ctx, "resourceGroupName")
	if err != nil {
		return fallbackIdentity()
	}
	return Identity{
		Name:           name,
		SubscriptionID: subscriptionID,
		ResourceGroup:  resourceGroup,
	}
}

func (r *Resolver) computeText(ctx context.Context, field string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("api-version", computeAPIVersion)
	query.Set("format", "text")
	u := r.baseURL + "/metadata/instance/compute/" + field + "?" + query.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata", "true")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("metadata %s: http %d", field, resp.StatusCode)
	}
	return strings.TrimSpace(string(payload)), nil
}

func fallbackIdentity() Identity {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	return Identity{Name: hostname}
}
