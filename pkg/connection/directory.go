// Package connection resolves supplier identifiers to network addresses and
// manages the pooled HTTP client the coordinator uses to reach them.
package connection

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Directory maps 1-based supplier ids to base URLs. The table is fixed at
// startup; a supplier id outside the table is a configuration error.
type Directory struct {
	baseURLs []string
	client   *http.Client
}

// NewDirectory validates and builds the supplier address table. baseURLs is
// ordered: index 0 serves supplier id 1. expected is the minimum number of
// suppliers the deployment must be able to reach; a shorter table is a fatal
// configuration error, surfaced here so the broker can fail fast at startup.
func NewDirectory(baseURLs []string, expected int, timeout time.Duration) (*Directory, error) {
	cleaned := make([]string, 0, len(baseURLs))
	for _, u := range baseURLs {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			cleaned = append(cleaned, u)
		}
	}
	if len(cleaned) < expected {
		return nil, fmt.Errorf("supplier address table has %d entries, expected at least %d", len(cleaned), expected)
	}

	// One shared client; the transport keeps a small idle pool per supplier
	// host so sequential protocol calls reuse connections.
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	return &Directory{baseURLs: cleaned, client: client}, nil
}

// Resolve returns the base URL for a 1-based supplier id.
func (d *Directory) Resolve(supplierID int) (string, error) {
	if supplierID <= 0 || supplierID > len(d.baseURLs) {
		return "", fmt.Errorf("invalid supplier id %d for address table of %d entries", supplierID, len(d.baseURLs))
	}
	return d.baseURLs[supplierID-1], nil
}

// Client returns the shared HTTP client.
func (d *Directory) Client() *http.Client {
	return d.client
}

// Count returns the number of configured suppliers.
func (d *Directory) Count() int {
	return len(d.baseURLs)
}
