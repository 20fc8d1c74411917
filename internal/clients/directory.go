// Package clients holds HTTP clients for the campus services the lending core depends on.
package clients

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"campuslib/internal/lending"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultTimeout = 5 * time.Second

// DirectoryClient resolves borrowers against the campus account directory.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

var _ lending.BorrowerDirectory = (*DirectoryClient)(nil)

func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

type member struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// IsActive reports whether the borrower's account status is "active".
func (c *DirectoryClient) IsActive(ctx context.Context, borrowerID uuid.UUID) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/members/%s", c.baseURL, borrowerID), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, lending.ErrBorrowerNotFound
	default:
		return false, fmt.Errorf("directory lookup: unexpected status code: %d", resp.StatusCode)
	}

	var m member
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return false, fmt.Errorf("decode member: %w", err)
	}
	return strings.EqualFold(m.Status, "active"), nil
}
