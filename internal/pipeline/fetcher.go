package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
)

// ErrMessageGone means the provider no longer has the message; retrying will
// not help.
var ErrMessageGone = errors.New("message no longer available")

// FetchedMessage is a provider message with the loads parsed out of it.
type FetchedMessage struct {
	Provider   string            `json:"provider"`
	MessageID  string            `json:"message_id"`
	Payload    string            `json:"payload"`
	PayloadRef string            `json:"payload_ref,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Loads      []models.Load     `json:"loads"`
	ReceivedAt time.Time         `json:"received_at,omitempty"`
}

// Fetcher retrieves and parses the message a stub points to.
type Fetcher interface {
	Fetch(ctx context.Context, stub models.Stub) (*FetchedMessage, error)
}

// HTTPFetcher calls an external fetch/parse service at {baseURL}/{stub id}.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client gets a 30s timeout.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Fetch requests the stub's message. The tenant, address and history id are
// passed as query parameters.
func (f *HTTPFetcher) Fetch(ctx context.Context, stub models.Stub) (*FetchedMessage, error) {
	q := url.Values{}
	q.Set("tenant_id", stub.TenantID)
	q.Set("address", stub.Address)
	q.Set("history_id", stub.HistoryID)
	u := f.baseURL + "/" + url.PathEscape(stub.ID) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: stub %s", ErrMessageGone, stub.ID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var msg FetchedMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode fetched message: %w", err)
	}
	if msg.Provider == "" || msg.MessageID == "" {
		return nil, fmt.Errorf("fetched message for stub %s is missing provider or message id", stub.ID)
	}
	return &msg, nil
}
