package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Remote uploads account key associations to the user's account.
type Remote interface {
	Upload(ctx context.Context, d SavedDevice) error
}

type uploadRequest struct {
	ClassicAddress string `json:"classic_address"`
	ModelID        string `json:"model_id"`
	Name           string `json:"name,omitempty"`
	AccountKey     string `json:"account_key"`
}

// HTTPRemote posts associations as JSON to a Saved Devices endpoint.
type HTTPRemote struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRemote creates a remote for endpoint. A zero timeout means 10s.
func NewHTTPRemote(endpoint string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRemote{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRemote) Upload(ctx context.Context, d SavedDevice) error {
	body, err := json.Marshal(uploadRequest{
		ClassicAddress: d.ClassicAddress,
		ModelID:        d.ModelID,
		Name:           d.Name,
		AccountKey:     d.AccountKey.String(),
	})
	if err != nil {
		return fmt.Errorf("repository: encoding upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("repository: building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("repository: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("repository: upload: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

var _ Remote = (*HTTPRemote)(nil)
