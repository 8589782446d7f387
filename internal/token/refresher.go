package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/David-2911/auto-grader-sub005/internal/protocol"
)

// HTTPRefresher calls the auth refresh endpoint directly. It deliberately
// bypasses the request pipeline: the refresh call must never consult the
// cache, queue offline, or trigger another refresh.
type HTTPRefresher struct {
	URL    string
	Client *http.Client
}

func NewHTTPRefresher(url string, client *http.Client) *HTTPRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRefresher{URL: url, Client: client}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, protocol.NewFailure(protocol.CodeAuthExpired, "refresh rejected by server")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh endpoint returned %d", resp.StatusCode)
	}

	var api protocol.APIResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if !api.Success {
		return nil, protocol.NewFailure(protocol.CodeAuthExpired, api.Message)
	}

	var cred Credential
	if err := json.Unmarshal(api.Data, &cred); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing access token")
	}
	return &cred, nil
}
