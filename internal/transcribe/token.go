package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenClient fetches short-lived access credentials for the streaming
// transcription service. A credential is valid for one connection; callers
// fetch a fresh one per connection attempt.
type TokenClient struct {
	HTTPClient *http.Client
	URL        string
	APIKey     string
}

type tokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewTokenClient builds a credential client against the token endpoint.
func NewTokenClient(url, apiKey string) *TokenClient {
	return &TokenClient{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		URL:        url,
		APIKey:     apiKey,
	}
}

// Credential returns a fresh short-lived access token.
func (t *TokenClient) Credential(ctx context.Context) (string, error) {
	if t.APIKey == "" {
		return "", fmt.Errorf("transcribe: API key missing")
	}

	body, _ := json.Marshal(tokenRequest{TTLSeconds: 30})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+t.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("transcribe: token endpoint status=%d body=%s", resp.StatusCode, string(b))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("transcribe: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("transcribe: empty access token")
	}
	return tr.AccessToken, nil
}
