package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relayforge/codeassist-gateway/internal/credential"
)

// OAuthClient implements credential.Refresher against Google's OAuth2 token
// endpoint, exchanging a credential's stored refresh_token for a fresh
// access_token.
type OAuthClient struct {
	HTTPClient   *http.Client
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// NewOAuthClient builds an OAuthClient with a bounded per-refresh timeout.
func NewOAuthClient(tokenURL, clientID, clientSecret string, timeout time.Duration) *OAuthClient {
	return &OAuthClient{
		HTTPClient:   &http.Client{Timeout: timeout},
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Refresh exchanges cred.RefreshSecret for a new access token.
func (c *OAuthClient) Refresh(ctx context.Context, cred credential.Credential) (credential.RefreshResult, error) {
	form := url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
		"refresh_token": {cred.RefreshSecret},
		"grant_type":    {"refresh_token"},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return credential.RefreshResult{}, fmt.Errorf("oauth: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return credential.RefreshResult{}, fmt.Errorf("oauth: dispatch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return credential.RefreshResult{}, fmt.Errorf("oauth: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return credential.RefreshResult{}, &credential.RefreshError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("oauth: token endpoint returned %d: %s", resp.StatusCode, string(body)),
		}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return credential.RefreshResult{}, fmt.Errorf("oauth: unmarshal response: %w", err)
	}
	if tok.AccessToken == "" {
		return credential.RefreshResult{}, &credential.RefreshError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("oauth: empty access_token in response"),
		}
	}

	expiry := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	return credential.RefreshResult{
		AccessSecret:        tok.AccessToken,
		AccessExpiryEpochMS: expiry,
		ProjectID:           cred.ProjectID,
	}, nil
}
