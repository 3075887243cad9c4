package wienernetze

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"metersync/logger"
)

// oauthClientID is the public client the utility's identity provider
// issues smart meter portal tokens for.
const oauthClientID = "wn-smartmeter"

// PasswordAuthenticator logs in against the identity provider's OAuth2
// password grant endpoint.
type PasswordAuthenticator struct {
	tokenURL string
	username string
	password string
	http     *http.Client
	log      *logger.Log
}

func NewPasswordAuthenticator(tokenURL, username, password string, timeout time.Duration) *PasswordAuthenticator {
	return &PasswordAuthenticator{
		tokenURL: tokenURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
		log:      logger.GetLogger(),
	}
}

func (a *PasswordAuthenticator) Login(ctx context.Context) (*Session, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {oauthClientID},
		"username":   {a.username},
		"password":   {a.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("token endpoint rejected credentials: %w", ErrAuthentication)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access token: %w", ErrAuthentication)
	}

	a.log.WithComponent("authenticator").Info("login succeeded")
	return &Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}, nil
}
