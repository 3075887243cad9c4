package wienernetze

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

	"metersync/logger"
)

// Quarter-hourly consumption role code used by the Bewegungsdaten API.
const roleQuarterHourlyConsuming = "V002"

// ErrAuthentication marks failures that require a fresh login. The
// orchestrator clears the persisted session when it sees this error.
var ErrAuthentication = errors.New("authentication failed")

// Authenticator performs the login flow against the utility's identity
// provider. The protocol itself is outside this package; implementations
// return an opaque session.
type Authenticator interface {
	Login(ctx context.Context) (*Session, error)
}

// Zaehlpunkt describes one meter point as returned by the API.
type Zaehlpunkt struct {
	Zaehlpunktnummer string `json:"zaehlpunktnummer"`
	CustomerID       string `json:"geschaeftspartner"`
	Anlagetype       string `json:"anlagetype"`
	Label            string `json:"bezeichnung"`
}

// Client calls the Wiener Netze smart meter API. The base URL is fixed
// at construction; server-provided overrides are a login-flow concern
// and never mutate an existing client.
type Client struct {
	baseURL string
	http    *http.Client
	auth    Authenticator
	store   *SessionStore
	session *Session
	log     *logger.Log
}

func NewClient(baseURL string, timeout time.Duration, auth Authenticator, store *SessionStore) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		auth:    auth,
		store:   store,
		log:     logger.GetLogger(),
	}
	if store != nil {
		if s, err := store.Load(); err != nil {
			c.log.WithComponent("wienernetze_client").WithError(err).Warn("could not load persisted session")
		} else if s != nil {
			c.session = s
		}
	}
	return c
}

// IsLoggedIn reports whether the client holds a usable session.
func (c *Client) IsLoggedIn() bool {
	return c.session.Valid()
}

// Login authenticates and persists the resulting session.
func (c *Client) Login(ctx context.Context) error {
	log := c.log.WithComponent("wienernetze_client")
	log.Info("logging in")

	session, err := c.auth.Login(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAuthentication, err)
	}
	c.session = session

	if c.store != nil {
		if err := c.store.Save(session); err != nil {
			log.WithError(err).Warn("could not persist session")
		}
	}
	log.Info("login successful")
	return nil
}

// Reset drops the in-memory session and clears the persisted one.
func (c *Client) Reset() {
	c.session = nil
	if c.store != nil {
		if err := c.store.Clear(); err != nil {
			c.log.WithComponent("wienernetze_client").WithError(err).Warn("could not clear session")
		}
	}
}

// Bewegungsdaten fetches interval consumption data for a meter point.
// The decoded payload is returned untyped; its shape varies by server
// configuration and is resolved by the normalizer.
func (c *Client) Bewegungsdaten(ctx context.Context, zaehlpunkt string, from, until time.Time) (interface{}, error) {
	query := url.Values{
		"zaehlpunktnummer": {zaehlpunkt},
		"rolle":            {roleQuarterHourlyConsuming},
		"zeitpunktVon":     {from.UTC().Format("2006-01-02T15:04:00.000Z")},
		"zeitpunktBis":     {until.UTC().Format("2006-01-02T23:59:59.999Z")},
		"aggregat":         {"NONE"},
	}

	c.log.WithComponent("wienernetze_client").WithFields(logger.Fields{
		"zaehlpunkt": zaehlpunkt,
		"from":       from,
		"until":      until,
	}).Info("fetching bewegungsdaten")

	var payload interface{}
	if err := c.get(ctx, "user/messwerte/bewegungsdaten", query, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Zaehlpunkte lists the meter points visible to the authenticated
// account.
func (c *Client) Zaehlpunkte(ctx context.Context) ([]Zaehlpunkt, error) {
	var zps []Zaehlpunkt
	if err := c.get(ctx, "zaehlpunkte", nil, &zps); err != nil {
		return nil, err
	}
	return zps, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	if !c.IsLoggedIn() {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}

	u := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.session.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned status %d", ErrAuthentication, endpoint, resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
