package wienernetze

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPasswordAuthenticatorLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "password" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "wn-smartmeter" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.PostForm.Get("username"); got != "user@example.com" {
			t.Errorf("username = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "tok", "refresh_token": "ref", "expires_in": 300}`))
	}))
	defer srv.Close()

	a := NewPasswordAuthenticator(srv.URL, "user@example.com", "secret", time.Second)
	session, err := a.Login(context.Background())
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.AccessToken != "tok" || session.RefreshToken != "ref" {
		t.Errorf("session = %+v", session)
	}
	if !session.Valid() {
		t.Errorf("fresh session should be valid")
	}
}

func TestPasswordAuthenticatorRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewPasswordAuthenticator(srv.URL, "user@example.com", "wrong", time.Second)
	if _, err := a.Login(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestPasswordAuthenticatorEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a := NewPasswordAuthenticator(srv.URL, "user@example.com", "secret", time.Second)
	if _, err := a.Login(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}
