package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clausechat/clausechat/internal/ingest"
	"github.com/clausechat/clausechat/internal/store"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("upload: %w", ingest.ErrUnsupportedMedia), http.StatusUnsupportedMediaType},
		{fmt.Errorf("upload: %w", ingest.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("upload: %w", ingest.ErrEmptyFile), http.StatusBadRequest},
		{fmt.Errorf("upload: %w", ingest.ErrFileValidation), http.StatusUnprocessableEntity},
		{fmt.Errorf("lookup: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrHoldHeld, http.StatusConflict},
		{store.ErrJobConflict, http.StatusConflict},
		{ErrRateLimited, http.StatusTooManyRequests},
		{echo.NewHTTPError(http.StatusTeapot, "custom"), http.StatusTeapot},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := httpStatus(tc.err); got != tc.want {
			t.Fatalf("httpStatus(%v) = %d, expected %d", tc.err, got, tc.want)
		}
	}
}

func TestAuthMiddlewareRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignJWT("user-42", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	handler := withAuth(secret)(func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get("user_id").(string))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Body.String() != "user-42" {
		t.Fatalf("expected subject user-42, got %q", rec.Body.String())
	}

	// Cookie flow.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: token})
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("cookie handler: %v", err)
	}
	if rec.Body.String() != "user-42" {
		t.Fatalf("expected subject via cookie, got %q", rec.Body.String())
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()
	handler := withAuth(secret)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := handler(e.NewContext(req, httptest.NewRecorder()))
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %v", err)
	}

	// Token signed with a different secret.
	forged, err := SignJWT("user-42", []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	err = handler(e.NewContext(req, httptest.NewRecorder()))
	if !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %v", err)
	}

	// Expired token.
	expired, err := SignJWT("user-42", secret, -time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	err = handler(e.NewContext(req, httptest.NewRecorder()))
	if !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %v", err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	// Nil client and zero limit both disable limiting rather than
	// blocking chat.
	if err := NewRateLimiter(nil, 10, time.Minute).Allow(context.Background(), "u1", "chat"); err != nil {
		t.Fatalf("nil client must fail open: %v", err)
	}
	if err := NewRateLimiter(nil, 0, time.Minute).Allow(context.Background(), "u1", "chat"); err != nil {
		t.Fatalf("zero limit must disable limiting: %v", err)
	}
}
