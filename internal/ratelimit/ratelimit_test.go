package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(time.Minute, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("expected hit %d to be allowed", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("expected 4th hit to be rejected")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(10*time.Millisecond, 1)
	if !l.Allow("k") {
		t.Fatal("first hit should be allowed")
	}
	if l.Allow("k") {
		t.Fatal("second hit within window should be rejected")
	}
	time.Sleep(20 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("expected hit after window reset to be allowed")
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	l := New(time.Minute, 1)
	handlerCalls := 0
	h := l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { handlerCalls++ }))

	req := httptest.NewRequest(http.MethodPost, "/bots", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", rec2.Code)
	}
	if handlerCalls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", handlerCalls)
	}
}
