package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/auth"
	"github.com/odoo/sfu/internal/registry"
)

func testAPI(t *testing.T) (*API, []byte) {
	t.Helper()
	key := []byte("test-secret")
	a := New(Options{
		Registry:  registry.New(),
		GlobalKey: key,
		Capacity:  10,
		Log:       zap.NewNop(),
	})
	return a, key
}

func TestNoop(t *testing.T) {
	a, _ := testAPI(t)
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/noop", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != `{"result":"ok"}`+"\n" {
		t.Fatalf("body = %q", got)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	a, _ := testAPI(t)
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestWrongMethodIs405(t *testing.T) {
	a, _ := testAPI(t)
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/noop", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("Allow header = %q", rr.Header().Get("Allow"))
	}
}

func TestStatsEmpty(t *testing.T) {
	a, _ := testAPI(t)
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != "[]\n" {
		t.Fatalf("body = %q, want empty array", got)
	}
}

func TestChannelMissingAuthIs401(t *testing.T) {
	a, _ := testAPI(t)
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/channel", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestChannelMissingIssIs403(t *testing.T) {
	a, key := testAPI(t)
	tok, err := auth.Sign(auth.Claims{}, key, auth.HS256)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/channel", nil)
	req.Header.Set("Authorization", "jwt "+tok)
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestChannelCreateIsIdempotentByIssuer(t *testing.T) {
	a, key := testAPI(t)
	tok, err := auth.Sign(auth.Claims{Iss: "client-a"}, key, auth.HS256)
	if err != nil {
		t.Fatal(err)
	}

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/v1/channel?webRTC=false", nil)
		req.Header.Set("Authorization", "jwt "+tok)
		req.RemoteAddr = "203.0.113.5:54321"
		return req
	}

	rr1 := httptest.NewRecorder()
	a.ServeHTTP(rr1, newReq())
	if rr1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200: %s", rr1.Code, rr1.Body.String())
	}

	rr2 := httptest.NewRecorder()
	a.ServeHTTP(rr2, newReq())
	if rr2.Code != http.StatusOK {
		t.Fatalf("second request status = %d, want 200", rr2.Code)
	}
	if rr1.Body.String() != rr2.Body.String() {
		t.Fatalf("expected idempotent channel creation, got %q then %q", rr1.Body.String(), rr2.Body.String())
	}
}

func TestDisconnectBadBodyIs422(t *testing.T) {
	a, _ := testAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/disconnect", strings.NewReader("not a jwt"))
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
}
