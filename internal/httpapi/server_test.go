package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/cmastudios/mcmdd/internal/config"
	"github.com/cmastudios/mcmdd/internal/registry"
	"github.com/cmastudios/mcmdd/internal/session"
)

func newTestEngine(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	raw := "servers = alpha\nadmin_user = ops\nadmin_pass = hunter2\n"
	cfg, err := config.Load(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	sess := session.New("alpha", ".", []string{"true"}, 0, zap.NewNop())
	reg := registry.New([]*session.Session{sess})
	s := New(cfg, reg, zap.NewNop())
	return s, s.engine()
}

func TestHTTPAPIRejectsUnauthenticated(t *testing.T) {
	_, engine := newTestEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHTTPAPILoginThenListServers(t *testing.T) {
	_, engine := newTestEngine(t)

	loginBody := `{"username":"ops","password":"hunter2"}`
	loginReq := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(loginBody))
	loginReq.Header.Set("Content-Type", "application/json")
	loginRec := httptest.NewRecorder()
	engine.ServeHTTP(loginRec, loginReq)

	if loginRec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", loginRec.Code)
	}
	cookies := loginRec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login did not set a session cookie")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	for _, c := range cookies {
		listReq.AddCookie(c)
	}
	listRec := httptest.NewRecorder()
	engine.ServeHTTP(listRec, listReq)

	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", listRec.Code)
	}
	var got []childSummary
	if err := json.Unmarshal(listRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != "alpha" {
		t.Fatalf("servers = %+v, want one entry for alpha", got)
	}
}

func TestHTTPAPIUnknownIDReturns404(t *testing.T) {
	_, engine := newTestEngine(t)

	loginBody := `{"username":"ops","password":"hunter2"}`
	loginReq := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(loginBody))
	loginReq.Header.Set("Content-Type", "application/json")
	loginRec := httptest.NewRecorder()
	engine.ServeHTTP(loginRec, loginReq)
	cookies := loginRec.Result().Cookies()

	req := httptest.NewRequest(http.MethodGet, "/api/servers/nope", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
