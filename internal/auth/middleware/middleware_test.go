package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-quiz/internal/rbac"
)

func login(t *testing.T, h http.Handler, body string) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body)))
	var out map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr.Code, out["access_token"]
}

func TestLoginHandler(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAuthService("test-secret")
	h := LoginHandler(a, LoginPolicy{LocalAuth: true, AdminUser: "root", AdminPassHash: string(hash)})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"student dev login", `{"username":"amy","password":"amy","role":"student"}`, http.StatusOK},
		{"instructor dev login", `{"username":"bo","password":"bo","role":"instructor"}`, http.StatusOK},
		{"wrong dev password", `{"username":"amy","password":"nope","role":"student"}`, http.StatusUnauthorized},
		{"admin bcrypt", `{"username":"root","password":"s3cret","role":"admin"}`, http.StatusOK},
		{"admin wrong password", `{"username":"root","password":"root","role":"admin"}`, http.StatusUnauthorized},
		{"unknown role", `{"username":"x","password":"x","role":"guest"}`, http.StatusUnauthorized},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, tok := login(t, h, tc.body)
			if code != tc.want {
				t.Fatalf("status %d, want %d", code, tc.want)
			}
			if code == http.StatusOK && tok == "" {
				t.Fatal("missing token")
			}
		})
	}

	noLocal := LoginHandler(a, LoginPolicy{})
	if code, _ := login(t, noLocal, `{"username":"amy","password":"amy","role":"student"}`); code != http.StatusUnauthorized {
		t.Fatalf("dev login should be disabled, got %d", code)
	}
}

func TestJWTMiddlewareSetsIdentity(t *testing.T) {
	a := NewAuthService("test-secret")
	var sub, role string
	h := JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, role = SubjectFromContext(r.Context()), rbac.RoleFromContext(r.Context())
	}))

	tok, err := a.IssueJWT("amy", rbac.RoleStudent)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || sub != "amy" || role != rbac.RoleStudent {
		t.Fatalf("status %d sub %q role %q", rr.Code, sub, role)
	}
}

func TestJWTMiddlewareRejects(t *testing.T) {
	a := NewAuthService("test-secret")
	other := NewAuthService("other-secret")
	expired := NewAuthService("test-secret")
	expired.now = func() time.Time { return time.Now().Add(-9 * time.Hour) }

	good := func(s *AuthService, role string) string {
		tok, err := s.IssueJWT("amy", role)
		if err != nil {
			t.Fatal(err)
		}
		return "Bearer " + tok
	}
	h := JWTMiddleware(a)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	for name, header := range map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"wrong secret": good(other, rbac.RoleStudent),
		"expired":      good(expired, rbac.RoleStudent),
		"unknown role": good(a, "guest"),
		"garbage":      "Bearer abc.def.ghi",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: status %d", name, rr.Code)
		}
	}
}
