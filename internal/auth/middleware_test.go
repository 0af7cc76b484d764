package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGuardDisabledPassesThrough(t *testing.T) {
	g := NewGuard(Config{Tokens: []Token{{Name: "blank", Value: "  "}}})
	if g.Enabled() {
		t.Fatalf("blank tokens must not enable the guard")
	}
	rec := httptest.NewRecorder()
	g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func TestGuardEnforcesPermissions(t *testing.T) {
	g := NewGuard(Config{Tokens: []Token{
		{Name: "reader", Value: "read-token", Permissions: []string{PermissionRunsRead}},
		{Name: "admin", Value: "admin-token", Permissions: []string{"*"}},
	}})

	var seen string
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context()).Name
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		method, header string
		want           int
		subject        string
	}{
		{http.MethodGet, "", http.StatusUnauthorized, ""},
		{http.MethodGet, "Basic abc", http.StatusUnauthorized, ""},
		{http.MethodGet, "Bearer wrong", http.StatusUnauthorized, ""},
		{http.MethodGet, "Bearer read-token", http.StatusOK, "reader"},
		{http.MethodPost, "Bearer read-token", http.StatusForbidden, ""},
		{http.MethodPost, "Bearer admin-token", http.StatusOK, "admin"},
	}
	for _, tc := range cases {
		seen = ""
		req := httptest.NewRequest(tc.method, "/api/v1/runs", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want || seen != tc.subject {
			t.Fatalf("%s %q: got %d subject %q, want %d %q", tc.method, tc.header, rec.Code, seen, tc.want, tc.subject)
		}
	}
}

func TestSubjectScopedWildcards(t *testing.T) {
	s := NewSubject("ops", " RUNS:* ", "")
	if !s.HasPermission(PermissionRunsSubmit) || !s.HasPermission("runs:read") {
		t.Fatalf("runs:* should grant every runs permission, have %v", s.Permissions())
	}
	if s.HasPermission("wallets:create") {
		t.Fatalf("scope must not leak to other resources")
	}
	if err := s.Authorize(PermissionRunsRead, "wallets:create"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	var none *Subject
	if err := none.Authorize(PermissionRunsRead); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("nil subject should be invalid, got %v", err)
	}
	if got := s.Permissions(); len(got) != 1 || got[0] != "runs:*" {
		t.Fatalf("unexpected permissions %v", got)
	}
}

func TestSubjectName(t *testing.T) {
	ctx := context.Background()
	if SubjectName(ctx) != Anonymous {
		t.Fatalf("expected anonymous")
	}
	if WithSubject(ctx, nil) != ctx {
		t.Fatalf("nil subject should not wrap the context")
	}
	if got := SubjectName(WithSubject(ctx, NewSubject("ci"))); got != "ci" {
		t.Fatalf("unexpected name %q", got)
	}
}
