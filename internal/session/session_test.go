package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sushiamo/desktop-bridge/internal/supabase"
)

// makeJWT builds an unsigned-but-well-formed token carrying sub and exp.
func makeJWT(t *testing.T, sub string, exp int64) string {
	t.Helper()
	enc := func(v interface{}) string {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	claims := enc(map[string]interface{}{"sub": sub, "exp": exp})
	return header + "." + claims + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

type backendCalls struct {
	user    int
	refresh int
}

func newBackend(t *testing.T, calls *backendCalls, acceptToken string, refreshOK bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/user":
			calls.user++
			if r.Header.Get("Authorization") != "Bearer "+acceptToken {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"msg":"invalid JWT"}`))
				return
			}
			w.Write([]byte(`{"id":"u1","email":"owner@sushiamo.it"}`))
		case "/auth/v1/token":
			calls.refresh++
			if !refreshOK {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"msg":"refresh_token revoked"}`))
				return
			}
			fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"fresh-refresh","expires_at":%d,"user":{"id":"u1","email":"owner@sushiamo.it"}}`,
				acceptToken, time.Now().Add(time.Hour).Unix())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestSnapshotSame(t *testing.T) {
	exp := int64(100)
	exp2 := int64(100)
	a := Snapshot{AccessToken: "a", RefreshToken: "r", ExpiresAt: &exp}
	b := Snapshot{AccessToken: "a", RefreshToken: "r", ExpiresAt: &exp2}
	if !a.Same(b) || !b.Same(a) || !a.Same(a) {
		t.Fatal("equal snapshots must compare equal")
	}
	c := b
	other := int64(200)
	c.ExpiresAt = &other
	if a.Same(c) {
		t.Fatal("different expiry must not compare equal")
	}
	if a.Same(Snapshot{AccessToken: "a", RefreshToken: "r"}) {
		t.Fatal("nil vs set expiry must not compare equal")
	}
}

func TestEnsureSignedInAbsent(t *testing.T) {
	m := NewManager(supabase.New("http://unused", "k"), nil)
	_, _, err := m.EnsureSignedIn(context.Background(), Snapshot{})
	if !errors.Is(err, ErrSessionAbsent) {
		t.Fatalf("err = %v, want ErrSessionAbsent", err)
	}
}

func TestEnsureSignedInAdoptsLiveToken(t *testing.T) {
	token := makeJWT(t, "u1", time.Now().Add(time.Hour).Unix())
	var calls backendCalls
	srv := newBackend(t, &calls, token, true)
	defer srv.Close()

	persisted := false
	m := NewManager(supabase.New(srv.URL, "k"), func(Snapshot) { persisted = true })

	user, refreshed, err := m.EnsureSignedIn(context.Background(),
		Snapshot{AccessToken: token, RefreshToken: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "u1" {
		t.Fatalf("user = %+v", user)
	}
	if refreshed != nil {
		t.Fatal("no refresh should have happened")
	}
	if calls.refresh != 0 {
		t.Fatalf("refresh calls = %d, want 0", calls.refresh)
	}
	if persisted {
		t.Fatal("persist must not fire on the fast path")
	}
}

func TestEnsureSignedInRefreshesExpiredToken(t *testing.T) {
	stale := makeJWT(t, "u1", time.Now().Add(-time.Hour).Unix())
	fresh := makeJWT(t, "u1", time.Now().Add(time.Hour).Unix())
	var calls backendCalls
	srv := newBackend(t, &calls, fresh, true)
	defer srv.Close()

	var persisted *Snapshot
	client := supabase.New(srv.URL, "k")
	m := NewManager(client, func(s Snapshot) { persisted = &s })

	user, refreshed, err := m.EnsureSignedIn(context.Background(),
		Snapshot{AccessToken: stale, RefreshToken: "old-refresh"})
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "u1" {
		t.Fatalf("user = %+v", user)
	}
	if refreshed == nil || refreshed.AccessToken != fresh || refreshed.RefreshToken != "fresh-refresh" {
		t.Fatalf("refreshed = %+v", refreshed)
	}
	if persisted == nil || !persisted.Same(*refreshed) {
		t.Fatalf("persist callback saw %+v", persisted)
	}
	// Expired token must not even be offered to the backend.
	if calls.user != 0 {
		t.Fatalf("user calls before refresh = %d, want 0", calls.user)
	}
	if client.AccessToken() != fresh {
		t.Fatal("client must carry the refreshed token")
	}
}

func TestEnsureSignedInRejectedRefresh(t *testing.T) {
	stale := makeJWT(t, "u1", time.Now().Add(-time.Hour).Unix())
	var calls backendCalls
	srv := newBackend(t, &calls, "never", false)
	defer srv.Close()

	client := supabase.New(srv.URL, "k")
	m := NewManager(client, nil)
	_, _, err := m.EnsureSignedIn(context.Background(),
		Snapshot{AccessToken: stale, RefreshToken: "revoked"})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
	if client.AccessToken() != "" {
		t.Fatal("tokens must be cleared after a failed restore")
	}
}

func TestEnsureSignedInFallsBackWhenBackendRejectsLiveToken(t *testing.T) {
	// Token looks live locally but the backend refuses it: the manager
	// must still try the refresh path.
	local := makeJWT(t, "u1", time.Now().Add(time.Hour).Unix())
	fresh := makeJWT(t, "u1", time.Now().Add(2*time.Hour).Unix())
	var calls backendCalls
	srv := newBackend(t, &calls, fresh, true)
	defer srv.Close()

	m := NewManager(supabase.New(srv.URL, "k"), nil)
	user, refreshed, err := m.EnsureSignedIn(context.Background(),
		Snapshot{AccessToken: local, RefreshToken: "old"})
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || refreshed == nil {
		t.Fatalf("user = %v, refreshed = %v", user, refreshed)
	}
	if calls.user == 0 || calls.refresh != 1 {
		t.Fatalf("calls = %+v", calls)
	}
}

func scopeBackend(t *testing.T, ownedRows, roleRows, restaurantRows string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/v1/restaurants":
			if q := r.URL.Query(); q.Get("owner_id") != "" {
				w.Write([]byte(ownedRows))
			} else {
				w.Write([]byte(restaurantRows))
			}
		case "/rest/v1/user_roles":
			w.Write([]byte(roleRows))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestResolveRestaurantOwned(t *testing.T) {
	srv := scopeBackend(t,
		`[{"id":"rest-1","name":"Sushiamo Centro","city":"Milano","owner_id":"u1","settings":{"printing":{}}}]`,
		`[]`, `[]`)
	defer srv.Close()

	m := NewManager(supabase.New(srv.URL, "k"), nil)
	scope, settings, err := m.ResolveRestaurant(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if scope == nil || scope.ID != "rest-1" || scope.Role != "owner" || scope.City != "Milano" {
		t.Fatalf("scope = %+v", scope)
	}
	if settings["printing"] == nil {
		t.Fatal("settings must come from the owned restaurant")
	}
}

func TestResolveRestaurantByRoleRanking(t *testing.T) {
	// An older staff membership loses to a newer manager membership.
	srv := scopeBackend(t, `[]`,
		`[{"user_id":"u1","restaurant_id":"rest-staff","role":"staff","created_at":"2025-01-01T00:00:00Z"},
		  {"user_id":"u1","restaurant_id":"rest-mgr","role":"manager","created_at":"2026-01-01T00:00:00Z"}]`,
		`[{"id":"rest-mgr","name":"Sushiamo Navigli","city":"Milano","owner_id":"other","settings":{}}]`)
	defer srv.Close()

	m := NewManager(supabase.New(srv.URL, "k"), nil)
	scope, _, err := m.ResolveRestaurant(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if scope == nil || scope.ID != "rest-mgr" || scope.Role != "manager" {
		t.Fatalf("scope = %+v", scope)
	}
}

func TestResolveRestaurantNone(t *testing.T) {
	srv := scopeBackend(t, `[]`, `[]`, `[]`)
	defer srv.Close()

	m := NewManager(supabase.New(srv.URL, "k"), nil)
	scope, _, err := m.ResolveRestaurant(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if scope != nil {
		t.Fatalf("scope = %+v, want nil", scope)
	}
}
