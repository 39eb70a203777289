package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"campo-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessionServer mimics CouchDB's /_session cookie flow for one user.
func fakeSessionServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_session" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		switch r.Method {
		case http.MethodPost:
			var body struct {
				Name     string `json:"name"`
				Password string `json:"password"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Name != "alice" || body.Password != "s3cret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","reason":"Name or password is incorrect."}`))
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "AuthSession", Value: "token", Path: "/"})
			_, _ = w.Write([]byte(`{"ok":true,"name":"alice","roles":["tecnico"]}`))
		case http.MethodGet:
			if c, err := r.Cookie("AuthSession"); err == nil && c.Value == "token" {
				_, _ = w.Write([]byte(`{"ok":true,"userCtx":{"name":"alice","roles":["tecnico"]}}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"userCtx":{"name":null,"roles":[]}}`))
		case http.MethodDelete:
			http.SetCookie(w, &http.Cookie{Name: "AuthSession", Value: "", Path: "/", MaxAge: -1})
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func TestCouchSessionRepository_Flow(t *testing.T) {
	srv := fakeSessionServer(t)
	defer srv.Close()

	r, err := NewCouchSessionRepository(srv.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Validate(ctx)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = r.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	session, err := r.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", session.Name)
	assert.Equal(t, []string{"tecnico"}, session.Roles)

	validated, err := r.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", validated.Name)

	require.NoError(t, r.End(ctx))

	_, err = r.Validate(ctx)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCouchSessionRepository_Unreachable(t *testing.T) {
	srv := fakeSessionServer(t)
	url := srv.URL
	srv.Close()

	r, err := NewCouchSessionRepository(url, time.Second)
	require.NoError(t, err)

	_, err = r.Authenticate(context.Background(), "alice", "s3cret")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestCouchSessionRepository_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, err := NewCouchSessionRepository(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = r.Validate(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
