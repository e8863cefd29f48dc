package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamhubapp/teamhub-go/config"
	"github.com/teamhubapp/teamhub-go/gateway"
	"github.com/teamhubapp/teamhub-go/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(&config.Config{Gateway: config.GatewayConfig{
		BaseURL: srv.URL,
		AnonKey: "anon-key",
	}})
	require.NoError(t, err)
	return c
}

func TestQueryParams(t *testing.T) {
	tests := []struct {
		name   string
		filter gateway.Filter
		opts   gateway.SelectOptions
		want   map[string]string
	}{
		{
			name:   "eq",
			filter: gateway.Filter{"user_id": gateway.Eq("u1")},
			want:   map[string]string{"user_id": "eq.u1"},
		},
		{
			name:   "in",
			filter: gateway.Filter{"id": gateway.In([]string{"m1", "m2"})},
			want:   map[string]string{"id": "in.(m1,m2)"},
		},
		{
			name:   "match",
			filter: gateway.Filter{"content": gateway.Match("hello")},
			want:   map[string]string{"content": "ilike.*hello*"},
		},
		{
			name: "order and limit",
			opts: gateway.SelectOptions{OrderColumn: "created_at", Descending: true, Limit: 5},
			want: map[string]string{"order": "created_at.desc", "limit": "5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := queryParams(tt.filter, tt.opts)
			require.NoError(t, err)
			require.Len(t, params, len(tt.want))
			for k, v := range tt.want {
				assert.Equal(t, v, params.Get(k))
			}
		})
	}

	_, err := queryParams(gateway.Filter{"id": {Op: "between", Value: 1}}, gateway.SelectOptions{})
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/messages", r.URL.Path)
		assert.Equal(t, "eq.c1", r.URL.Query().Get("chat_id"))
		assert.Equal(t, "created_at.asc", r.URL.Query().Get("order"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		fmt.Fprint(w, `[{"id":"m1","chat_id":"c1","content":"hello"}]`)
	}))

	var msgs []*models.Message
	err := c.Select(context.Background(), models.RelationMessages,
		gateway.Filter{"chat_id": gateway.Eq("c1")},
		&msgs, gateway.OrderBy("created_at", false))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestSelectOneNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `[]`)
	}))

	var identity models.Identity
	err := c.SelectOne(context.Background(), models.RelationProfiles,
		gateway.Filter{"username": gateway.Eq("ghost")}, &identity)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInsertRepresentation(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		fmt.Fprint(w, `[{"id":"c1","is_group":true}]`)
	}))

	var created models.Chat
	err := c.Insert(context.Background(), models.RelationChats,
		&models.Chat{Name: "weekend plans", IsGroup: true}, &created)
	require.NoError(t, err)
	assert.Equal(t, "c1", created.ID)
	assert.True(t, created.IsGroup)
}

func TestInsertWithoutRepresentation(t *testing.T) {
	var prefer string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefer = r.Header.Get("Prefer")
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.Insert(context.Background(), models.RelationChats, &models.Chat{ID: "c1"}, nil)
	require.NoError(t, err)
	assert.Empty(t, prefer)
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestSignIn(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})

	var authed string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth/v1/token":
			assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
			fmt.Fprintf(w, `{"access_token":%q,"expires_in":10,"user":{"id":"body-id","email":"a@b.co"}}`, token)
		default:
			authed = r.Header.Get("Authorization")
			fmt.Fprint(w, `[]`)
		}
	}))

	var changes []*gateway.Credential
	c.OnChange(func(cred *gateway.Credential) { changes = append(changes, cred) })

	cred, err := c.SignIn(context.Background(), "a@b.co", "secret1")
	require.NoError(t, err)
	require.Equal(t, token, cred.AccessToken)

	// The token claims win over the response body.
	assert.Equal(t, "user-1", cred.UserID)
	assert.Equal(t, exp.Unix(), cred.ExpiresAt.Unix())
	require.Len(t, changes, 1)

	session, err := c.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cred, session)

	// Subsequent requests carry the bearer token.
	var rows []map[string]any
	require.NoError(t, c.Select(context.Background(), models.RelationProfiles, gateway.Filter{}, &rows))
	assert.Equal(t, "Bearer "+token, authed)
}

func TestSignInRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))

	_, err := c.SignIn(context.Background(), "a@b.co", "wrong")
	assert.ErrorIs(t, err, models.ErrAuthFailed)

	session, err := c.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSignOutClearsCredential(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1/token" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token":%q,"expires_in":3600,"user":{"id":"user-1"}}`, token)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	cred, err := c.SignIn(context.Background(), "a@b.co", "secret1")
	require.NoError(t, err)
	require.Equal(t, token, cred.AccessToken)

	var changes []*gateway.Credential
	c.OnChange(func(cred *gateway.Credential) { changes = append(changes, cred) })

	require.NoError(t, c.SignOut(context.Background()))
	session, err := c.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
	require.Len(t, changes, 1)
	assert.Nil(t, changes[0])
}

func TestExpiredSessionNotResumed(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Minute).Unix()})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"expires_in":0,"user":{"id":"user-1"}}`, token)
	}))

	cred, err := c.SignIn(context.Background(), "a@b.co", "secret1")
	require.NoError(t, err)
	require.Equal(t, token, cred.AccessToken)
	assert.True(t, cred.ExpiresAt.Before(time.Now()))

	session, err := c.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestDeleteCredentialNeedsServiceKey(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	err := c.DeleteCredential(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestStorageURLs(t *testing.T) {
	var path, contentType string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))

	err := c.Put(context.Background(), "files", "u1/abc.txt", []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "/storage/v1/object/files/u1/abc.txt", path)
	assert.Equal(t, "text/plain", contentType)

	assert.Equal(t, c.cfg.BaseURL+"/storage/v1/object/public/files/u1/abc.txt",
		c.PublicURL("files", "u1/abc.txt"))

	require.NoError(t, c.Remove(context.Background(), "files", "u1/abc.txt"))
	assert.Equal(t, "/storage/v1/object/files/u1/abc.txt", path)
}
