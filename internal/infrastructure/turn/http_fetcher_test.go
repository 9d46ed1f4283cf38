package turn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"urls":["turn:turn.example.com:3478"],"username":"1700000000","credential":"c2VjcmV0","ttl":86400}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, func(context.Context) (string, error) { return "tok", nil }, time.Second)
	creds, err := f.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.True(t, creds.Success)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, creds.URLs)
	assert.Equal(t, "1700000000", creds.Username)
	assert.Equal(t, int64(86400), creds.TTL)
}

func TestHTTPFetcher_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"success":`))
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPFetcher(srv.URL, nil, 50*time.Millisecond).Fetch(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestHTTPFetcher_TokenError(t *testing.T) {
	f := NewHTTPFetcher("http://127.0.0.1:1", func(context.Context) (string, error) {
		return "", errors.New("no session")
	}, time.Second)

	_, err := f.Fetch(context.Background())
	assert.ErrorContains(t, err, "no session")
}

func TestHTTPFetcher_UnconfiguredRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	creds, err := NewHTTPFetcher(srv.URL, nil, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, creds.Success)
}
