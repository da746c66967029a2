package volume

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func volumeAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestURL(t *testing.T) {
	assert.Equal(t, "http://vol:3001/5d/41/aGVsbG8=", URL("vol:3001", []byte("hello")))
	assert.Equal(t, "http://vol:3001/sv0A/5d/41/aGVsbG8=", URL("vol:3001/sv0A", []byte("hello")))
}

func TestClientDelete(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"no content", http.StatusNoContent, false},
		{"already gone", http.StatusNotFound, false},
		{"ok is unexpected", http.StatusOK, true},
		{"server error", http.StatusInternalServerError, true},
		{"forbidden", http.StatusForbidden, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotMethod, gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(time.Second, zerolog.Nop())
			err := c.Delete(context.Background(), volumeAddr(srv), []byte("hello"))

			assert.Equal(t, http.MethodDelete, gotMethod)
			assert.Equal(t, "/5d/41/aGVsbG8=", gotPath)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsStatus(err, tt.status))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientDelete_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(50*time.Millisecond, zerolog.Nop())
	err := c.Delete(context.Background(), volumeAddr(srv), []byte("slow"))
	assert.Error(t, err)
}

func TestClientDelete_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := volumeAddr(srv)
	srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	assert.Error(t, c.Delete(context.Background(), addr, []byte("k")))
}

func TestClientPut(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	require.NoError(t, c.Put(context.Background(), volumeAddr(srv), []byte("k"), []byte("payload")))
	assert.Equal(t, "payload", body)
}

func TestClientPut_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	err := c.Put(context.Background(), volumeAddr(srv), []byte("k"), []byte("x"))
	assert.True(t, IsStatus(err, http.StatusInsufficientStorage))
}

func TestClientList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/5d/":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `[{"name":"41","type":"directory","mtime":"Mon, 01 Jan 2024 00:00:00 GMT"},
				{"name":"aGVsbG8=","type":"file","mtime":"Mon, 01 Jan 2024 00:00:00 GMT"}]`)
		case "/bad/":
			_, _ = io.WriteString(w, "<html>")
		case "/boom/":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())

	entries, err := c.List(context.Background(), srv.URL+"/5d/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsDir())
	assert.Equal(t, "41", entries[0].Name)
	assert.False(t, entries[1].IsDir())

	entries, err = c.List(context.Background(), srv.URL+"/missing/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = c.List(context.Background(), srv.URL+"/bad/")
	assert.Error(t, err)

	_, err = c.List(context.Background(), srv.URL+"/boom/")
	assert.True(t, IsStatus(err, http.StatusBadGateway))
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient(0, zerolog.Nop())
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
}
