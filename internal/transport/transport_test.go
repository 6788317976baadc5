package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderDecoratorInjectsHeadersWithoutMutatingOriginalRequest(t *testing.T) {
	var gotAuth, gotOriginalAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := decoratedClient(map[string]string{"Authorization": "Bearer secret"})

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "original")
	gotOriginalAuth = req.Header.Get("Authorization")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "original", gotOriginalAuth)
	require.Equal(t, "original", req.Header.Get("Authorization"))
}

func TestHeaderDecoratorPassesThroughWithNoHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := decoratedClient(nil)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Empty(t, gotAuth)
}
