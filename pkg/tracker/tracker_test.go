package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_GetSeriesMbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/series/42/mbox/", r.URL.Path)
		w.Write([]byte("From foo Mon Sep 17 00:00:00 2001\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "linux-foo")
	mbox, err := c.GetSeriesMbox(context.Background(), "42")
	require.NoError(t, err)
	assert.Contains(t, mbox, "From foo")
}

func TestHTTPClient_GetSeriesMbox_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "linux-foo")
	_, err := c.GetSeriesMbox(context.Background(), "42")
	assert.Error(t, err)
}

func TestUnconfigured_AlwaysFails(t *testing.T) {
	var c Client = Unconfigured{}
	_, err := c.GetSeriesMbox(context.Background(), "42")
	assert.Error(t, err)
}
