package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
)

func TestRESTConnectionResolver(t *testing.T) {
	t.Run("parses connections and sends bearer token", func(t *testing.T) {
		var gotPath, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			w.Write([]byte(`{"connections":[
				{"id":"conn-1","provider_key":"mail"},
				{"id":"conn-2","provider_key":"crm-eu"}
			]}`))
		}))
		defer srv.Close()
		t.Setenv("CONN_TOKEN", "secret")

		r := NewRESTConnectionResolver(config.ConnectionsConfig{
			BaseURL:  srv.URL,
			TokenEnv: "CONN_TOKEN",
		})
		conns, err := r.ActiveConnections(context.Background(), "u1")
		require.NoError(t, err)

		assert.Equal(t, "/users/u1/connections", gotPath)
		assert.Equal(t, "Bearer secret", gotAuth)
		require.Len(t, conns, 2)
		assert.Equal(t, Connection{ID: "conn-1", ProviderKey: "mail"}, conns[0])
		assert.Equal(t, Connection{ID: "conn-2", ProviderKey: "crm-eu"}, conns[1])
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		r := NewRESTConnectionResolver(config.ConnectionsConfig{BaseURL: srv.URL})
		_, err := r.ActiveConnections(context.Background(), "u1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})
}
