package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/events/e1":
			w.Write([]byte(`{"name":"Launch party"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	name, err := c.Name(context.Background(), "events", "e1")
	require.NoError(t, err)
	assert.Equal(t, "Launch party", name)

	_, err = c.Name(context.Background(), "events", "missing")
	assert.Error(t, err)
}

func TestNameDisabled(t *testing.T) {
	name, err := NewClient("").Name(context.Background(), "events", "e1")
	require.NoError(t, err)
	assert.Empty(t, name)
}
