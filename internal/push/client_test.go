package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyPostsPayload(t *testing.T) {
	got := make(chan NotifyRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req NotifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got <- req
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	NewClient(srv.URL+"/").Notify(context.Background(), "bob", "alice", "hi", map[string]string{"room_id": "r1"})

	req := <-got
	assert.Equal(t, "bob", req.UserID)
	assert.Equal(t, "hi", req.Body)
	assert.Equal(t, "r1", req.Data["room_id"])
}

func TestNotifyDisabledWithoutURL(t *testing.T) {
	// must not panic on a nil http client
	NewClient("").Notify(context.Background(), "bob", "t", "b", nil)
}
