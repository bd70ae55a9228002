package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/treadle/models"
)

func TestEventsStream(t *testing.T) {
	s, d := testServer(t, &fakeRunner{})
	router := s.Router()

	// build up some history before anyone is connected
	w := postJSON(t, router, "/pipelines", submitRequest{Definition: simplePipeline, Ref: "main"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var first submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	waitForStatus(t, d, first.ID, models.StatusSuccess)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// the backfill replays the feed from the start, oldest first
	var ev models.StatusEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, first.ID, ev.Pipeline)
	assert.Equal(t, string(models.StatusPending), ev.Status)

	sawJob, sawVerdict := false, false
	for !sawVerdict {
		ev = models.StatusEvent{}
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Job == "compile" {
			sawJob = true
		}
		if ev.Job == "" && ev.Status == string(models.StatusSuccess) {
			sawVerdict = true
		}
	}
	assert.True(t, sawJob)

	// a pipeline submitted while connected streams in live
	w = postJSON(t, router, "/pipelines", submitRequest{Definition: simplePipeline, Ref: "dev"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var second submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Pipeline == second.ID {
			break
		}
	}
}
