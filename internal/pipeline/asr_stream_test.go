package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sttServer counts binary frames until the finish action, then replies
// with the given messages and hangs up.
func sttServer(t *testing.T, replies ...sttStreamMessage) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var frames atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				frames.Add(1)
				continue
			}
			if strings.Contains(string(data), "finish") {
				break
			}
		}
		for _, m := range replies {
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &frames
}

func sttMsg(status, text string) sttStreamMessage {
	var m sttStreamMessage
	m.Status = status
	m.Data.Text = text
	m.Data.Message = text
	return m
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamingASRFinal(t *testing.T) {
	srv, frames := sttServer(t, sttMsg("partial", "hel"), sttMsg("final", "hello there"))

	c := NewStreamingASRClient(wsURL(srv), "key", 2*time.Second)
	tr, err := c.Transcribe(context.Background(), [][]byte{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)
	assert.Equal(t, "hello there", tr.Text)
	assert.True(t, tr.IsFinal)
	assert.EqualValues(t, 3, frames.Load())
}

func TestStreamingASRFallsBackToPartial(t *testing.T) {
	srv, _ := sttServer(t, sttMsg("partial", "hello"), sttMsg("partial", "hello the"))

	tr, err := NewStreamingASRClient(wsURL(srv), "key", 2*time.Second).Transcribe(context.Background(), [][]byte{{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "hello the", tr.Text)
	assert.False(t, tr.IsFinal)
}

func TestStreamingASRServerError(t *testing.T) {
	srv, _ := sttServer(t, sttMsg("error", "model crashed"))

	_, err := NewStreamingASRClient(wsURL(srv), "key", 2*time.Second).Transcribe(context.Background(), [][]byte{{1, 2}})
	require.ErrorContains(t, err, "model crashed")
}

func TestStreamingASRNoTranscript(t *testing.T) {
	srv, _ := sttServer(t)

	_, err := NewStreamingASRClient(wsURL(srv), "key", 2*time.Second).Transcribe(context.Background(), [][]byte{{1, 2}})
	require.ErrorIs(t, err, errNoTranscript)
}

func TestStreamingASRDialFailure(t *testing.T) {
	_, err := NewStreamingASRClient("ws://127.0.0.1:1/stt", "", time.Second).Transcribe(context.Background(), nil)
	require.ErrorContains(t, err, "stt stream dial")
}
