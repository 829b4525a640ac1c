package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/web"
	"github.com/memohai/omnicore/internal/inbound"
)

func newWidgetServer(t *testing.T, hub web.Hub, jobs *fakeJobs, origins ...string) *httptest.Server {
	t.Helper()
	e := echo.New()
	NewWidgetHandler(nil, hub, jobs, origins).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func dialWidget(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/widget?" + query
	return websocket.DefaultDialer.Dial(url, header)
}

func readFrame(t *testing.T, conn *websocket.Conn) web.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame web.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func (f *fakeJobs) snapshot() []inbound.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inbound.Job(nil), f.jobs...)
}

func TestWidgetRoundTrip(t *testing.T) {
	t.Parallel()
	hub := web.NewMemoryHub()
	jobs := &fakeJobs{}
	srv := newWidgetServer(t, hub, jobs)

	conn, _, err := dialWidget(t, srv, "site_id=smile.example&session_id=sess-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	connected := readFrame(t, conn)
	assert.Equal(t, "connected", connected.Type)
	assert.Equal(t, "sess-1", connected.SessionID)

	// Session and site come from the connection, not the frame.
	require.NoError(t, conn.WriteJSON(web.WidgetMessage{SessionID: "forged", SiteID: "other.example", Text: "Merhaba"}))
	require.Eventually(t, func() bool { return len(jobs.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	job := jobs.snapshot()[0]
	assert.Equal(t, channel.Web, job.Channel)
	var sent web.WidgetMessage
	require.NoError(t, json.Unmarshal(job.Raw.Body, &sent))
	assert.Equal(t, "sess-1", sent.SessionID)
	assert.Equal(t, "smile.example", sent.SiteID)
	assert.Equal(t, "Merhaba", sent.Text)

	require.NoError(t, hub.Publish(context.Background(), "sess-1", web.Frame{Type: "message", Text: "Hoş geldiniz", SessionID: "sess-1"}))
	reply := readFrame(t, conn)
	assert.Equal(t, "message", reply.Type)
	assert.Equal(t, "Hoş geldiniz", reply.Text)
}

func TestWidgetErrorFrames(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{err: inbound.ErrQueueFull}
	srv := newWidgetServer(t, web.NewMemoryHub(), jobs)

	conn, _, err := dialWidget(t, srv, "site_id=smile.example", nil)
	require.NoError(t, err)
	defer conn.Close()
	connected := readFrame(t, conn)
	assert.NotEmpty(t, connected.SessionID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, "Invalid message format.", frame.Text)

	require.NoError(t, conn.WriteJSON(web.WidgetMessage{Text: "Merhaba"}))
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Text, "busy")
}

func TestWidgetRejectsRequests(t *testing.T) {
	t.Parallel()
	srv := newWidgetServer(t, web.NewMemoryHub(), &fakeJobs{}, "https://smile.example")

	_, resp, err := dialWidget(t, srv, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = dialWidget(t, srv, "site_id=smile.example", http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialWidget(t, srv, "site_id=smile.example", http.Header{"Origin": {"https://smile.example"}})
	require.NoError(t, err)
	_ = conn.Close()
}
