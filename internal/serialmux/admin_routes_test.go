package serialmux

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes_Stats(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, err := mux.Write([]byte("12345"))
	require.NoError(t, err)
	port.SetFailWrites(true)
	_, _ = mux.Write([]byte("12345"))

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/stats", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, Stats{FramesWritten: 1, BytesWritten: 5, WriteFailures: 1}, got)
}

func TestAttachAdminRoutes_MethodNotAllowed(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	for _, path := range []string{"/debug/stats", "/debug/tail"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, localHostRequest(http.MethodPost, path, strings.NewReader("")))
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := localHostRequest(http.MethodGet, "/debug/tail", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		httpMux.ServeHTTP(w, req)
	}()

	// wait for the handler to subscribe before writing
	require.Eventually(t, func() bool {
		mux.subscriberMu.Lock()
		defer mux.subscriberMu.Unlock()
		return len(mux.subscribers) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := mux.Write([]byte("\x02\nPAPP 16254 3\r\x03"))
	require.NoError(t, err)

	// closing the mux closes the subscriber channel and ends the stream
	require.NoError(t, mux.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tail handler did not return after Close")
	}

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, ": ping\n\n"), body)
	assert.Contains(t, body, `data: "\x02\nPAPP 16254 3\r\x03"`)
}

func TestAttachAdminRoutes_TailClientDisconnect(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	ctx, cancel := context.WithCancel(context.Background())
	req := localHostRequest(http.MethodGet, "/debug/tail", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		httpMux.ServeHTTP(httptest.NewRecorder(), req)
	}()

	require.Eventually(t, func() bool {
		mux.subscriberMu.Lock()
		defer mux.subscriberMu.Unlock()
		return len(mux.subscribers) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tail handler did not return after client disconnect")
	}

	mux.subscriberMu.Lock()
	defer mux.subscriberMu.Unlock()
	assert.Empty(t, mux.subscribers)
}
