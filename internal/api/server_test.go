package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wide-ide/wide/internal/events"
	"github.com/wide-ide/wide/internal/fileops"
	"github.com/wide-ide/wide/internal/logging"
	"github.com/wide-ide/wide/internal/quota"
	"github.com/wide-ide/wide/internal/registry"
	"github.com/wide-ide/wide/internal/sandbox"
	"github.com/wide-ide/wide/internal/storage/local"
)

const testKey = "k1"

func TestMain(m *testing.M) {
	logging.Replace(zap.NewNop())
	os.Exit(m.Run())
}

type testEnv struct {
	root string
	srv  *Server
	h    http.Handler
}

func setupTestServer(t *testing.T, rpm int) *testEnv {
	t.Helper()
	root := t.TempDir()
	reg := registry.New([]*registry.Project{{Key: testKey, Name: "demo", Folder: root}}, nil)
	broadcaster := events.NewBroadcaster()
	d := fileops.New(reg, local.New(local.Config{}), broadcaster, fileops.Config{
		Policy: sandbox.DefaultPolicy(),
	})
	srv := NewServer(d, reg, broadcaster, quota.NewRateLimiter(rpm), Options{MaxRequestSize: 1 << 20})
	return &testEnv{root: root, srv: srv, h: srv.Handler()}
}

func (e *testEnv) postJSON(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	e := setupTestServer(t, 0)

	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSaveAndLoadJSON(t *testing.T) {
	e := setupTestServer(t, 0)

	w := e.postJSON(t, map[string]string{
		"action": "save", "key": testKey, "filename": "app.js", "content": "console.log(1)",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["status"])
	assert.Equal(t, "file saved", body["msg"])
	assert.Equal(t, "app.js", body["filename"])

	w = e.postJSON(t, map[string]string{"action": "load", "key": testKey, "filename": "app.js"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())
	assert.Equal(t, "text/javascript; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestLoadFailuresAreBareStatuses(t *testing.T) {
	e := setupTestServer(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "index.php"), []byte("<?php"), 0644))

	tests := []struct {
		name     string
		key      string
		filename string
		code     int
	}{
		{"missing", testKey, "nope.txt", http.StatusNotFound},
		{"protected", testKey, "index.php", http.StatusForbidden},
		{"escape", testKey, "../../etc/passwd", http.StatusForbidden},
		{"wrong key", "bad", "index.html", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.postJSON(t, map[string]string{"action": "load", "key": tt.key, "filename": tt.filename})
			assert.Equal(t, tt.code, w.Code)
			assert.Empty(t, w.Body.String())
		})
	}
}

func TestFailureEnvelopeUsesStatus200(t *testing.T) {
	e := setupTestServer(t, 0)

	w := e.postJSON(t, map[string]string{"action": "list", "key": "bad", "folder": "/"})
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(-1), body["status"])
	assert.Equal(t, "wrong key", body["msg"])

	w = e.postJSON(t, map[string]string{"key": testKey})
	assert.Equal(t, "action missing", decode(t, w)["msg"])
}

func TestFormEncodedList(t *testing.T) {
	e := setupTestServer(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "a.txt"), []byte("abc"), 0644))

	form := url.Values{"action": {"list"}, "key": {testKey}, "folder": {"/"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "file list", body["msg"])
	assert.Equal(t, "demo", body["project"])
	assert.Equal(t, "//", body["folder"])

	files := body["files"].([]any)
	require.Len(t, files, 1)
	entry := files[0].(map[string]any)
	assert.Equal(t, "a.txt", entry["name"])
	assert.Equal(t, false, entry["is_dir"])
	assert.Equal(t, float64(3), entry["size"])
}

func TestMultipartSaveEmptyContent(t *testing.T) {
	e := setupTestServer(t, 0)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("action", "save"))
	require.NoError(t, mw.WriteField("key", testKey))
	require.NoError(t, mw.WriteField("filename", "empty.txt"))
	require.NoError(t, mw.WriteField("content", ""))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["status"])

	info, err := os.Stat(filepath.Join(e.root, "empty.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestFormMissingContent(t *testing.T) {
	e := setupTestServer(t, 0)

	form := url.Values{"action": {"save"}, "key": {testKey}, "filename": {"x.txt"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)

	assert.Equal(t, "params missing", decode(t, w)["msg"])
}

func TestBadBodies(t *testing.T) {
	e := setupTestServer(t, 0)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "application/xml")
	w = httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	big := map[string]string{"action": "save", "key": testKey, "filename": "big", "content": strings.Repeat("x", 2<<20)}
	w = e.postJSON(t, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMethodAndPath(t *testing.T) {
	e := setupTestServer(t, 0)

	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	e.h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/other", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := setupTestServer(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://editor.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRateLimited(t *testing.T) {
	e := setupTestServer(t, 2)

	for i := 0; i < 2; i++ {
		w := e.postJSON(t, map[string]string{"action": "project", "key": testKey})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := e.postJSON(t, map[string]string{"action": "project", "key": testKey})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, float64(-1), decode(t, w)["status"])

	// Health checks are not limited.
	w = httptest.NewRecorder()
	e.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventsRequiresKey(t *testing.T) {
	e := setupTestServer(t, 0)

	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events?key=bad", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEventsStream(t *testing.T) {
	e := setupTestServer(t, 0)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?key=" + testKey)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, _ := json.Marshal(map[string]string{"action": "mkdir", "key": testKey, "folder": "newdir"})
	post, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	io.Copy(io.Discard, post.Body)
	post.Body.Close()

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	timeout := time.After(5 * time.Second)
	var got []string
	for len(got) < 2 {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended early")
			if line != "" {
				got = append(got, line)
			}
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, "event: mkdir", got[0])
	require.True(t, strings.HasPrefix(got[1], "data: "))

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(got[1], "data: ")), &ev))
	assert.Equal(t, "demo", ev.Project)
	assert.Equal(t, "newdir", ev.Path)
}
