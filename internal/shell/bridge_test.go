package shell

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wide-ide/wide/internal/registry"
)

type fakeSpawner struct {
	mu    sync.Mutex
	opts  []SpawnOptions
	procs []*fakeProcess
	err   error
}

func (s *fakeSpawner) Spawn(opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess()
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() (SpawnOptions, *fakeProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p *fakeProcess
	if len(s.procs) > 0 {
		p = s.procs[len(s.procs)-1]
	}
	return s.opts[len(s.opts)-1], p
}

func newTestBridge(t *testing.T, spawner Spawner, cfg Config) (*Bridge, *httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	reg := registry.New([]*registry.Project{{Key: "k1", Name: "demo", Folder: root}}, nil)
	b := NewBridge(reg, spawner, cfg)

	mux := http.NewServeMux()
	mux.Handle("GET /shell", b)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv, root
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/shell" + query
}

func TestBridgeRejectsUnknownKeyBeforeUpgrade(t *testing.T) {
	spawner := &fakeSpawner{}
	_, srv, _ := newTestBridge(t, spawner, Config{RootMode: RootProject})

	for _, q := range []string{"", "?key=", "?key=wrong"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, q), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake, q)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, q)
		resp.Body.Close()
	}
	assert.Empty(t, spawner.opts)
}

func TestBridgeProjectRootAndSize(t *testing.T) {
	spawner := &fakeSpawner{}
	b, srv, root := newTestBridge(t, spawner, Config{RootMode: RootProject})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?key=k1&cols=120&rows=40"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	opts, proc := spawner.last()
	assert.Equal(t, root, opts.Dir)
	assert.Equal(t, uint16(120), opts.Cols)
	assert.Equal(t, uint16(40), opts.Rows)

	// Round trip through the real websocket.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("pwd\n")))
	select {
	case got := <-proc.in:
		assert.Equal(t, "pwd\n", string(got))
	case <-time.After(time.Second):
		t.Fatal("input not relayed")
	}

	_, err = proc.outW.Write([]byte(root + "\r\n"))
	require.NoError(t, err)
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, root+"\r\n", string(data))

	conn.Close()
	require.Eventually(t, func() bool { return b.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
	select {
	case <-proc.terminated:
	default:
		t.Fatal("shell not terminated after client closed")
	}
}

func TestBridgeDefaultSize(t *testing.T) {
	spawner := &fakeSpawner{}
	b, srv, _ := newTestBridge(t, spawner, Config{RootMode: RootProject})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?key=k1&cols=abc&rows=0"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	opts, _ := spawner.last()
	assert.Equal(t, uint16(80), opts.Cols)
	assert.Equal(t, uint16(24), opts.Rows)
}

func TestBridgeGlobalRoot(t *testing.T) {
	spawner := &fakeSpawner{}
	global := t.TempDir()
	b, srv, _ := newTestBridge(t, spawner, Config{RootMode: RootGlobal, Root: global})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	opts, _ := spawner.last()
	assert.Equal(t, global, opts.Dir)
}

func TestBridgeSpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("no such shell")}
	b, srv, _ := newTestBridge(t, spawner, Config{RootMode: RootProject})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?key=k1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	assert.Equal(t, 0, b.Sessions())
}

func TestBridgeProcessExitSendsCloseFrame(t *testing.T) {
	spawner := &fakeSpawner{}
	b, srv, _ := newTestBridge(t, spawner, Config{RootMode: RootProject})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?key=k1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	_, proc := spawner.last()
	proc.exit()

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestBridgeShutdown(t *testing.T) {
	spawner := &fakeSpawner{}
	b, srv, _ := newTestBridge(t, spawner, Config{RootMode: RootProject})

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?key=k1"), nil)
		require.NoError(t, err)
		defer conn.Close()
		conns = append(conns, conn)
	}
	require.Eventually(t, func() bool { return b.Sessions() == 3 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	assert.Equal(t, 0, b.Sessions())

	for _, conn := range conns {
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	}

	// New sessions are refused after shutdown.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?key=k1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestPTYSpawnerRunsShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no pty support on windows")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	spawner := &PTYSpawner{Shell: sh, Term: "xterm-color"}
	b, srv, _ := newTestBridge(t, spawner, Config{RootMode: RootGlobal, Root: dir})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("echo wide-$TERM; pwd\n")))

	var out strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for !strings.Contains(out.String(), "wide-xterm-color") || !strings.Contains(out.String(), dir) {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "output so far: %q", out.String())
		out.Write(data)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("exit\n")))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
			}
			break
		}
	}
	require.Eventually(t, func() bool { return b.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

// processGone reports whether pid no longer runs. Zombies count as gone:
// the test process may not be the one that reaps them.
func processGone(pid int) bool {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && (fields[0] == "Z" || fields[0] == "X")
}

func TestPTYSpawnerShellExitWithBackgroundJob(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no pty support on windows")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	spawner := &PTYSpawner{Shell: sh, Term: "xterm-color"}
	b, srv, _ := newTestBridge(t, spawner, Config{RootMode: RootGlobal, Root: t.TempDir()})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("sleep 30 & echo job=$!\n")))

	// The terminal echoes the command line with a literal "$!", so only
	// the shell's own output matches.
	jobPattern := regexp.MustCompile(`job=(\d+)`)
	var out strings.Builder
	var job int
	for job == 0 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "output so far: %q", out.String())
		out.Write(data)
		if m := jobPattern.FindStringSubmatch(out.String()); m != nil {
			job, _ = strconv.Atoi(m[1])
		}
	}

	start := time.Now()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("exit\n")))
	var closeErr *websocket.CloseError
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Eventually(t, func() bool { return b.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	if _, err := os.Stat("/proc"); err == nil {
		assert.Eventually(t, func() bool { return processGone(job) }, 5*time.Second, 10*time.Millisecond,
			"background job %d outlived its shell", job)
	}
}
