package shell

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeConnWriteControlDuringWrite(t *testing.T) {
	serverConn := make(chan *SafeConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- NewSafeConn(raw)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer client.Close()

	var sc *SafeConn
	select {
	case sc = <-serverConn:
	case <-time.After(time.Second):
		t.Fatal("no server connection")
	}
	defer sc.Close()

	// A data write in progress holds the mutex.
	sc.mu.Lock()
	defer sc.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- sc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WriteControl waited for the data write mutex")
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = client.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
}
