// internal/watch/transport_test.go
package watch

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/tagbridge/internal/controller/controllertest"
)

// wsClient reads every server message into a channel and answers pings.
type wsClient struct {
	conn  *websocket.Conn
	msgs  chan Envelope
	pings atomic.Int32
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &wsClient{conn: conn, msgs: make(chan Envelope, 64)}
	conn.SetPingHandler(func(data string) error {
		c.pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		defer close(c.msgs)
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			c.msgs <- env
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *wsClient) send(t *testing.T, typ, id string, payload any) {
	t.Helper()
	env, err := newEnvelope(typ, id, payload)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(env))
}

// next returns the next message of type typ, skipping others.
func (c *wsClient) next(t *testing.T, typ string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.msgs:
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s message", typ)
		}
	}
}

func TestWebSocket_SessionOverRealSocket(t *testing.T) {
	plc := controllertest.New("PLC1")
	s, b := newTestServer(t, Config{PingInterval: 50 * time.Millisecond, ResumeGrace: time.Minute}, nil, plc)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath

	c1 := dial(t, url)
	var announced SessionPayload
	require.NoError(t, json.Unmarshal(c1.next(t, TypeSession).Payload, &announced))
	assert.False(t, announced.Resumed)

	c1.send(t, TypeSubscribe, "1", SubscribeRequest{Controller: "PLC1", Symbol: "Main.X"})
	var res ResultPayload
	require.NoError(t, json.Unmarshal(c1.next(t, TypeResult).Payload, &res))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, []string{"Main.X"}, plc.Subscribed())

	require.True(t, plc.Emit("Main.X", true, time.Now()))
	assert.JSONEq(t, `{"PLC1":{"Main.X":true}}`, string(c1.next(t, TypeData).Payload))

	require.Eventually(t, func() bool { return c1.pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	// drop the socket without a close frame
	_ = c1.conn.Close()
	require.Eventually(t, func() bool {
		return s.Sessions() == 0 && len(plc.Subscribed()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	c2 := dial(t, url)
	c2.next(t, TypeSession)
	c2.send(t, TypeResume, "2", ResumeRequest{SessionID: announced.SessionID})

	var resumed SessionPayload
	require.NoError(t, json.Unmarshal(c2.next(t, TypeSession).Payload, &resumed))
	assert.Equal(t, announced.SessionID, resumed.SessionID)
	assert.True(t, resumed.Resumed)

	require.NoError(t, json.Unmarshal(c2.next(t, TypeResult).Payload, &res))
	assert.True(t, res.OK, res.Error)
	assert.Equal(t, []string{"Main.X"}, plc.Subscribed())
	assert.Equal(t, []string{announced.SessionID}, b.Subscribers("PLC1", "Main.X"))
	assert.Equal(t, 1, s.Sessions())

	_ = c2.conn.Close()
}

func TestWebSocket_SilentPeerIsDropped(t *testing.T) {
	plc := controllertest.New("PLC1")
	s, _ := newTestServer(t, Config{PingInterval: 10 * time.Millisecond}, nil, plc)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath

	// a peer that never reads never answers pings
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.detached) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Sessions())
}
