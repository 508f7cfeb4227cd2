package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tunneling/internal/protocol"
)

// testHarness wires a Gateway behind an httptest.Server and gives tests a
// small fake-agent client driven directly over the websocket.
type testHarness struct {
	t      *testing.T
	server *httptest.Server
	gw     *Gateway
}

func newHarness(t *testing.T, timeout time.Duration) *testHarness {
	t.Helper()
	gw := New(Config{RequestTimeout: timeout})
	r := mux.NewRouter()
	gw.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testHarness{t: t, server: srv, gw: gw}
}

func (h *testHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/_ws"
}

// fakeAgent is a minimal hand-rolled agent for driving the gateway's fan-in
// loop under test control.
type fakeAgent struct {
	t    *testing.T
	conn *websocket.Conn

	mu sync.Mutex
}

func connectFakeAgent(t *testing.T, h *testHarness) *fakeAgent {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial agent ws: %v (resp=%v)", err, resp)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fakeAgent{t: t, conn: conn}
}

// serve runs handler for every RequestFrame received until the connection
// closes.
func (a *fakeAgent) serve(handler func(protocol.RequestFrame) protocol.ResponseFrame) {
	go func() {
		for {
			var req protocol.RequestFrame
			if err := a.conn.ReadJSON(&req); err != nil {
				return
			}
			go func(req protocol.RequestFrame) {
				resp := handler(req)
				a.mu.Lock()
				_ = a.conn.WriteJSON(resp)
				a.mu.Unlock()
			}(req)
		}
	}()
}

func okFrame(id string, status int, body string) protocol.ResponseFrame {
	return protocol.ResponseFrame{
		ID:      id,
		Status:  status,
		Headers: nil,
		Content: protocol.EncodeBody([]byte(body)),
	}
}

func TestNoAgentReturns502(t *testing.T) {
	h := newHarness(t, time.Second)

	for i := 0; i < 5; i++ {
		resp, err := http.Get(h.server.URL + "/api/test")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", resp.StatusCode)
		}
	}
}

func TestBasicProxy(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	agent := connectFakeAgent(t, h)
	agent.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		if req.Path != "/test" {
			return okFrame(req.ID, 404, "")
		}
		return okFrame(req.ID, 200, "contenttext")
	})

	resp, err := http.Get(h.server.URL + "/test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != "contenttext" {
		t.Fatalf("body = %q, want contenttext", buf[:n])
	}
}

func TestConcurrentExchanges(t *testing.T) {
	h := newHarness(t, 20*time.Second)
	agent := connectFakeAgent(t, h)
	agent.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		time.Sleep(50 * time.Millisecond)
		return okFrame(req.ID, 200, req.Path)
	})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := http.Get(h.server.URL + "/serve_wait")
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status = %d, want 200", resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent request failed: %v", err)
		}
	}
}

func TestDuplicateAgentRejected(t *testing.T) {
	h := newHarness(t, time.Second)
	_ = connectFakeAgent(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	if err == nil {
		t.Fatal("expected second dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Fatalf("status = %d, want 409", code)
	}
}

func TestDuplicateHeadersPreserveOrder(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	agent := connectFakeAgent(t, h)
	agent.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		var hdrs []protocol.HeaderPair
		for _, p := range req.Headers {
			if strings.HasPrefix(p[0], "My") {
				hdrs = append(hdrs, p)
			}
		}
		body, _ := json.Marshal(req.Headers)
		return protocol.ResponseFrame{ID: req.ID, Status: 200, Headers: hdrs, Content: protocol.EncodeBody(body)}
	})

	client := &http.Client{}
	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/headers", nil)
	req.Header.Add("MyHeader", "1")
	req.Header.Add("MyHeader", "2")
	req.Header.Add("MyHeader", "3")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	got := resp.Header.Values("MyHeader")
	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("MyHeader = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MyHeader[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBinaryBody(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	agent := connectFakeAgent(t, h)
	want := []byte{0x00, 0x01, 0x02, 0xff}
	agent.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		return protocol.ResponseFrame{ID: req.ID, Status: 200, Content: protocol.EncodeBody(want)}
	})

	resp, err := http.Get(h.server.URL + "/binary")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	got := buf[:n]
	if len(got) != len(want) {
		t.Fatalf("body = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("body = %v, want %v", got, want)
		}
	}
}

func TestNon2xxPassthrough(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	agent := connectFakeAgent(t, h)
	agent.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		return protocol.ResponseFrame{ID: req.ID, Status: 302}
	})

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(h.server.URL + "/status302")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
}

func TestPostJSONRoundTrip(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	agent := connectFakeAgent(t, h)
	agent.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		body, _ := protocol.DecodeBody(req.Data)
		return protocol.ResponseFrame{ID: req.ID, Status: 200, Content: protocol.EncodeBody(body)}
	})

	payload := `{"test1":true,"test2":2,"test3":"str"}`
	resp, err := http.Post(h.server.URL+"/post", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != payload {
		t.Fatalf("body = %q, want %q", buf[:n], payload)
	}
}

func TestExchangeTimeout(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	agent := connectFakeAgent(t, h)
	agent.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		time.Sleep(time.Second)
		return okFrame(req.ID, 200, "too late")
	})

	resp, err := http.Get(h.server.URL + "/slow")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if h.gw.pending.len() != 0 {
		t.Fatalf("pending table not cleaned up after timeout")
	}
}

func TestUnknownIDDiscarded(t *testing.T) {
	h := newHarness(t, time.Second)
	agent := connectFakeAgent(t, h)

	if err := agent.conn.WriteJSON(okFrame("not-a-real-id", 200, "ignored")); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if h.gw.pending.len() != 0 {
		t.Fatalf("unexpected pending entries after unknown-id frame: %d", h.gw.pending.len())
	}
	if !h.gw.hasAgent() {
		t.Fatal("gateway dropped the agent session after an unknown-id frame")
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	agent := connectFakeAgent(t, h)
	agent.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		return okFrame(req.ID, 200, "first")
	})

	resp, err := http.Get(h.server.URL + "/test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	_ = agent.conn.Close()
	time.Sleep(100 * time.Millisecond)

	agent2 := connectFakeAgent(t, h)
	agent2.serve(func(req protocol.RequestFrame) protocol.ResponseFrame {
		return okFrame(req.ID, 200, "second")
	})

	resp2, err := http.Get(h.server.URL + "/test")
	if err != nil {
		t.Fatalf("get after reconnect: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}
}
