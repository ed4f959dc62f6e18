//go:build unix

package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sessionctl/internal/config"
	"sessionctl/internal/protocol"
	"sessionctl/internal/session"
)

const testConfig = `
[profiles.echo]
command = ["sh", "-c"]
payload = "argument"
sentinel = "~~DONE~~"
hard_limit = "10s"
idle_limit = "5s"
poll_interval = "50ms"
grace_period = "500ms"
`

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	return newTestServerWithOptions(t, Options{AllowCommands: true})
}

func newTestServerWithOptions(t *testing.T, opts Options) (*Server, *session.Manager) {
	t.Helper()
	profiles, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessMgr := session.NewManager(10, logger, nil)
	t.Cleanup(sessMgr.Shutdown)
	return New(sessMgr, profiles, logger, opts), sessMgr
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendWS(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, _ := json.Marshal(map[string]any{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write message failed: %v", err)
	}
}

// readUntil reads messages until one of type want arrives.
func readUntil(t *testing.T, ws *websocket.Conn, want string, seen func(protocol.Message)) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read message failed waiting for %s: %v", want, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		if seen != nil {
			seen(msg)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer(t)
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_ListRunsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/runs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var runs []*session.RunInfo
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 0 {
		t.Errorf("expected empty list, got %d runs", len(runs))
	}
}

func TestServer_ListProfiles(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/profiles", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var names []string
	json.NewDecoder(w.Body).Decode(&names)
	want := []string{"cursor-agent", "cursor-fix", "echo"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestServer_StartRunErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"bad body", "invalid json", http.StatusBadRequest, protocol.ErrInvalidMessage},
		{"missing workDir", `{"label":"test","profile":"echo"}`, http.StatusBadRequest, protocol.ErrInvalidMessage},
		{"unknown profile", `{"workDir":"/tmp","profile":"nope"}`, http.StatusBadRequest, protocol.ErrProfileNotFound},
		{"missing dir", `{"workDir":"/nonexistent/xyz","profile":"echo","prompt":"true"}`, http.StatusBadRequest, protocol.ErrWorkDirInvalid},
		{"spawn failure", `{"workDir":"/tmp","command":["/nonexistent/sessionctl-missing"]}`, http.StatusInternalServerError, protocol.ErrSpawnFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)

			req := httptest.NewRequest("POST", "/runs", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			var p protocol.ErrorPayload
			json.NewDecoder(w.Body).Decode(&p)
			if p.Code != tt.code {
				t.Errorf("expected code %s, got %s (%s)", tt.code, p.Code, p.Message)
			}
		})
	}
}

func TestServer_StartAndGetRun(t *testing.T) {
	srv, mgr := newTestServer(t)
	handler := srv.Handler()

	body := `{"workDir":"` + t.TempDir() + `","label":"hello","profile":"echo","prompt":"echo hi; echo ~~DONE~~; sleep 100"}`
	req := httptest.NewRequest("POST", "/runs", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var started session.RunInfo
	json.NewDecoder(w.Body).Decode(&started)
	if started.ID == "" || started.Label != "hello" {
		t.Fatalf("unexpected run: %+v", started)
	}

	done, err := mgr.Done(started.ID)
	if err != nil {
		t.Fatalf("Done failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	req = httptest.NewRequest("GET", "/runs/"+started.ID, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var got session.RunInfo
	json.NewDecoder(w.Body).Decode(&got)
	if got.Outcome == nil || got.Outcome.Reason != session.ReasonSentinelFound {
		t.Fatalf("expected sentinel_found outcome, got %+v", got.Outcome)
	}
	if got.State != session.StateCompleted {
		t.Errorf("expected completed, got %s", got.State)
	}
}

func TestServer_GetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/runs/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_KillRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("DELETE", "/runs/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_WebSocketRunLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dialWS(t, srv)

	sendWS(t, ws, protocol.TypeRunStart, map[string]any{
		"workDir": t.TempDir(),
		"label":   "ws",
		"profile": "echo",
		"prompt":  "echo from-ws; echo ~~DONE~~; sleep 100",
	})

	var output strings.Builder
	update := readUntil(t, ws, protocol.TypeRunUpdate, nil)
	var up protocol.RunUpdatePayload
	json.Unmarshal(update.Payload, &up)
	if up.State != string(session.StateRunning) || up.Label != "ws" {
		t.Errorf("unexpected run.update: %+v", up)
	}

	finished := readUntil(t, ws, protocol.TypeRunFinished, func(msg protocol.Message) {
		if msg.Type == protocol.TypeRunOutput {
			var p protocol.RunOutputPayload
			json.Unmarshal(msg.Payload, &p)
			output.WriteString(p.Data)
		}
	})

	var fin protocol.RunFinishedPayload
	json.Unmarshal(finished.Payload, &fin)
	if fin.RunID != up.ID {
		t.Errorf("expected run.finished for %s, got %s", up.ID, fin.RunID)
	}
	if fin.Reason != string(session.ReasonSentinelFound) || fin.ExitCode != 0 {
		t.Errorf("unexpected run.finished: %+v", fin)
	}
	if !strings.Contains(output.String(), "from-ws") {
		t.Errorf("expected run.output with from-ws, got %q", output.String())
	}
}

func TestServer_WebSocketKillUnknown(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dialWS(t, srv)

	sendWS(t, ws, protocol.TypeRunKill, map[string]any{"runId": "nonexistent"})

	msg := readUntil(t, ws, protocol.TypeError, nil)
	var p protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != protocol.ErrSessionNotFound {
		t.Errorf("expected %s, got %s", protocol.ErrSessionNotFound, p.Code)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dialWS(t, srv)

	// Send invalid message.
	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	msg := readUntil(t, ws, protocol.TypeError, nil)
	var p protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected %s, got %s", protocol.ErrInvalidMessage, p.Code)
	}
}

func TestServer_FilesUpdateBroadcast(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dialWS(t, srv)

	// Give the server a moment to register the client.
	time.Sleep(100 * time.Millisecond)
	srv.OnFilesUpdate("run-1", 3)

	msg := readUntil(t, ws, protocol.TypeFilesUpdate, nil)
	var p protocol.FilesUpdatePayload
	json.Unmarshal(msg.Payload, &p)
	if p.RunID != "run-1" || p.ChangedCount != 3 {
		t.Errorf("unexpected files.update: %+v", p)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServerWithOptions(t, Options{AllowedOrigins: []string{"https://ui.example:8443"}})

	tests := []struct {
		origin string
		status int
	}{
		{"http://localhost:5173", http.StatusOK},
		{"http://127.0.0.1:8420", http.StatusOK},
		{"http://[::1]:3000", http.StatusOK},
		{"https://ui.example:8443", http.StatusOK},
		{"https://evil.example", http.StatusForbidden},
		{"http://localhost.evil.example", http.StatusForbidden},
		{"null", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest("OPTIONS", "/runs", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}
			allow := w.Header().Get("Access-Control-Allow-Origin")
			if tt.status == http.StatusOK && allow != tt.origin {
				t.Errorf("expected Allow-Origin %q, got %q", tt.origin, allow)
			}
			if tt.status != http.StatusOK && allow != "" {
				t.Errorf("expected no Allow-Origin, got %q", allow)
			}
		})
	}
}

func TestServer_ForeignOriginCannotStartRun(t *testing.T) {
	srv, mgr := newTestServer(t)

	body := `{"workDir":"` + t.TempDir() + `","profile":"echo","prompt":"true"}`
	req := httptest.NewRequest("POST", "/runs", strings.NewReader(body))
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", w.Code)
	}
	var p protocol.ErrorPayload
	json.NewDecoder(w.Body).Decode(&p)
	if p.Code != protocol.ErrOriginForbidden {
		t.Errorf("expected %s, got %s", protocol.ErrOriginForbidden, p.Code)
	}
	if runs := mgr.List(); len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}
}

func TestServer_WebSocketRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		ws.Close()
		t.Fatal("expected dial from foreign origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 response, got %v", resp)
	}
}

func TestServer_CommandOverridesDisabled(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"command", `{"workDir":"/tmp","command":["sh","-c","touch /tmp/pwned"]}`},
		{"env", `{"workDir":"/tmp","profile":"echo","prompt":"true","env":{"LD_PRELOAD":"/tmp/x.so"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, mgr := newTestServerWithOptions(t, Options{})

			req := httptest.NewRequest("POST", "/runs", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusForbidden {
				t.Fatalf("expected status 403, got %d: %s", w.Code, w.Body.String())
			}
			var p protocol.ErrorPayload
			json.NewDecoder(w.Body).Decode(&p)
			if p.Code != protocol.ErrCommandNotAllowed {
				t.Errorf("expected %s, got %s", protocol.ErrCommandNotAllowed, p.Code)
			}
			if runs := mgr.List(); len(runs) != 0 {
				t.Errorf("expected no runs, got %d", len(runs))
			}
		})
	}
}

func TestServer_WebSocketCommandOverrideDisabled(t *testing.T) {
	srv, _ := newTestServerWithOptions(t, Options{})
	ws := dialWS(t, srv)

	sendWS(t, ws, protocol.TypeRunStart, map[string]any{
		"workDir": t.TempDir(),
		"command": []string{"sh", "-c", "true"},
	})

	msg := readUntil(t, ws, protocol.TypeError, nil)
	var p protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != protocol.ErrCommandNotAllowed {
		t.Errorf("expected %s, got %s", protocol.ErrCommandNotAllowed, p.Code)
	}
}

func TestServer_ProfileRunWithoutCommandOverrides(t *testing.T) {
	srv, mgr := newTestServerWithOptions(t, Options{})

	body := `{"workDir":"` + t.TempDir() + `","profile":"echo","prompt":"echo ~~DONE~~"}`
	req := httptest.NewRequest("POST", "/runs", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var started session.RunInfo
	json.NewDecoder(w.Body).Decode(&started)
	waitRun(t, mgr, started.ID)
}

func waitRun(t *testing.T, mgr *session.Manager, id string) {
	t.Helper()
	done, err := mgr.Done(id)
	if err != nil {
		t.Fatalf("Done failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}
