package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pioner22/client-web-sub000/internal/api"
	"github.com/pioner22/client-web-sub000/internal/config"
	"github.com/pioner22/client-web-sub000/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// chatServer authenticates any user and delivers every send with id 77.
func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame["type"] {
			case "auth":
				_ = conn.WriteJSON(map[string]any{"type": "auth_ok", "user_id": frame["user_id"]})
			case "send":
				_ = conn.WriteJSON(map[string]any{
					"type": "message_delivered", "local_id": frame["local_id"], "id": 77, "to": frame["to"],
				})
			}
		}
	}))
}

// tempHome points HOME at a short temp dir so socket paths stay under the
// Unix socket length limit.
func tempHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "chatd-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("HOME", dir)
	t.Setenv(session.EnvHome, "")
	return dir
}

func TestFxModuleWiring(t *testing.T) {
	tempHome(t)
	if err := fx.ValidateApp(Module(Params{SessionName: "test"}), fx.NopLogger); err != nil {
		t.Fatalf("fx.ValidateApp error = %v", err)
	}
}

func TestNewServerCreatesSocket(t *testing.T) {
	home := tempHome(t)
	socketPath := filepath.Join(home, "d.sock")

	// Stale socket from a crashed daemon is replaced.
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer error = %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if info.Mode().Type() != os.ModeSocket {
		t.Errorf("mode = %v, want socket", info.Mode())
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("Stop should remove the socket")
	}
}

func TestDaemonDeliversQueuedSend(t *testing.T) {
	tempHome(t)
	ws := chatServer(t)
	defer ws.Close()

	cfg := config.Default()
	cfg.Server.URL = "ws" + strings.TrimPrefix(ws.URL, "http")
	cfg.Account = config.Account{UserID: "alice", Token: "secret"}
	if err := config.Save(session.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}

	app := fx.New(Module(Params{SessionName: "test"}), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start error = %v", err)
	}
	defer func() { _ = app.Stop(context.Background()) }()

	client, err := api.Dial(session.For("test").Socket)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	waitFor(t, "ready", func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.GetFields()["ready"].GetBoolValue()
	})

	localID, err := client.SendText(ctx, "dm:bob", "hello")
	if err != nil {
		t.Fatalf("SendText error = %v", err)
	}
	if localID == "" {
		t.Fatal("SendText returned empty local id")
	}

	waitFor(t, "delivery", func() bool {
		snap, err := client.Snapshot(ctx, "dm:bob")
		if err != nil {
			return false
		}
		convs, _ := snap.AsMap()["conversations"].(map[string]any)
		msgs, _ := convs["dm:bob"].([]any)
		if len(msgs) != 1 {
			return false
		}
		m, _ := msgs[0].(map[string]any)
		_, stillLocal := m["local_id"]
		return m["id"] == float64(77) && m["text"] == "hello" && !stillLocal
	})

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n := st.GetFields()["outbox"].GetNumberValue(); n != 0 {
		t.Errorf("outbox = %v, want 0", n)
	}
	if user := st.GetFields()["user"].GetStringValue(); user != "alice" {
		t.Errorf("user = %q, want alice", user)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
