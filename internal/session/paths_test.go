package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootFromEnv(t *testing.T) {
	t.Setenv(EnvHome, "/srv/chatsync")
	if got := Root(); got != "/srv/chatsync" {
		t.Errorf("Root() = %q, want /srv/chatsync", got)
	}
	if got := ConfigPath(); got != "/srv/chatsync/config.toml" {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestRootDefaultsToHome(t *testing.T) {
	t.Setenv(EnvHome, "")
	home, _ := os.UserHomeDir()
	if got, want := Root(), filepath.Join(home, ".chatsync"); got != want {
		t.Errorf("Root() = %q, want %q", got, want)
	}
}

func TestFor(t *testing.T) {
	t.Setenv(EnvHome, "/srv/chatsync")
	p := For("work")

	tests := []struct {
		field, got, want string
	}{
		{"Dir", p.Dir, "/srv/chatsync/sessions/work"},
		{"Socket", p.Socket, "/srv/chatsync/sessions/work/chatd.sock"},
		{"State", p.State, "/srv/chatsync/sessions/work/state.db"},
		{"Logs", p.Logs, "/srv/chatsync/sessions/work/logs"},
		{"LogFile", p.LogFile(), "/srv/chatsync/sessions/work/logs/chatd.log"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.field, tt.got, tt.want)
		}
	}
	if p.Name != "work" {
		t.Errorf("Name = %q", p.Name)
	}
}

func TestLongSocketPathMovesToTemp(t *testing.T) {
	root := "/" + strings.Repeat("deep/", 25)
	p := under(root, "main")
	if len(p.Socket) >= maxSocketPath {
		t.Fatalf("Socket %q is %d bytes, limit %d", p.Socket, len(p.Socket), maxSocketPath)
	}
	if filepath.Dir(p.Socket) != filepath.Clean(os.TempDir()) {
		t.Errorf("Socket = %q, want it under %s", p.Socket, os.TempDir())
	}
	if again := under(root, "main").Socket; again != p.Socket {
		t.Errorf("socket name not stable: %q vs %q", again, p.Socket)
	}
	if other := under(root, "work").Socket; other == p.Socket {
		t.Errorf("sessions share socket %q", other)
	}
}

func TestEnsure(t *testing.T) {
	p := under(t.TempDir(), "test")
	if err := p.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	for _, d := range []string{p.Dir, p.Logs} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0o700 {
			t.Errorf("%s mode = %o, want 700", d, perm)
		}
	}
	if err := p.Ensure(); err != nil {
		t.Errorf("second Ensure() error = %v", err)
	}
}
