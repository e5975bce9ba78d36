package session

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
)

// EnvHome overrides the data root.
const EnvHome = "CHATSYNC_HOME"

// maxSocketPath is the smallest sun_path limit among supported platforms
// (darwin), including the trailing NUL.
const maxSocketPath = 104

// Root returns the data root: $CHATSYNC_HOME when set, else ~/.chatsync.
func Root() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// ConfigPath returns the config file shared by every session.
func ConfigPath() string {
	return filepath.Join(Root(), "config.toml")
}

// Paths locates the files of one session. The session directory holds the
// lock; only the lock holder opens State.
type Paths struct {
	Name   string
	Dir    string
	Socket string // gRPC unix socket served by chatd
	State  string // SQLite store for drafts, pins, outbox and history cache
	Logs   string
}

// For returns the paths of session name under Root.
func For(name string) Paths {
	return under(Root(), name)
}

func under(root, name string) Paths {
	dir := filepath.Join(root, "sessions", name)
	return Paths{
		Name:   name,
		Dir:    dir,
		Socket: socketFor(dir),
		State:  filepath.Join(dir, "state.db"),
		Logs:   filepath.Join(dir, "logs"),
	}
}

// socketFor keeps the socket inside dir unless the path would not fit in
// sun_path, in which case it moves to the temp dir under a name derived
// from dir.
func socketFor(dir string) string {
	sock := filepath.Join(dir, "chatd.sock")
	if len(sock) < maxSocketPath {
		return sock
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(dir))
	return filepath.Join(os.TempDir(), fmt.Sprintf("chatd-%016x.sock", h.Sum64()))
}

// LogFile returns the daemon log file.
func (p Paths) LogFile() string {
	return filepath.Join(p.Logs, "chatd.log")
}

// Ensure creates the session and log directories, readable by the owner only.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Dir, p.Logs} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
