package presence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/genricoloni/mprisence/internal/domain"
)

const maxSocketIndex = 10

// Sandboxed installs expose the socket below the runtime directory
var sandboxSubdirs = []string{
	"",
	"app/com.discordapp.Discord",
	"app/com.discordapp.DiscordCanary",
	"snap.discord",
	"snap.discord-canary",
}

// socketDirs returns the candidate base directories in lookup order
func socketDirs() []string {
	var dirs []string
	seen := make(map[string]bool)
	for _, env := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if dir := os.Getenv(env); dir != "" && !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	if !seen["/tmp"] {
		dirs = append(dirs, "/tmp")
	}
	return dirs
}

// SocketPaths lists every IPC socket path worth trying, in order
func SocketPaths() []string {
	var paths []string
	for _, dir := range socketDirs() {
		for _, sub := range sandboxSubdirs {
			for i := 0; i < maxSocketIndex; i++ {
				paths = append(paths, filepath.Join(dir, sub, "discord-ipc-"+strconv.Itoa(i)))
			}
		}
	}
	return paths
}

// dialSocket connects to the first IPC socket that accepts a connection
func dialSocket(ctx context.Context) (net.Conn, error) {
	var (
		dialer  net.Dialer
		lastErr error
	)
	for _, path := range SocketPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no IPC socket found")
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrPresenceUnavailable, lastErr)
}
