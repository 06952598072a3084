// Package session holds the per-test-session setup the harness depends on:
// the resolved server binary and the generated protocol bindings. Both are
// computed lazily, exactly once, and handed to every consumer as an explicit
// dependency rather than ambient module state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.fluxgraph.dev/stagehand/internal/harness"
)

const (
	// ServerExeEnv overrides binary discovery (set by CMake/CI).
	ServerExeEnv = "FLUXGRAPH_SERVER_EXE"
	// BindingsDirEnv overrides the generated-bindings directory.
	BindingsDirEnv = "FLUXGRAPH_BINDINGS_DIR"
)

// serverNames are the binary names searched for, in order.
var serverNames = []string{"fluxgraph-server", "fluxgraph-server.exe"}

// buildDirs are the conventional build output locations searched for the
// server binary, relative to the project root.
var buildDirs = []string{
	"build/server",
	"build/server/Release",
	"build/server/Debug",
	"build-server",
	"build-server/Release",
	"build-server/Debug",
}

// bindingFiles are the generated client files the harness requires before
// any RPC is attempted.
var bindingFiles = []string{"fluxgraph.pb.go", "fluxgraph_grpc.pb.go"}

// generateTimeout bounds the binding-generation script invocation.
const generateTimeout = 2 * time.Minute

// Session is the explicit, idempotent test-session state. Construct one per
// session with New and pass it to every consumer.
type Session struct {
	root string

	serverOnce sync.Once
	serverExe  string
	serverErr  error

	bindOnce    sync.Once
	bindingsDir string
	bindErr     error
}

// New creates a session rooted at the given project directory. An empty root
// means the current working directory.
func New(root string) *Session {
	if root == "" {
		if cwd, err := os.Getwd(); err == nil {
			root = cwd
		} else {
			root = "."
		}
	}
	return &Session{root: root}
}

// Root returns the project root directory the session resolves against.
func (s *Session) Root() string {
	return s.root
}

// ServerBinary resolves the server executable path exactly once: the
// environment override first, then the conventional build directories. A
// missing binary is a configuration error, fatal to the run.
func (s *Session) ServerBinary() (string, error) {
	s.serverOnce.Do(func() {
		s.serverExe, s.serverErr = s.findServerBinary()
	})
	return s.serverExe, s.serverErr
}

func (s *Session) findServerBinary() (string, error) {
	if envPath := os.Getenv(ServerExeEnv); envPath != "" {
		if info, err := os.Stat(envPath); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(envPath)
			if err == nil {
				return abs, nil
			}
			return envPath, nil
		}
		// Warn but fall back to the search if the env var points nowhere.
		slog.Warn("Server binary from environment does not exist, falling back to search",
			"env", ServerExeEnv, "path", envPath)
	}

	for _, dir := range buildDirs {
		for _, name := range serverNames {
			candidate := filepath.Join(s.root, dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				abs, err := filepath.Abs(candidate)
				if err == nil {
					return abs, nil
				}
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("%w: could not find server executable under %s (build the server first, or set %s)",
		harness.ErrConfiguration, s.root, ServerExeEnv)
}

// EnsureBindings verifies that the generated protocol client exists in the
// bindings directory, invoking the project's generation script once if it
// does not. The harness never regenerates or interprets the schema itself;
// it only requires the generated client to be importable from a known
// directory before any RPC is attempted.
func (s *Session) EnsureBindings(ctx context.Context) (string, error) {
	s.bindOnce.Do(func() {
		s.bindingsDir, s.bindErr = s.ensureBindings(ctx)
	})
	return s.bindingsDir, s.bindErr
}

func (s *Session) ensureBindings(ctx context.Context) (string, error) {
	dir := os.Getenv(BindingsDirEnv)
	if dir == "" {
		dir = filepath.Join(s.root, "build-server", "bindings")
	}

	if missing := missingBindings(dir); len(missing) == 0 {
		return dir, nil
	}

	script := filepath.Join(s.root, "scripts", generateScriptName())
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("%w: bindings missing from %s and no generation script at %s",
			harness.ErrConfiguration, dir, script)
	}

	slog.Info("Generating protocol bindings", "script", script, "dir", dir)

	genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	cmd := exec.CommandContext(genCtx, script, dir)
	cmd.Dir = s.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: binding generation failed: %v\noutput:\n%s",
			harness.ErrConfiguration, err, out)
	}

	if missing := missingBindings(dir); len(missing) > 0 {
		return "", fmt.Errorf("%w: bindings still missing after generation in %s: %v",
			harness.ErrConfiguration, dir, missing)
	}
	return dir, nil
}

func missingBindings(dir string) []string {
	var missing []string
	for _, name := range bindingFiles {
		if info, err := os.Stat(filepath.Join(dir, name)); err != nil || info.IsDir() {
			missing = append(missing, name)
		}
	}
	return missing
}

func generateScriptName() string {
	if runtime.GOOS == "windows" {
		return "generate_proto_go.ps1"
	}
	return "generate_proto_go.sh"
}
