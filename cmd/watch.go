package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.fluxgraph.dev/stagehand/internal/harness"
)

// rebuildSettle is how long the watcher waits after the last write event
// before relaunching, so a build that streams the binary out in chunks
// triggers one restart, not dozens.
const rebuildSettle = 500 * time.Millisecond

func NewWatchCommand() *cobra.Command {
	flags := &launchFlags{}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Supervise the server and relaunch it when the binary is rebuilt",
		Long: `Watch behaves like up, but additionally watches the server binary and
runs a fresh launch/readiness cycle whenever it changes - the edit-build-
test loop without manual restarts. The current endpoint is printed after
every successful (re)launch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := resolveLaunch(cmd, flags)
			if err != nil {
				return err
			}
			if plan.hist != nil {
				defer plan.hist.Close()
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create file watcher: %w", err)
			}
			defer watcher.Close()

			// Watch the directory, not the file: builds typically replace
			// the binary (rename/create), which drops a file-level watch.
			if err := watcher.Add(filepath.Dir(plan.exe)); err != nil {
				return fmt.Errorf("failed to watch %s: %w", filepath.Dir(plan.exe), err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var managed *harness.ManagedProcess
			stopCurrent := func() {
				if managed == nil {
					return
				}
				if err := managed.Stop(); err != nil {
					slog.Error("Failed to stop server", "pid", managed.Pid(), "error", err)
				}
				managed = nil
			}
			defer stopCurrent()

			launch := func() error {
				stopCurrent()
				sup := newSupervisor(plan)
				m, err := sup.Start(cmd.Context())
				if err != nil {
					return err
				}
				managed = m
				fmt.Println(managed.Addr())
				return nil
			}

			if err := launch(); err != nil {
				return err
			}

			var settle *time.Timer
			settleCh := func() <-chan time.Time {
				if settle == nil {
					return nil
				}
				return settle.C
			}

			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Clean(event.Name) != filepath.Clean(plan.exe) {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
						continue
					}
					slog.Info("Server binary changed, scheduling relaunch", "op", event.Op)
					if settle == nil {
						settle = time.NewTimer(rebuildSettle)
					} else {
						settle.Reset(rebuildSettle)
					}

				case <-settleCh():
					settle = nil
					slog.Info("Relaunching server after rebuild")
					if err := launch(); err != nil {
						// A broken build should not kill the watch loop;
						// the next rebuild gets another chance.
						slog.Error("Relaunch failed, waiting for next rebuild", "error", err)
					}

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					slog.Warn("File watcher error", "error", err)

				case sig := <-sigCh:
					slog.Info("Received signal, tearing down", "signal", sig)
					return nil

				case <-managedDone(managed):
					_, code := managed.Exited()
					slog.Error("Server exited unexpectedly, waiting for rebuild",
						"code", code)
					stopCurrent()
				}
			}
		},
	}
	registerLaunchFlags(watchCmd, flags)

	return watchCmd
}

// managedDone returns the process-exit channel, or nil (blocking forever in
// a select) when no server is currently up.
func managedDone(m *harness.ManagedProcess) <-chan struct{} {
	if m == nil {
		return nil
	}
	return m.Done()
}
