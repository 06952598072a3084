package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.fluxgraph.dev/stagehand/internal/core"
	"go.fluxgraph.dev/stagehand/internal/harness"
	"go.fluxgraph.dev/stagehand/internal/history"
	"go.fluxgraph.dev/stagehand/internal/session"
)

// launchFlags collects the per-command knobs shared by run, up, and watch.
// Flag values override the HCL profile, which overrides harness defaults.
type launchFlags struct {
	root      string
	profile   string
	serverExe string
	dt        string
	extraArgs []string
	workdir   string
	usePTY    bool

	attempts     int
	deadline     time.Duration
	pollInterval time.Duration
	callTimeout  time.Duration
	graceTimeout time.Duration
	service      string

	historyPath    string
	ensureBindings bool
}

func registerLaunchFlags(cmd *cobra.Command, f *launchFlags) {
	cmd.Flags().StringVar(&f.root, "root", "", "project root to resolve the server binary against (default: cwd)")
	cmd.Flags().StringVar(&f.profile, "profile", "", "HCL launch profile file")
	cmd.Flags().StringVar(&f.serverExe, "server-exe", "", "path to the fluxgraph server binary (default: $FLUXGRAPH_SERVER_EXE or build dir search)")
	cmd.Flags().StringVar(&f.dt, "dt", "", "fixed simulation timestep in seconds, passed as --dt")
	cmd.Flags().StringArrayVar(&f.extraArgs, "arg", nil, "extra server argument, repeatable")
	cmd.Flags().StringVar(&f.workdir, "workdir", "", "working directory for the server process")
	cmd.Flags().BoolVar(&f.usePTY, "pty", false, "run the server under a pseudo-terminal")

	cmd.Flags().IntVar(&f.attempts, "attempts", 0, "max launch attempts (default 3)")
	cmd.Flags().DurationVar(&f.deadline, "deadline", 0, "readiness deadline per attempt (default 10s)")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 0, "pause between health checks (default 100ms)")
	cmd.Flags().DurationVar(&f.callTimeout, "call-timeout", 0, "timeout per health-check call (default 500ms)")
	cmd.Flags().DurationVar(&f.graceTimeout, "grace-timeout", 0, "wait after SIGTERM before SIGKILL (default 2s)")
	cmd.Flags().StringVar(&f.service, "service", "", "gRPC health service name (default fluxgraph)")

	cmd.Flags().StringVar(&f.historyPath, "history", "", "SQLite file recording attempt events")
	cmd.Flags().BoolVar(&f.ensureBindings, "ensure-bindings", false, "verify/generate protocol bindings before launching")
}

// launchPlan is everything a launching command needs, resolved once.
type launchPlan struct {
	sess        *session.Session
	exe         string
	cfg         harness.Config
	opts        []harness.Option
	hist        *history.Log
	bindingsDir string
}

// resolveLaunch merges defaults, config file, HCL profile, and flags into a
// concrete plan, resolves the server binary, and opens the history log.
func resolveLaunch(cmd *cobra.Command, f *launchFlags) (*launchPlan, error) {
	sess := session.New(f.root)

	profilePath := f.profile
	profileOptional := profilePath == ""
	if profilePath == "" {
		profilePath = filepath.Join(sess.Root(), core.ProfileFileName)
	}
	profile, err := core.LoadProfile(profilePath, profileOptional)
	if err != nil {
		return nil, err
	}

	cfg, err := profile.HarnessConfig()
	if err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)

	// Flags win over profile and config file
	if cmd.Flags().Changed("attempts") {
		cfg.MaxAttempts = f.attempts
	}
	if cmd.Flags().Changed("deadline") {
		cfg.Deadline = f.deadline
	}
	if cmd.Flags().Changed("poll-interval") {
		cfg.PollInterval = f.pollInterval
	}
	if cmd.Flags().Changed("call-timeout") {
		cfg.PerCallTimeout = f.callTimeout
	}
	if cmd.Flags().Changed("grace-timeout") {
		cfg.GraceTimeout = f.graceTimeout
	}
	if f.service != "" {
		cfg.Service = f.service
	}

	exe := f.serverExe
	if exe == "" {
		exe = profile.Server.Exe
	}
	if exe == "" {
		exe, err = sess.ServerBinary()
		if err != nil {
			return nil, err
		}
	}

	var opts []harness.Option
	if len(profile.Server.Args) > 0 {
		opts = append(opts, harness.WithExtraArgs(profile.Server.Args...))
	}
	if f.dt != "" {
		opts = append(opts, harness.WithExtraArgs("--dt", f.dt))
	}
	if len(f.extraArgs) > 0 {
		opts = append(opts, harness.WithExtraArgs(f.extraArgs...))
	}
	if workdir := firstNonEmpty(f.workdir, profile.Server.Workdir); workdir != "" {
		opts = append(opts, harness.WithWorkdir(workdir))
	}
	if env := profile.EnvSlice(); len(env) > 0 {
		opts = append(opts, harness.WithEnv(env...))
	}
	if f.usePTY || profile.Server.UsePTY {
		opts = append(opts, harness.WithPTY())
	}

	plan := &launchPlan{sess: sess, exe: exe, cfg: cfg, opts: opts}

	historyPath := firstNonEmpty(f.historyPath, core.GetHistoryPath())
	if historyPath != "" {
		hist, err := history.Open(historyPath)
		if err != nil {
			// History is diagnostics; a broken log must not block the run.
			slog.Warn("Failed to open history log, continuing without it",
				"path", historyPath, "error", err)
		} else {
			reapLeakedProcesses(hist, exe)
			if err := hist.BeginRun(exe); err != nil {
				slog.Warn("Failed to begin history run", "error", err)
			} else {
				plan.hist = hist
				plan.opts = append(plan.opts, harness.WithRecorder(hist))
			}
		}
	}

	if f.ensureBindings {
		dir, err := plan.sess.EnsureBindings(cmd.Context())
		if err != nil {
			return nil, err
		}
		plan.bindingsDir = dir
	}

	return plan, nil
}

// applyConfigDefaults layers the viper config file values under the profile,
// touching only fields the profile left at harness defaults.
func applyConfigDefaults(cfg *harness.Config) {
	defaults := harness.DefaultConfig()
	if cfg.Service == defaults.Service {
		cfg.Service = core.GetServiceName()
	}
	if cfg.MaxAttempts == defaults.MaxAttempts {
		if n := core.GetMaxAttempts(); n > 0 {
			cfg.MaxAttempts = n
		}
	}
	setDurationDefault := func(dst *time.Duration, current, fallback time.Duration, value string) {
		if current != fallback || value == "" {
			return
		}
		if parsed, err := time.ParseDuration(value); err == nil {
			*dst = parsed
		}
	}
	setDurationDefault(&cfg.Deadline, cfg.Deadline, defaults.Deadline, core.GetDeadline())
	setDurationDefault(&cfg.PollInterval, cfg.PollInterval, defaults.PollInterval, core.GetPollInterval())
	setDurationDefault(&cfg.PerCallTimeout, cfg.PerCallTimeout, defaults.PerCallTimeout, core.GetCallTimeout())
	setDurationDefault(&cfg.GraceTimeout, cfg.GraceTimeout, defaults.GraceTimeout, core.GetGraceTimeout())
}

// reapLeakedProcesses terminates server processes left behind by a previous
// run that died without teardown. PIDs come from the history log and are
// validated against the server binary before any signal is sent.
func reapLeakedProcesses(hist *history.Log, exe string) {
	pids, err := hist.LastRunPIDs()
	if err != nil {
		slog.Debug("Could not query previous run PIDs", "error", err)
		return
	}
	for _, pid := range pids {
		if harness.ReapStalePID(pid, exe) {
			slog.Info("Reaped leaked server process from previous run", "pid", pid)
		}
	}
}

// newSupervisor builds the supervisor from a resolved plan.
func newSupervisor(plan *launchPlan) *harness.Supervisor {
	return harness.NewSupervisor(plan.exe, plan.cfg, plan.opts...)
}

// childEnv builds the wrapped command's environment with the endpoint
// handed off through FLUXGRAPH_* variables.
func childEnv(managed *harness.ManagedProcess, bindingsDir string) []string {
	env := append(os.Environ(),
		fmt.Sprintf("FLUXGRAPH_ADDR=%s", managed.Addr()),
		fmt.Sprintf("FLUXGRAPH_PORT=%d", managed.Port()),
	)
	if bindingsDir != "" {
		env = append(env, fmt.Sprintf("%s=%s", session.BindingsDirEnv, bindingsDir))
	}
	return env
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
