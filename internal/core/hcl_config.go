package core

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"go.fluxgraph.dev/stagehand/internal/harness"
)

// Profile is a launch profile for a service under test, loaded from an HCL
// file. Flags override profile values; the profile overrides built-in
// defaults.
type Profile struct {
	Server    ServerProfile
	Readiness ReadinessProfile
	Teardown  TeardownProfile
}

// ServerProfile describes how to invoke the server binary.
type ServerProfile struct {
	Exe     string            // path to the server binary
	Args    []string          // extra args after --port, e.g. --dt 0.05
	Workdir string            // working directory for the child
	Env     map[string]string // extra environment variables
	UsePTY  bool              // run under a pseudo-terminal
}

// ReadinessProfile holds the probe/retry knobs.
type ReadinessProfile struct {
	Service      string // gRPC health service name
	Attempts     int
	Deadline     string // duration strings, e.g. "10s"
	PollInterval string
	CallTimeout  string
}

// TeardownProfile holds the stop escalation knobs.
type TeardownProfile struct {
	GraceTimeout string
}

// HCL parsing structs

type hclProfile struct {
	Server    *hclServer    `hcl:"server,block"`
	Readiness *hclReadiness `hcl:"readiness,block"`
	Teardown  *hclTeardown  `hcl:"teardown,block"`
}

type hclServer struct {
	Exe     string            `hcl:"exe,optional"`
	Args    []string          `hcl:"args,optional"`
	Workdir string            `hcl:"workdir,optional"`
	Env     map[string]string `hcl:"env,optional"`
	UsePTY  bool              `hcl:"use_pty,optional"`
}

type hclReadiness struct {
	Service      string `hcl:"service,optional"`
	Attempts     int    `hcl:"attempts,optional"`
	Deadline     string `hcl:"deadline,optional"`
	PollInterval string `hcl:"poll_interval,optional"`
	CallTimeout  string `hcl:"call_timeout,optional"`
}

type hclTeardown struct {
	GraceTimeout string `hcl:"grace_timeout,optional"`
}

// LoadProfile parses an HCL profile file. A missing file is not an error
// when optional is true; an unreadable or malformed file always is.
func LoadProfile(path string, optional bool) (*Profile, error) {
	if _, err := os.Stat(path); err != nil {
		if optional && os.IsNotExist(err) {
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("profile file %s: %w", path, err)
	}

	var raw hclProfile
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}

	profile := &Profile{}
	if raw.Server != nil {
		profile.Server = ServerProfile{
			Exe:     raw.Server.Exe,
			Args:    raw.Server.Args,
			Workdir: raw.Server.Workdir,
			Env:     raw.Server.Env,
			UsePTY:  raw.Server.UsePTY,
		}
	}
	if raw.Readiness != nil {
		profile.Readiness = ReadinessProfile(*raw.Readiness)
	}
	if raw.Teardown != nil {
		profile.Teardown = TeardownProfile(*raw.Teardown)
	}
	return profile, nil
}

// HarnessConfig merges the profile's readiness and teardown blocks over the
// harness defaults. Unset fields keep their defaults; malformed durations
// are configuration errors.
func (p *Profile) HarnessConfig() (harness.Config, error) {
	cfg := harness.DefaultConfig()

	if p.Readiness.Service != "" {
		cfg.Service = p.Readiness.Service
	}
	if p.Readiness.Attempts > 0 {
		cfg.MaxAttempts = p.Readiness.Attempts
	}

	durations := []struct {
		value string
		name  string
		dst   *time.Duration
	}{
		{p.Readiness.Deadline, "readiness.deadline", &cfg.Deadline},
		{p.Readiness.PollInterval, "readiness.poll_interval", &cfg.PollInterval},
		{p.Readiness.CallTimeout, "readiness.call_timeout", &cfg.PerCallTimeout},
		{p.Teardown.GraceTimeout, "teardown.grace_timeout", &cfg.GraceTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return cfg, fmt.Errorf("invalid duration for %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// EnvSlice renders the profile's env map as KEY=VALUE strings.
func (p *Profile) EnvSlice() []string {
	if len(p.Server.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(p.Server.Env))
	for k, v := range p.Server.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
