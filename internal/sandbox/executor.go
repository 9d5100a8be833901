package sandbox

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/workerpool"
)

// dispatcher is the slice of the worker pool the executor needs.
type dispatcher interface {
	Submit(ctx context.Context, lane workerpool.Lane, spec *core.ExecSpec) (*core.ExecResult, error)
}

// Config builds an Executor.
type Config struct {
	Enabled        bool
	JailRoot       string
	Policies       map[string]Policy
	Audit          *AuditLog
	Env            map[string]string
	MaxOutputBytes int64
	Pool           dispatcher
}

// Executor runs policy-vetted commands inside the jail. Binaries are
// realpath-resolved once at construction so a later swap of the path target
// cannot change what executes.
type Executor struct {
	enabled  bool
	jailRoot string
	policies map[string]Policy
	binaries map[string]string
	audit    *AuditLog
	env      map[string]string
	maxOut   int64
	pool     dispatcher
	redactor *Redactor
}

func New(cfg Config) (*Executor, error) {
	e := &Executor{
		enabled:  cfg.Enabled,
		policies: cfg.Policies,
		binaries: make(map[string]string),
		audit:    cfg.Audit,
		env:      cfg.Env,
		maxOut:   cfg.MaxOutputBytes,
		pool:     cfg.Pool,
		redactor: NewRedactor(cfg.Env),
	}
	if e.policies == nil {
		e.policies = DefaultPolicies()
	}
	if e.maxOut == 0 {
		e.maxOut = 1 << 20
	}
	if !cfg.Enabled {
		return e, nil
	}

	root, err := filepath.EvalSymlinks(cfg.JailRoot)
	if err != nil {
		return nil, core.Wrap(core.KindSandboxViolation, "jail root unresolvable", err)
	}
	e.jailRoot = root

	for name := range e.policies {
		path, err := exec.LookPath(name)
		if err != nil {
			slog.Warn("[Sandbox] policy binary not on PATH", "binary", name)
			continue
		}
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			slog.Warn("[Sandbox] policy binary unresolvable", "binary", name, "error", err)
			continue
		}
		e.binaries[name] = real
	}
	return e, nil
}

// Execute vets one command line and dispatches it. The returned result has
// secret material scrubbed from stdout and stderr.
func (e *Executor) Execute(ctx context.Context, line string, timeoutMs int64, session string) (*core.ExecResult, error) {
	if !e.enabled {
		return nil, core.E(core.KindSandboxDisabled, "command execution is disabled")
	}

	tokens, err := Tokenize(line)
	if err != nil {
		e.deny(line, nil, err)
		return nil, err
	}
	name := filepath.Base(tokens[0])
	args := tokens[1:]

	policy, ok := e.policies[name]
	if !ok {
		err := core.Ef(core.KindSandboxViolation, "command %q not permitted", name)
		e.deny(name, args, err)
		return nil, err
	}
	if err := checkSubcommand(policy, args); err != nil {
		e.deny(name, args, err)
		return nil, err
	}
	if err := checkFlags(policy, args); err != nil {
		e.deny(name, args, err)
		return nil, err
	}
	if policy.TakesPaths {
		for i, arg := range args {
			if !isPathArg(arg) {
				continue
			}
			resolved, err := validatePath(e.jailRoot, arg)
			if err != nil {
				e.deny(name, args, err)
				return nil, err
			}
			args[i] = resolved
		}
	}

	binary, ok := e.binaries[name]
	if !ok {
		err := core.Ef(core.KindSandboxViolation, "binary for %q unavailable", name)
		e.deny(name, args, err)
		return nil, err
	}

	if err := e.audit.Append(AuditEntry{Action: "allow", Command: name, Args: args}); err != nil {
		if !policy.ReadOnly {
			return nil, core.Wrap(core.KindSandboxViolation, "audit append failed", err)
		}
		slog.Warn("[Sandbox] audit unavailable, read-only command proceeding",
			"command", name, "error", err)
	}

	spec := &core.ExecSpec{
		BinaryPath:     binary,
		Args:           args,
		WorkingDir:     e.jailRoot,
		TimeoutMs:      timeoutMs,
		Env:            e.env,
		MaxOutputBytes: e.maxOut,
		SessionID:      session,
	}

	start := time.Now()
	result, err := e.pool.Submit(ctx, workerpool.LaneInteractive, spec)
	if err != nil {
		return nil, err
	}

	result.Stdout = e.redactor.Redact(result.Stdout)
	result.Stderr = e.redactor.Redact(result.Stderr)

	if aerr := e.audit.Append(AuditEntry{
		Action:     "update",
		Command:    name,
		Args:       args,
		Duration:   time.Since(start).Milliseconds(),
		OutputSize: len(result.Stdout) + len(result.Stderr),
	}); aerr != nil {
		slog.Warn("[Sandbox] audit update failed", "command", name, "error", aerr)
	}
	return result, nil
}

func (e *Executor) deny(command string, args []string, cause error) {
	if err := e.audit.Append(AuditEntry{
		Action: "deny", Command: command, Args: args, Reason: cause.Error(),
	}); err != nil {
		slog.Warn("[Sandbox] audit deny append failed", "command", command, "error", err)
	}
}
