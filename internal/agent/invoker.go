package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"

	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/workerpool"
)

// Environment variables on the adapter side of the contract.
const (
	envProviderConfig = "FINN_PROVIDER_CONFIG"
	envAdapterInput   = "FINN_ADAPTER_INPUT"
)

const defaultMaxTokens = 1024

type dispatcher interface {
	Submit(ctx context.Context, lane workerpool.Lane, spec *core.ExecSpec) (*core.ExecResult, error)
}

// Config builds an Invoker.
type Config struct {
	AdapterBinary  string
	TimeoutMs      int64
	MaxOutputBytes int64
	// BaseEnv is the sanitized environment handed to every adapter run;
	// provider credentials ride along by env var name only.
	BaseEnv map[string]string
}

// Request is one model invocation.
type Request struct {
	Provider  string
	Model     string
	MaxTokens int
	Input     string
	SessionID string
}

// Invoker dispatches adapter subprocesses through the worker pool and
// normalizes their output.
type Invoker struct {
	registry *Registry
	pool     dispatcher
	cfg      Config
}

func NewInvoker(registry *Registry, pool dispatcher, cfg Config) *Invoker {
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 30000
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	return &Invoker{registry: registry, pool: pool, cfg: cfg}
}

// Invoke runs one completion. A crashed or timed-out worker has already been
// replaced, so those two failures get exactly one immediate retry on the
// fresh process.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*core.CompletionResult, error) {
	spec, err := inv.buildSpec(req)
	if err != nil {
		return nil, err
	}

	result, err := inv.pool.Submit(ctx, workerpool.LaneInteractive, spec)
	if err != nil && core.Retryable(core.KindOf(err)) {
		slog.Warn("[AgentInvoker] retrying after worker failure",
			"provider", req.Provider, "model", req.Model, "error", err)
		result, err = inv.pool.Submit(ctx, workerpool.LaneInteractive, spec)
	}
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, core.Ef(core.KindInternal, "adapter exited %d", result.ExitCode)
	}

	var completion core.CompletionResult
	if err := json.Unmarshal([]byte(result.Stdout), &completion); err != nil {
		return nil, core.Wrap(core.KindInternal, "undecodable adapter output", err)
	}
	if completion.Model == "" {
		completion.Model = req.Model
	}
	if completion.Usage.InputTokens == 0 && completion.Usage.OutputTokens == 0 {
		completion.Usage.InputTokens = estimateTokens(req.Input)
		completion.Usage.OutputTokens = estimateTokens(completion.Text)
	}
	return &completion, nil
}

func (inv *Invoker) buildSpec(req Request) (*core.ExecSpec, error) {
	provider, err := inv.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	providerJSON, err := json.Marshal(provider)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "encode provider config", err)
	}

	env := make(map[string]string, len(inv.cfg.BaseEnv)+2)
	for k, v := range inv.cfg.BaseEnv {
		env[k] = v
	}
	env[envProviderConfig] = string(providerJSON)
	env[envAdapterInput] = req.Input

	return &core.ExecSpec{
		BinaryPath: inv.cfg.AdapterBinary,
		Args: []string{
			"--provider", provider.Name,
			"--model", req.Model,
			"--max-tokens", strconv.Itoa(maxTokens),
		},
		TimeoutMs:      inv.cfg.TimeoutMs,
		Env:            env,
		MaxOutputBytes: inv.cfg.MaxOutputBytes,
		SessionID:      req.SessionID,
	}, nil
}

// estimateTokens approximates a token count at 3.5 characters per token for
// adapters that do not report usage.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / 3.5))
}
