package core

// ExecSpec is an immutable request to run one subprocess. Every path in it
// has been canonicalized and checked against the jail before construction;
// nothing downstream re-validates.
type ExecSpec struct {
	BinaryPath     string            `json:"binary_path"`
	Args           []string          `json:"args"`
	WorkingDir     string            `json:"working_dir"`
	TimeoutMs      int64             `json:"timeout_ms"`
	Env            map[string]string `json:"env,omitempty"`
	MaxOutputBytes int64             `json:"max_output_bytes"`
	SessionID      string            `json:"session_id,omitempty"`
}

// ExecResult is the outcome of one dispatched ExecSpec.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Truncated  bool   `json:"truncated"`
	DurationMs int64  `json:"duration_ms"`
}

// CompletionResult is the normalized output of one upstream model call.
type CompletionResult struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// Usage counts tokens for one completion. Zero values mean the adapter did
// not report usage and the caller should estimate.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
