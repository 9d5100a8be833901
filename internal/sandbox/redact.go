package sandbox

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	// Credential shapes recognizable by prefix alone.
	prefixPattern = regexp.MustCompile(`\b(dk_[A-Za-z0-9_.\-]{8,}|sk-[A-Za-z0-9_\-]{16,}|AKIA[0-9A-Z]{12,})`)
	// Assignment forms: key=..., token: ..., etc. The long run after the
	// separator is the secret.
	assignPattern = regexp.MustCompile(`(?i)\b(key|token|secret|password)(\s*[:=]\s*)([A-Za-z0-9+/_\-.=]{8,})`)
)

// Redactor scrubs credential material from subprocess output before it
// leaves the sandbox boundary.
type Redactor struct {
	secrets []string
}

// NewRedactor captures the explicit secret values from the sanitized
// environment. Short values are dropped: redacting them would shred
// unrelated output.
func NewRedactor(env map[string]string) *Redactor {
	r := &Redactor{}
	for _, v := range env {
		if len(v) >= 8 {
			r.secrets = append(r.secrets, v)
		}
	}
	return r
}

func (r *Redactor) Redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	s = prefixPattern.ReplaceAllString(s, redacted)
	s = assignPattern.ReplaceAllString(s, "${1}${2}"+redacted)
	return s
}
