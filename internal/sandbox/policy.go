// Package sandbox vets subprocess command lines before they reach the worker
// pool. Every command passes the same pipeline: gate, tokenize, policy
// lookup, flag and path validation, audit, dispatch, redaction. The executor
// fails closed at every step it cannot positively clear.
package sandbox

import (
	"strings"

	"github.com/loa-labs/loa-finn/internal/core"
)

// metachars are rejected anywhere inside a token. The command line is never
// handed to a shell, so these have no legitimate use and their presence
// signals an injection attempt.
const metachars = "|&;$`(){}!<>\\#~"

// Tokenize splits a command line on whitespace and rejects any token
// carrying shell metacharacters or quotes.
func Tokenize(line string) ([]string, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, core.E(core.KindSandboxViolation, "empty command")
	}
	for _, tok := range tokens {
		if strings.ContainsAny(tok, metachars) || strings.ContainsAny(tok, `'"`) {
			return nil, core.Ef(core.KindSandboxViolation, "forbidden character in token %q", tok)
		}
	}
	return tokens, nil
}

// Policy describes what one allowed binary may do. A binary with no policy
// entry is denied outright.
type Policy struct {
	// Subcommands, when non-empty, allowlists the first non-flag argument.
	Subcommands []string
	// DeniedFlags are rejected in exact, --long=value, and combined short
	// forms.
	DeniedFlags []string
	// TakesPaths subjects every non-flag argument to jail validation.
	TakesPaths bool
	// ReadOnly commands may proceed on audit-append failure; everything
	// else fails closed.
	ReadOnly bool
}

// DefaultPolicies covers the utilities agent personas are allowed to reach.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"ls":   {TakesPaths: true, ReadOnly: true, DeniedFlags: []string{"--dereference"}},
		"cat":  {TakesPaths: true, ReadOnly: true},
		"head": {TakesPaths: true, ReadOnly: true},
		"tail": {TakesPaths: true, ReadOnly: true, DeniedFlags: []string{"-f", "--follow"}},
		"wc":   {TakesPaths: true, ReadOnly: true},
		"grep": {TakesPaths: true, ReadOnly: true, DeniedFlags: []string{"-P", "--perl-regexp"}},
		"find": {TakesPaths: true, ReadOnly: true, DeniedFlags: []string{"-exec", "-execdir", "-delete", "-ok", "-okdir"}},
		"mkdir": {TakesPaths: true},
		"cp":    {TakesPaths: true, DeniedFlags: []string{"-L", "--dereference"}},
		"mv":    {TakesPaths: true},
		"rm":    {TakesPaths: true, DeniedFlags: []string{"-r", "-R", "--recursive", "-f", "--force"}},
		"git": {
			TakesPaths:  false,
			Subcommands: []string{"status", "log", "diff", "show", "branch"},
			DeniedFlags: []string{"--exec-path", "--upload-pack", "--receive-pack", "-c"},
		},
	}
}

// checkSubcommand enforces the policy's allowlist against the first
// non-flag argument.
func checkSubcommand(p Policy, args []string) error {
	if len(p.Subcommands) == 0 {
		return nil
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		for _, allowed := range p.Subcommands {
			if arg == allowed {
				return nil
			}
		}
		return core.Ef(core.KindSandboxViolation, "subcommand %q not permitted", arg)
	}
	return core.E(core.KindSandboxViolation, "subcommand required")
}

// checkFlags rejects denied flags in every spelling: exact, --long=value,
// and letters folded into a combined short group like -rf.
func checkFlags(p Policy, args []string) error {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		for _, denied := range p.DeniedFlags {
			if arg == denied {
				return core.Ef(core.KindSandboxViolation, "flag %q not permitted", arg)
			}
			if strings.HasPrefix(denied, "--") && strings.HasPrefix(arg, denied+"=") {
				return core.Ef(core.KindSandboxViolation, "flag %q not permitted", arg)
			}
			// Combined short form: -x denied catches -ax, -xv, etc.
			if len(denied) == 2 && denied[0] == '-' && denied[1] != '-' &&
				len(arg) > 1 && arg[1] != '-' && strings.ContainsRune(arg[1:], rune(denied[1])) {
				return core.Ef(core.KindSandboxViolation, "flag %q carries denied %q", arg, denied)
			}
		}
	}
	return nil
}
