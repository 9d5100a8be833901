package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/loa-labs/loa-finn/internal/core"
)

// validatePath confines one candidate argument to the jail. The check is
// lexical first (clean, prefix against jailRoot) and then physical: every
// existing component on the way down is Lstat'd, and any symlink rejects the
// whole command even when its target lands back inside the jail. jailRoot
// must already be realpath-resolved.
func validatePath(jailRoot, candidate string) (string, error) {
	p := candidate
	if !filepath.IsAbs(p) {
		p = filepath.Join(jailRoot, p)
	}
	p = filepath.Clean(p)

	if p != jailRoot && !strings.HasPrefix(p, jailRoot+string(filepath.Separator)) {
		return "", core.Ef(core.KindSandboxViolation, "path escapes jail: %s", candidate)
	}

	// Walk component by component. A component that does not exist yet ends
	// the walk: nothing real remains to point elsewhere.
	cur := jailRoot
	rel := strings.TrimPrefix(p, jailRoot)
	for _, comp := range strings.Split(rel, string(filepath.Separator)) {
		if comp == "" {
			continue
		}
		cur = filepath.Join(cur, comp)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", core.Wrap(core.KindSandboxViolation, "cannot inspect path component", err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", core.Ef(core.KindSandboxViolation, "symlink in path: %s", candidate)
		}
	}
	return p, nil
}

// isPathArg reports whether a validated token should be treated as a file
// argument. Flags and pure option values are skipped.
func isPathArg(tok string) bool {
	return !strings.HasPrefix(tok, "-")
}
