package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/apexlabs/infergate/gwerrors"
)

var errEscapesJail = errors.New("escapes jail")

// Jail resolves command arguments that look like paths against root,
// refusing traversal outside it and rejecting symlinks whose target
// escapes it (spec.md §4.11 step 3).
type Jail struct {
	Root string
}

func NewJail(root string) (*Jail, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, gwerrors.New(gwerrors.ConfigInvalid, "sandbox.jail", err)
	}
	return &Jail{Root: abs}, nil
}

// looksLikePath is a conservative heuristic: any token that contains a
// path separator or starts with '.' or '/' is resolved and checked; plain
// words (subcommands, flag names) are left untouched.
func looksLikePath(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "-") {
		return false
	}
	return strings.ContainsRune(tok, '/') || strings.HasPrefix(tok, ".")
}

// ResolveArgs rewrites every path-looking token to an absolute path inside
// the jail, or returns an error if any resolves outside root.
func (j *Jail) ResolveArgs(tokens []string) ([]string, error) {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		if !looksLikePath(tok) {
			out[i] = tok
			continue
		}
		resolved, err := j.resolve(tok)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

func (j *Jail) resolve(rel string) (string, error) {
	joined := filepath.Join(j.Root, rel)
	clean := filepath.Clean(joined)
	if !j.within(clean) {
		return "", gwerrors.New(gwerrors.SandboxViolation, "sandbox.jail", errEscapesJail)
	}

	// Resolve symlinks component by component so a link target that
	// escapes the jail is rejected even if the link itself lives inside.
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if os.IsNotExist(err) {
			// Path doesn't exist yet (e.g. a write target); the
			// non-symlink resolution above already bounded it.
			return clean, nil
		}
		return "", gwerrors.New(gwerrors.IO, "sandbox.jail.resolve", err)
	}
	if !j.within(resolved) {
		return "", gwerrors.New(gwerrors.SandboxViolation, "sandbox.jail", errEscapesJail)
	}
	return resolved, nil
}

func (j *Jail) within(p string) bool {
	rel, err := filepath.Rel(j.Root, p)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
