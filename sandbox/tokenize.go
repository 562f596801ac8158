// Package sandbox implements the allowlisted subprocess tool execution
// pipeline from spec.md §4.11: tokenize, allowlist-check, jail paths, exec
// with no shell and a scrubbed environment, redact secrets from output, and
// audit every decision. Grounded on the teacher's
// client/crypto/signify/signify_fuzz.go (exec.Command with a fixed,
// explicit argument list, never through a shell) and on
// gopkg.in/natefinch/lumberjack.v2 (teacher dep) for the rotating audit
// log.
package sandbox

import (
	"errors"
	"strings"

	"github.com/apexlabs/infergate/gwerrors"
)

// metacharacters is the denylist from spec.md §4.11 step 1.
const metacharacters = "|&;$`()><#"

var (
	errEmptyCommand  = errors.New("empty command")
	errMetacharacter = errors.New("metacharacters")
)

// Tokenize splits cmdline by whitespace, rejecting empty input and any
// token containing a shell metacharacter.
func Tokenize(cmdline string) ([]string, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, gwerrors.New(gwerrors.SandboxViolation, "sandbox.tokenize", errEmptyCommand)
	}
	for _, tok := range fields {
		if strings.ContainsAny(tok, metacharacters) {
			return nil, gwerrors.New(gwerrors.SandboxViolation, "sandbox.tokenize", errMetacharacter)
		}
	}
	return fields, nil
}
