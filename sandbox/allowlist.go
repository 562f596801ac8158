package sandbox

import (
	"errors"
	"strings"

	"github.com/apexlabs/infergate/gwerrors"
)

// ToolAllowlist describes one allowlisted binary. For multi-verb tools
// (e.g. git) Subcommands restricts the required first positional argument
// and DeniedFlags blocks dangerous flags in both `-c value` and `-c=value`
// forms (spec.md §4.11 step 2).
type ToolAllowlist struct {
	Binary      string
	Subcommands []string // empty = no subcommand required
	DeniedFlags []string
}

var (
	errBinaryNotAllowed     = errors.New("binary not allowed")
	errSubcommandNotAllowed = errors.New("subcommand not allowed")
	errFlagDenied           = errors.New("flag denied")
)

// CheckAllowlist validates tokens[0] (and, for multi-verb tools,
// tokens[1]) against the allowlist, and rejects any denied flag.
func CheckAllowlist(tokens []string, allowlist map[string]ToolAllowlist) error {
	tool, ok := allowlist[tokens[0]]
	if !ok {
		return gwerrors.New(gwerrors.SandboxViolation, "sandbox.allowlist", errBinaryNotAllowed)
	}

	rest := tokens[1:]
	if len(tool.Subcommands) > 0 {
		if len(rest) == 0 {
			return gwerrors.New(gwerrors.SandboxViolation, "sandbox.allowlist", errSubcommandNotAllowed)
		}
		sub := rest[0]
		allowed := false
		for _, s := range tool.Subcommands {
			if s == sub {
				allowed = true
				break
			}
		}
		if !allowed {
			return gwerrors.New(gwerrors.SandboxViolation, "sandbox.allowlist", errSubcommandNotAllowed)
		}
		rest = rest[1:]
	}

	for _, arg := range rest {
		flag, _, _ := strings.Cut(arg, "=")
		for _, denied := range tool.DeniedFlags {
			if flag == denied || arg == denied {
				return gwerrors.New(gwerrors.SandboxViolation, "sandbox.allowlist", errFlagDenied)
			}
		}
	}
	return nil
}
