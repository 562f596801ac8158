package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testAllowlist() map[string]ToolAllowlist {
	return map[string]ToolAllowlist{
		"git": {Binary: "git", Subcommands: []string{"log", "status", "show"}},
		"ls":  {Binary: "ls"},
		"cat": {Binary: "cat"},
	}
}

func TestTokenizeRejectsMetacharacters(t *testing.T) {
	_, err := Tokenize("ls | cat")
	require.Error(t, err)
}

func TestTokenizeRejectsEmpty(t *testing.T) {
	_, err := Tokenize("   ")
	require.Error(t, err)
}

func TestAllowlistRejectsUnknownBinary(t *testing.T) {
	err := CheckAllowlist([]string{"curl", "http://evil"}, testAllowlist())
	require.Error(t, err)
}

func TestAllowlistRejectsDisallowedSubcommand(t *testing.T) {
	err := CheckAllowlist([]string{"git", "push"}, testAllowlist())
	require.Error(t, err)
}

func TestAllowlistAcceptsAllowedSubcommand(t *testing.T) {
	err := CheckAllowlist([]string{"git", "log", "--oneline"}, testAllowlist())
	require.NoError(t, err)
}

func TestJailRejectsTraversalOutsideRoot(t *testing.T) {
	root := t.TempDir()
	jail, err := NewJail(root)
	require.NoError(t, err)
	_, err = jail.ResolveArgs([]string{"../../../etc/passwd"})
	require.Error(t, err)
}

func TestJailResolvesPathsInsideRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	jail, err := NewJail(root)
	require.NoError(t, err)
	resolved, err := jail.ResolveArgs([]string{"./a.txt"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a.txt"), resolved[0])
}

func TestRedactorMasksKnownAndPatternSecrets(t *testing.T) {
	r := NewRedactor([]string{"s3cr3t-value"})
	patternKey := "sk-ant-" + strings.Repeat("x", 24)
	out := r.Redact("token=s3cr3t-value and key=" + patternKey)
	require.NotContains(t, out, "s3cr3t-value")
	require.NotContains(t, out, patternKey)
	require.Contains(t, out, redactedMarker)
}

// Scenario 7 from spec.md §8.
func TestSandboxRunGitLogSucceeds(t *testing.T) {
	root := t.TempDir()
	runGit(t, root, "init")
	runGit(t, root, "config", "user.email", "a@b.c")
	runGit(t, root, "config", "user.name", "a")
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644))
	runGit(t, root, "add", "f.txt")
	runGit(t, root, "commit", "-m", "init")

	jail, err := NewJail(root)
	require.NoError(t, err)
	allowlist := map[string]ToolAllowlist{
		"git": {Binary: "git", Subcommands: []string{"log", "status"}, DeniedFlags: []string{"--upload-pack"}},
	}
	sb := New(Config{JailRoot: root, ExecTimeout: 5 * time.Second, MaxOutput: 1 << 16}, jail, allowlist, NewRedactor(nil), nil)

	res, err := sb.Run(context.Background(), "git log --oneline")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
}

func TestSandboxRunDeniesDisallowedSubcommand(t *testing.T) {
	root := t.TempDir()
	jail, err := NewJail(root)
	require.NoError(t, err)
	allowlist := map[string]ToolAllowlist{"git": {Binary: "git", Subcommands: []string{"log"}}}
	sb := New(Config{JailRoot: root, ExecTimeout: time.Second}, jail, allowlist, NewRedactor(nil), nil)

	_, err = sb.Run(context.Background(), "git push")
	require.Error(t, err)
}

func TestSandboxRunDeniesMetacharacters(t *testing.T) {
	root := t.TempDir()
	jail, err := NewJail(root)
	require.NoError(t, err)
	sb := New(Config{JailRoot: root, ExecTimeout: time.Second}, jail, testAllowlist(), NewRedactor(nil), nil)

	_, err = sb.Run(context.Background(), "ls | cat")
	require.Error(t, err)
}

func TestSandboxRunDeniesJailEscape(t *testing.T) {
	root := t.TempDir()
	jail, err := NewJail(root)
	require.NoError(t, err)
	sb := New(Config{JailRoot: root, ExecTimeout: time.Second}, jail, testAllowlist(), NewRedactor(nil), nil)

	_, err = sb.Run(context.Background(), "cat ../../../etc/passwd")
	require.Error(t, err)
}

func TestSandboxRunTimesOutOnSlowCommand(t *testing.T) {
	root := t.TempDir()
	jail, err := NewJail(root)
	require.NoError(t, err)
	allowlist := map[string]ToolAllowlist{"sleep": {Binary: "sleep"}}
	sb := New(Config{JailRoot: root, ExecTimeout: 20 * time.Millisecond}, jail, allowlist, NewRedactor(nil), nil)

	_, err = sb.Run(context.Background(), "sleep 5")
	require.Error(t, err)
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	jail, err := NewJail(dir)
	require.NoError(t, err)
	sb := New(Config{JailRoot: dir, ExecTimeout: 5 * time.Second}, jail,
		map[string]ToolAllowlist{"git": {Binary: "git", Subcommands: args[:1]}}, NewRedactor(nil), nil)
	cmdline := "git"
	for _, a := range args {
		cmdline += " " + a
	}
	_, err = sb.Run(context.Background(), cmdline)
	require.NoError(t, err)
}
