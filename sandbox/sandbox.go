package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/apexlabs/infergate/gwerrors"
)

const truncationMarker = "\n...[truncated]"

// Config bundles the recognized sandbox options from spec.md §6.
type Config struct {
	AllowBash   bool
	JailRoot    string
	ExecTimeout time.Duration
	MaxOutput   int
}

// Sandbox executes allowlisted commands per the six-stage pipeline from
// spec.md §4.11.
type Sandbox struct {
	cfg       Config
	jail      *Jail
	allowlist map[string]ToolAllowlist
	redactor  *Redactor
	audit     *AuditLog
	drainPace *rate.Limiter // paces stdout/stderr drain reads independently of the distributed limiter
}

func New(cfg Config, jail *Jail, allowlist map[string]ToolAllowlist, redactor *Redactor, audit *AuditLog) *Sandbox {
	return &Sandbox{
		cfg:       cfg,
		jail:      jail,
		allowlist: allowlist,
		redactor:  redactor,
		audit:     audit,
		drainPace: rate.NewLimiter(rate.Limit(50<<20), 1<<20), // 50MiB/s, 1MiB burst
	}
}

// Result is the outcome of one command execution.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
}

// Run executes cmdline through the full pipeline: tokenize, allowlist,
// jail, exec (no shell, scrubbed env, timeout + output cap, process-group
// kill), redact.
func (s *Sandbox) Run(ctx context.Context, cmdline string) (Result, error) {
	tokens, err := Tokenize(cmdline)
	if err != nil {
		s.auditDeny(cmdline, nil, err)
		return Result{}, err
	}
	if tokens[0] == "bash" || tokens[0] == "sh" {
		if !s.cfg.AllowBash {
			err := gwerrors.New(gwerrors.SandboxViolation, "sandbox.run", errBinaryNotAllowed)
			s.auditDeny(cmdline, tokens, err)
			return Result{}, err
		}
	}
	if err := CheckAllowlist(tokens, s.allowlist); err != nil {
		s.auditDeny(cmdline, tokens, err)
		return Result{}, err
	}

	resolvedArgs, err := s.jail.ResolveArgs(tokens[1:])
	if err != nil {
		s.auditDeny(cmdline, tokens, err)
		return Result{}, err
	}

	timeout := s.cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, tokens[0], resolvedArgs...)
	cmd.Dir = s.jail.Root
	cmd.Env = []string{"PATH=/usr/bin:/bin"} // minimal PATH, no credentials (spec.md §4.11 step 4)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr capBuffer
	stdout.max = s.cfg.MaxOutput
	stderr.max = s.cfg.MaxOutput
	stdout.pace, stderr.pace = s.drainPace, s.drainPace
	stdout.ctx, stderr.ctx = execCtx, execCtx
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Start()
	if runErr == nil {
		// safety ceiling: kill the whole process group unconditionally at
		// 2x the configured timeout, in case CommandContext's own signal
		// doesn't reach a wayward child (spec.md §5).
		pgid := cmd.Process.Pid
		ceiling := time.AfterFunc(2*timeout, func() {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		})
		runErr = cmd.Wait()
		ceiling.Stop()
	}
	duration := time.Since(start)

	timedOut := execCtx.Err() == context.DeadlineExceeded

	res := Result{
		ExitCode:  cmd.ProcessState.ExitCode(),
		Stdout:    s.redactor.Redact(stdout.String()),
		Stderr:    s.redactor.Redact(stderr.String()),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  duration,
	}

	s.auditAllow(cmdline, tokens, duration, len(res.Stdout)+len(res.Stderr))

	if timedOut {
		return res, gwerrors.New(gwerrors.SandboxTimeout, "sandbox.run", nil)
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return res, gwerrors.New(gwerrors.IO, "sandbox.run", runErr)
		}
	}
	return res, nil
}

func (s *Sandbox) auditAllow(cmdline string, tokens []string, d time.Duration, outBytes int) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(AuditRecord{
		At: time.Now().UTC(), Action: "allow", Command: cmdline, Args: tokens,
		Duration: d.String(), OutBytes: outBytes,
	})
}

func (s *Sandbox) auditDeny(cmdline string, tokens []string, err error) {
	if s.audit == nil {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	_ = s.audit.Record(AuditRecord{
		At: time.Now().UTC(), Action: "deny", Command: cmdline, Args: tokens, Reason: reason,
	})
}

// capBuffer is an io.Writer that stops accumulating past max bytes,
// appending a trailing truncation marker (spec.md §4.11 "output caps use a
// trailing-truncation marker"), and paces its drain through a token bucket
// independent of the distributed rate limiter so one runaway command can't
// monopolize the host's I/O.
type capBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
	pace      *rate.Limiter
	ctx       context.Context
}

func (c *capBuffer) Write(p []byte) (int, error) {
	if c.pace != nil && c.ctx != nil {
		if err := c.pace.WaitN(c.ctx, len(p)); err != nil {
			return 0, err
		}
	}
	if c.max <= 0 {
		return c.buf.Write(p)
	}
	remaining := c.max - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *capBuffer) String() string {
	if c.truncated {
		return c.buf.String() + truncationMarker
	}
	return c.buf.String()
}
