// Package log provides the structured, leveled logger used throughout the
// gateway. It intentionally mirrors the calling convention of the teacher
// project's own log package: Info(msg, "key", value, "key2", value2).
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level identifies the severity of a log record, most severe first.
type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Level) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

var levelColor = map[Level]color.Attribute{
	LvlCrit:  color.FgMagenta,
	LvlError: color.FgRed,
	LvlWarn:  color.FgYellow,
	LvlInfo:  color.FgGreen,
	LvlDebug: color.FgCyan,
	LvlTrace: color.FgWhite,
}

// Logger is the narrow interface every component depends on. There is no
// package-global logger required by library code; cmd/gatewayd wires a root
// instance and passes it down via constructors.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	// With returns a derived Logger that prepends the given key/value pairs
	// to every record it emits.
	With(ctx ...interface{}) Logger
}

type logger struct {
	mu      *sync.Mutex
	out     io.Writer
	color   bool
	lvl     Level
	prefix  []interface{}
	nowFunc func() time.Time
}

// New constructs a root Logger writing to out at the given verbosity. When
// out is a terminal, records are color-coded the way the teacher's CLI tools
// color their own console output (client/cmd/r5/misccmd.go uses fatih/color
// for similar status lines).
func New(out io.Writer, lvl Level) Logger {
	useColor := false
	if f, ok := out.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd())
		if useColor {
			out = colorable.NewColorable(f)
		}
	}
	return &logger{
		mu:      &sync.Mutex{},
		out:     out,
		color:   useColor,
		lvl:     lvl,
		nowFunc: time.Now,
	}
}

// NewCLI is the convenience constructor used by cmd/gatewayd.
func NewCLI(lvl Level) Logger {
	return New(os.Stderr, lvl)
}

func (l *logger) With(ctx ...interface{}) Logger {
	nl := *l
	nl.prefix = append(append([]interface{}{}, l.prefix...), ctx...)
	return &nl
}

func (l *logger) write(lvl Level, msg string, ctx []interface{}) {
	if lvl > l.lvl {
		return
	}
	var site string
	if lvl <= LvlWarn {
		call := stack.Caller(2)
		site = fmt.Sprintf("%+v", call)
	}
	all := append(append([]interface{}{}, l.prefix...), ctx...)

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.nowFunc().UTC().Format(time.RFC3339Nano)
	levelTag := lvl.String()
	if l.color {
		levelTag = color.New(levelColor[lvl]).Sprintf("%-5s", lvl.String())
	}
	line := fmt.Sprintf("%s [%s] %s", ts, levelTag, msg)
	if site != "" {
		line += fmt.Sprintf(" site=%s", site)
	}
	for i := 0; i+1 < len(all); i += 2 {
		line += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		line += fmt.Sprintf(" %v=MISSING", all[len(all)-1])
	}
	fmt.Fprintln(l.out, line)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

// Noop returns a Logger that discards every record; useful in tests that
// don't want to assert on log output.
func Noop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Trace(string, ...interface{})    {}
func (noopLogger) Debug(string, ...interface{})    {}
func (noopLogger) Info(string, ...interface{})     {}
func (noopLogger) Warn(string, ...interface{})     {}
func (noopLogger) Error(string, ...interface{})    {}
func (noopLogger) Crit(string, ...interface{})     {}
func (noopLogger) With(...interface{}) Logger      { return noopLogger{} }
