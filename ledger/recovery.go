package ledger

import (
	"bufio"
	"bytes"
	"os"

	"github.com/apexlabs/infergate/gwerrors"
)

// Recover scans the tenant's live file line by line (spec.md §4.2): valid
// v2 entries survive; a malformed FINAL line is interpreted as a crash
// mid-write and truncated silently; malformed MIDDLE lines are dropped and
// counted as corruption; CRC32 mismatches are dropped. The file is
// rewritten with only surviving entries.
func (l *Ledger) Recover(tenant string) (RecoverStats, error) {
	q := l.queueFor(tenant)
	q.mu.Lock()
	defer q.mu.Unlock()

	path := l.livePath(tenant)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return RecoverStats{}, nil
	}
	if err != nil {
		return RecoverStats{}, gwerrors.New(gwerrors.IO, "ledger.recover.read", err)
	}

	lines := splitLines(raw)
	var stats RecoverStats
	stats.TotalLines = len(lines)

	var survivors [][]byte
	for i, line := range lines {
		isLast := i == len(lines)-1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, perr := parseEntryLine(line)
		if perr != nil {
			if isLast {
				stats.Truncated++
			} else {
				stats.Corrupted++
			}
			continue
		}
		if !e.VerifyCRC32() {
			stats.Corrupted++
			continue
		}
		survivors = append(survivors, line)
		stats.SurvivingEntries++
	}

	rewritten := bytes.Join(survivors, []byte("\n"))
	if len(rewritten) > 0 {
		rewritten = append(rewritten, '\n')
	}
	if err := os.WriteFile(path, rewritten, 0o644); err != nil {
		return stats, gwerrors.New(gwerrors.IO, "ledger.recover.write", err)
	}
	return stats, nil
}

// splitLines splits raw bytes on '\n' without the trailing empty element a
// naive bytes.Split would leave for a file ending in a newline, so the last
// element returned is genuinely the last written line (or a partial one).
func splitLines(raw []byte) [][]byte {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var lines [][]byte
	for sc.Scan() {
		b := make([]byte, len(sc.Bytes()))
		copy(b, sc.Bytes())
		lines = append(lines, b)
	}
	// bufio.Scanner's default split function (ScanLines) silently drops a
	// final unterminated line shorter than... no: it returns it as the last
	// token. But it will not report *empty* remainder data after the final
	// newline, which is what we want: a file "a\nb\n" yields ["a","b"], and
	// "a\nb" (no trailing newline, e.g. a crash mid-write) yields ["a","b"]
	// too, indistinguishable from a clean final line. Truncation detection
	// therefore relies on JSON parse failure of that last line, not on the
	// presence/absence of a trailing newline.
	return lines
}
