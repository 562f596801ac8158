package sandbox

import (
	"encoding/json"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditRecord is one allow/deny decision (spec.md §4.11 step 6).
type AuditRecord struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"` // "allow" | "deny"
	Command  string    `json:"command"`
	Args     []string  `json:"args"`
	Duration string    `json:"duration,omitempty"`
	OutBytes int       `json:"out_bytes,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// AuditLog is a rotating, size-capped append-only log backed by
// gopkg.in/natefinch/lumberjack.v2 (teacher dep).
type AuditLog struct {
	w *lumberjack.Logger
}

func NewAuditLog(path string, maxSizeMB, maxBackups int) *AuditLog {
	return &AuditLog{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}
}

func (a *AuditLog) Close() error { return a.w.Close() }

func (a *AuditLog) Record(rec AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = a.w.Write(line)
	return err
}
