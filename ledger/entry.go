// Package ledger implements the per-tenant JSONL cost journal described in
// spec.md §4.2: CRC32 integrity, recovery, rotation, and archival. Grounded
// on the retrieval pack's Kelpejol-consonant-engine and Synnergy ledger
// implementations for the append/recompute shape, and on the teacher's
// core/rawdb freezer for rotation/retention idiom.
package ledger

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"regexp"
	"time"

	"github.com/holiman/uint256"
)

// BillingMethod is the closed set from spec.md §3.
type BillingMethod string

const (
	BillingProviderReported BillingMethod = "provider_reported"
	BillingByteEstimated    BillingMethod = "byte_estimated"
	BillingReconciled       BillingMethod = "reconciled"
)

// MaxEntryBytes is the default ceiling so a serialized line never exceeds
// the POSIX O_APPEND atomicity guarantee (spec.md §3).
const MaxEntryBytes = 4096

const SchemaVersion = 2

// Entry is ledger entry v2 (spec.md §3/§6). Cost fields are decimal integer
// strings in micro-USD, never floats.
type Entry struct {
	SchemaVersion      int           `json:"schema_version"`
	Timestamp          time.Time     `json:"timestamp"`
	TraceID            string        `json:"trace_id"`
	Agent              string        `json:"agent,omitempty"`
	Provider           string        `json:"provider"`
	Model              string        `json:"model"`
	ProjectID          string        `json:"project_id,omitempty"`
	PhaseID            string        `json:"phase_id,omitempty"`
	SprintID           string        `json:"sprint_id,omitempty"`
	TenantID           string        `json:"tenant_id"`
	NFTID              string        `json:"nft_id,omitempty"`
	PoolID             string        `json:"pool_id,omitempty"`
	EnsembleID         string        `json:"ensemble_id,omitempty"`
	PromptTokens       int64         `json:"prompt_tokens"`
	CompletionTokens   int64         `json:"completion_tokens"`
	ReasoningTokens    int64         `json:"reasoning_tokens"`
	InputCostMicro     string        `json:"input_cost_micro"`
	OutputCostMicro    string        `json:"output_cost_micro"`
	ReasoningCostMicro string        `json:"reasoning_cost_micro"`
	TotalCostMicro     string        `json:"total_cost_micro"`
	PriceTableVersion  string        `json:"price_table_version"`
	BillingMethod      BillingMethod `json:"billing_method"`
	CRC32              string        `json:"crc32"`
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidTenantID enforces the strict allowlist from spec.md §4.2: no path
// separators, no "..", alphanumeric plus "-_" only.
func ValidTenantID(tenant string) bool {
	return tenant != "" && tenantIDPattern.MatchString(tenant)
}

// canonicalJSON serializes e with CRC32 cleared, the bytes the checksum is
// computed over.
func (e Entry) canonicalJSON() ([]byte, error) {
	clone := e
	clone.CRC32 = ""
	return json.Marshal(clone)
}

// StampCRC32 computes and sets e.CRC32 (CRC-32/IEEE, 8-hex lowercase).
func (e *Entry) StampCRC32() error {
	b, err := e.canonicalJSON()
	if err != nil {
		return err
	}
	e.CRC32 = fmt.Sprintf("%08x", crc32.ChecksumIEEE(b))
	return nil
}

// VerifyCRC32 reports whether e.CRC32 matches e's content.
func (e Entry) VerifyCRC32() bool {
	b, err := e.canonicalJSON()
	if err != nil {
		return false
	}
	return e.CRC32 == fmt.Sprintf("%08x", crc32.ChecksumIEEE(b))
}

// Line serializes e as a single newline-terminated JSON line.
func (e Entry) Line() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func parseEntryLine(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, err
	}
	if e.SchemaVersion != SchemaVersion {
		return Entry{}, fmt.Errorf("unsupported schema version %d", e.SchemaVersion)
	}
	return e, nil
}

// ValidateTotalCost checks the invariant total = input + output + reasoning,
// using uint256 so the arithmetic is exact integer math in micro-USD
// (spec.md §3 "never floats").
func (e Entry) ValidateTotalCost() error {
	in, err := parseMicro(e.InputCostMicro)
	if err != nil {
		return fmt.Errorf("input_cost_micro: %w", err)
	}
	out, err := parseMicro(e.OutputCostMicro)
	if err != nil {
		return fmt.Errorf("output_cost_micro: %w", err)
	}
	reason, err := parseMicro(e.ReasoningCostMicro)
	if err != nil {
		return fmt.Errorf("reasoning_cost_micro: %w", err)
	}
	total, err := parseMicro(e.TotalCostMicro)
	if err != nil {
		return fmt.Errorf("total_cost_micro: %w", err)
	}
	sum := new(uint256.Int).Add(in, out)
	sum.Add(sum, reason)
	if sum.Cmp(total) != 0 {
		return fmt.Errorf("total_cost_micro %s != input+output+reasoning %s", e.TotalCostMicro, sum.Dec())
	}
	return nil
}

func parseMicro(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, overflow := uint256.FromDecimal(s)
	if overflow != nil {
		return nil, overflow
	}
	return v, nil
}
