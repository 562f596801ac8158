package ledger

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/apexlabs/infergate/gwerrors"
	"github.com/apexlabs/infergate/log"
)

// Config holds the recognized Ledger options from spec.md §6.
type Config struct {
	BaseDir        string
	Fsync          bool
	RotationAge    time.Duration
	RetentionAge   time.Duration
	MaxEntryBytes  int
}

func (c Config) withDefaults() Config {
	if c.MaxEntryBytes <= 0 {
		c.MaxEntryBytes = MaxEntryBytes
	}
	if c.RotationAge <= 0 {
		c.RotationAge = 7 * 24 * time.Hour
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 90 * 24 * time.Hour
	}
	return c
}

// RecoverStats is returned by Recover.
type RecoverStats struct {
	TotalLines       int
	SurvivingEntries int
	Corrupted        int
	Truncated        int
}

// RecomputeStats is returned by Recompute.
type RecomputeStats struct {
	TotalEntries      int
	DuplicatesRemoved int
	TotalCostMicro    string
}

// tenantQueue serializes writes to one tenant's file so two appends never
// interleave (spec.md §4.2 "per-tenant ordered chain of pending writes").
type tenantQueue struct {
	mu sync.Mutex
}

// Ledger is the per-tenant cost journal.
type Ledger struct {
	cfg Config
	log log.Logger

	mu      sync.Mutex
	queues  map[string]*tenantQueue
}

// Open constructs a Ledger rooted at cfg.BaseDir.
func Open(cfg Config, logger log.Logger) (*Ledger, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Noop()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, gwerrors.New(gwerrors.IO, "ledger.open", err)
	}
	return &Ledger{cfg: cfg, log: logger, queues: make(map[string]*tenantQueue)}, nil
}

func (l *Ledger) tenantDir(tenant string) string {
	return filepath.Join(l.cfg.BaseDir, tenant)
}

func (l *Ledger) livePath(tenant string) string {
	return filepath.Join(l.tenantDir(tenant), "usage.jsonl")
}

func (l *Ledger) queueFor(tenant string) *tenantQueue {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[tenant]
	if !ok {
		q = &tenantQueue{}
		l.queues[tenant] = q
	}
	return q
}

// Append stamps CRC32, rejects oversize entries, and appends under the
// tenant's single-writer lock using O_APPEND (spec.md §4.2).
func (l *Ledger) Append(tenant string, e Entry) error {
	if !ValidTenantID(tenant) {
		return gwerrors.New(gwerrors.BudgetInvalid, "ledger.append", fmt.Errorf("invalid tenant id %q", tenant))
	}
	e.TenantID = tenant
	e.SchemaVersion = SchemaVersion
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := e.ValidateTotalCost(); err != nil {
		return gwerrors.New(gwerrors.BudgetInvalid, "ledger.append", err)
	}
	if err := e.StampCRC32(); err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.append.crc32", err)
	}
	line, err := e.Line()
	if err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.append.marshal", err)
	}
	if len(line) > l.cfg.MaxEntryBytes {
		return gwerrors.New(gwerrors.BudgetInvalid, "ledger.append", fmt.Errorf("entry is %d bytes, exceeds max %d", len(line), l.cfg.MaxEntryBytes))
	}

	q := l.queueFor(tenant)
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(l.tenantDir(tenant), 0o755); err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.append.mkdir", err)
	}
	f, err := os.OpenFile(l.livePath(tenant), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.append.open", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.append.write", err)
	}
	if l.cfg.Fsync {
		if err := f.Sync(); err != nil {
			return gwerrors.New(gwerrors.IO, "ledger.append.fdatasync", err)
		}
	}
	return nil
}

// GetTenantIds lists tenants with a ledger directory.
func (l *Ledger) GetTenantIds() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gwerrors.New(gwerrors.IO, "ledger.get_tenant_ids", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CountEntries counts surviving lines in the tenant's live file.
func (l *Ledger) CountEntries(tenant string) (int, error) {
	n := 0
	err := l.ScanEntries(tenant, func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// ScanEntries lazily visits every valid entry in the tenant's live file,
// without loading the whole file into memory at once.
func (l *Ledger) ScanEntries(tenant string, visit func(Entry) error) error {
	q := l.queueFor(tenant)
	q.mu.Lock()
	path := l.livePath(tenant)
	f, err := os.Open(path)
	q.mu.Unlock()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.scan", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		e, perr := parseEntryLine(line)
		if perr != nil {
			continue
		}
		if err := visit(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Recompute scans, deduplicates by trace id (last occurrence wins - a later
// "reconciled" correction supersedes an earlier "provider_reported" guess),
// and sums costs with uint256 arbitrary-precision-for-all-practical-values
// integer arithmetic (spec.md §4.2).
func (l *Ledger) Recompute(tenant string) (RecomputeStats, error) {
	byTrace := make(map[string]Entry)
	order := make([]string, 0)
	total := 0
	err := l.ScanEntries(tenant, func(e Entry) error {
		total++
		if _, seen := byTrace[e.TraceID]; !seen {
			order = append(order, e.TraceID)
		}
		byTrace[e.TraceID] = e
		return nil
	})
	if err != nil {
		return RecomputeStats{}, err
	}

	sum := uint256.NewInt(0)
	for _, trace := range order {
		e := byTrace[trace]
		v, overflow := uint256.FromDecimal(e.TotalCostMicro)
		if overflow != nil {
			continue
		}
		sum.Add(sum, v)
	}

	return RecomputeStats{
		TotalEntries:      len(order),
		DuplicatesRemoved: total - len(order),
		TotalCostMicro:    sum.Dec(),
	}, nil
}

// Rotate compresses the live file to usage.YYYY-MM-DD.jsonl.gz (suffixed on
// collision) and truncates the live file, when it's older than the
// configured rotation age.
func (l *Ledger) Rotate(tenant string) error {
	q := l.queueFor(tenant)
	q.mu.Lock()
	defer q.mu.Unlock()

	path := l.livePath(tenant)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.rotate.stat", err)
	}
	if time.Since(info.ModTime()) < l.cfg.RotationAge {
		return nil
	}

	archiveName := fmt.Sprintf("usage.%s.jsonl.gz", time.Now().UTC().Format("2006-01-02"))
	archivePath := filepath.Join(l.tenantDir(tenant), archiveName)
	for suffix := 1; pathExists(archivePath); suffix++ {
		archivePath = filepath.Join(l.tenantDir(tenant), fmt.Sprintf("usage.%s-%d.jsonl.gz", time.Now().UTC().Format("2006-01-02"), suffix))
	}

	src, err := os.Open(path)
	if err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.rotate.open", err)
	}
	defer src.Close()

	dst, err := os.Create(archivePath)
	if err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.rotate.create", err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		return gwerrors.New(gwerrors.IO, "ledger.rotate.compress", err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return gwerrors.New(gwerrors.IO, "ledger.rotate.gzip_close", err)
	}
	if err := dst.Close(); err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.rotate.close", err)
	}

	if err := os.Truncate(path, 0); err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.rotate.truncate", err)
	}
	l.log.Info("ledger: rotated tenant usage file", "tenant", tenant, "archive", archiveName)
	return nil
}

// CleanRetention deletes archives older than the configured retention age.
func (l *Ledger) CleanRetention(tenant string) error {
	entries, err := os.ReadDir(l.tenantDir(tenant))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return gwerrors.New(gwerrors.IO, "ledger.clean_retention", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".jsonl.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > l.cfg.RetentionAge {
			p := filepath.Join(l.tenantDir(tenant), e.Name())
			if err := os.Remove(p); err != nil {
				l.log.Warn("ledger: failed to remove expired archive", "path", p, "err", err)
			}
		}
	}
	return nil
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
