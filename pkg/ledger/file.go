package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileBackend stores change records as day-partitioned JSONL files:
// <dir>/changes-YYYYMMDD.jsonl. Partitions are append-only; closed partitions
// are immutable and may be shipped to a blob store.
type FileBackend struct {
	Dir string

	mu sync.Mutex
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: dir}
}

func partitionName(s Seq) string {
	t := time.UnixMilli(s.UnixMilli).UTC()
	return fmt.Sprintf("changes-%s.jsonl", t.Format("20060102"))
}

func (b *FileBackend) Append(ctx context.Context, recs []ChangeRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}

	// Records in one append may straddle a partition boundary at midnight.
	var (
		f    *os.File
		w    *bufio.Writer
		open string
	)
	closeCurrent := func() error {
		if f == nil {
			return nil
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}

	for _, rec := range recs {
		part := partitionName(rec.Seq)
		if part != open {
			if err := closeCurrent(); err != nil {
				return err
			}
			var err error
			f, err = os.OpenFile(filepath.Join(b.Dir, part), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			w = bufio.NewWriter(f)
			open = part
		}
		data, err := json.Marshal(rec)
		if err != nil {
			closeCurrent()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			closeCurrent()
			return err
		}
	}
	return closeCurrent()
}

func (b *FileBackend) Scan(ctx context.Context, after Seq, limit int, fn func(ChangeRecord) error) error {
	parts, err := b.partitions()
	if err != nil {
		return err
	}

	seen := 0
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(b.Dir, part))
		if err != nil {
			return err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			var rec ChangeRecord
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				// A torn final line from a crashed writer is skipped; any
				// complete record after it would have a later seq anyway.
				continue
			}
			if !after.Less(rec.Seq) {
				continue
			}
			if err := fn(rec); err != nil {
				f.Close()
				return err
			}
			seen++
			if limit > 0 && seen >= limit {
				f.Close()
				return nil
			}
		}
		if err := sc.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

func (b *FileBackend) Last(ctx context.Context) (Seq, error) {
	last := Zero
	err := b.Scan(ctx, Zero, 0, func(rec ChangeRecord) error {
		if last.Less(rec.Seq) {
			last = rec.Seq
		}
		return nil
	})
	return last, err
}

// ClosedPartitions lists partition files older than the current day.
// These are immutable and safe to ship elsewhere.
func (b *FileBackend) ClosedPartitions() ([]string, error) {
	parts, err := b.partitions()
	if err != nil {
		return nil, err
	}
	today := partitionName(Seq{UnixMilli: time.Now().UnixMilli()})
	var closed []string
	for _, p := range parts {
		if p < today {
			closed = append(closed, p)
		}
	}
	return closed, nil
}

func (b *FileBackend) partitions() ([]string, error) {
	entries, err := os.ReadDir(b.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "changes-") && strings.HasSuffix(name, ".jsonl") {
			parts = append(parts, name)
		}
	}
	// Partition names sort chronologically.
	sort.Strings(parts)
	return parts, nil
}
