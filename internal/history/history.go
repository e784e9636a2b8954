// Package history keeps the queries executed during one server session.
package history

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dejo1307/dbtlens/internal/config"
	"github.com/dejo1307/dbtlens/internal/logger"
)

// Entry is one executed query.
type Entry struct {
	ID          string           `json:"id"`
	RawSQL      string           `json:"rawSql"`
	CompiledSQL string           `json:"compiledSql"`
	Timestamp   time.Time        `json:"timestamp"`
	DurationMS  int64            `json:"duration"`
	Adapter     string           `json:"adapter,omitempty"`
	ProjectName string           `json:"projectName,omitempty"`
	ModelName   string           `json:"modelName,omitempty"`
	ColumnNames []string         `json:"columnNames"`
	ColumnTypes []string         `json:"columnTypes"`
	Data        []map[string]any `json:"data"`
}

// Buffer is a bounded, newest-first list of entries. It is safe for
// concurrent use.
type Buffer struct {
	mu         sync.RWMutex
	entries    []Entry
	sizes      []int // encoded size of each entry
	disabled   bool
	maxBytes   int
	maxEntries int
	now        func() time.Time
}

// New returns a buffer bounded by cfg.
func New(cfg config.HistoryConfig) *Buffer {
	return &Buffer{
		disabled:   cfg.Disabled,
		maxBytes:   cfg.MaxBytes,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
	}
}

// Enabled reports whether Add records anything.
func (b *Buffer) Enabled() bool {
	return !b.disabled
}

// Add records e at the front. ID and Timestamp are filled when empty. The
// oldest entries are dropped while the encoded buffer is over the byte cap,
// then the buffer is cut to the entry cap. The newest entry is always kept.
// The stored entry is returned; ok is false when history is disabled.
func (b *Buffer) Add(e Entry) (stored Entry, ok bool) {
	if b.disabled {
		return Entry{}, false
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	size := encodedSize(e)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append([]Entry{e}, b.entries...)
	b.sizes = append([]int{size}, b.sizes...)

	dropped := 0
	for len(b.entries) > 1 && b.maxBytes > 0 && b.totalSize() > b.maxBytes {
		b.entries = b.entries[:len(b.entries)-1]
		b.sizes = b.sizes[:len(b.sizes)-1]
		dropped++
	}
	if b.maxEntries > 0 && len(b.entries) > b.maxEntries {
		dropped += len(b.entries) - b.maxEntries
		b.entries = b.entries[:b.maxEntries]
		b.sizes = b.sizes[:b.maxEntries]
	}
	if dropped > 0 {
		logger.Debug("[history] dropped %d old entries", dropped)
	}
	return e, true
}

// totalSize is the length of the buffer encoded as a JSON array.
func (b *Buffer) totalSize() int {
	if len(b.sizes) == 0 {
		return len("[]")
	}
	total := len("[]") + len(b.sizes) - 1
	for _, s := range b.sizes {
		total += s
	}
	return total
}

// List returns the entries, newest first.
func (b *Buffer) List() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear removes every entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.sizes = nil
}

func encodedSize(e Entry) int {
	data, err := json.Marshal(e)
	if err != nil {
		// rows holding values json cannot encode; count them as large
		return 1 << 20
	}
	return len(data)
}
