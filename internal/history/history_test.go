package history

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dejo1307/dbtlens/internal/config"
)

func entry(sql string) Entry {
	return Entry{RawSQL: sql, CompiledSQL: sql, ColumnNames: []string{"id"}, ColumnTypes: []string{"number"}}
}

func TestBuffer_NewestFirst(t *testing.T) {
	b := New(config.HistoryConfig{MaxBytes: 1 << 20, MaxEntries: 10})
	b.Add(entry("select 1"))
	b.Add(entry("select 2"))

	list := b.List()
	require.Len(t, list, 2)
	assert.Equal(t, "select 2", list[0].RawSQL)
	assert.Equal(t, "select 1", list[1].RawSQL)
}

func TestBuffer_FillsIDAndTimestamp(t *testing.T) {
	b := New(config.HistoryConfig{MaxEntries: 10})
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	e, ok := b.Add(entry("select 1"))
	require.True(t, ok)
	assert.Len(t, e.ID, 36)
	assert.Equal(t, fixed, e.Timestamp)

	kept, _ := b.Add(Entry{ID: "mine", RawSQL: "x"})
	assert.Equal(t, "mine", kept.ID)
}

func TestBuffer_EntryCap(t *testing.T) {
	b := New(config.HistoryConfig{MaxBytes: 1 << 20, MaxEntries: 10})
	for i := 0; i < 15; i++ {
		b.Add(entry(fmt.Sprintf("select %d", i)))
	}

	list := b.List()
	require.Len(t, list, 10)
	assert.Equal(t, "select 14", list[0].RawSQL)
	assert.Equal(t, "select 5", list[9].RawSQL)
}

func TestBuffer_ByteCapDropsOldest(t *testing.T) {
	big := strings.Repeat("x", 400)
	b := New(config.HistoryConfig{MaxBytes: 2000, MaxEntries: 10})
	for i := 0; i < 6; i++ {
		b.Add(entry(fmt.Sprintf("%d %s", i, big)))
	}

	list := b.List()
	require.NotEmpty(t, list)
	assert.Less(t, len(list), 6)
	assert.True(t, strings.HasPrefix(list[0].RawSQL, "5 "))

	data, err := json.Marshal(list)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), 2000)
}

func TestBuffer_KeepsOversizedNewest(t *testing.T) {
	b := New(config.HistoryConfig{MaxBytes: 10, MaxEntries: 10})
	b.Add(entry("select 1"))
	b.Add(entry("select 2"))

	list := b.List()
	require.Len(t, list, 1)
	assert.Equal(t, "select 2", list[0].RawSQL)
}

func TestBuffer_SizeMatchesEncoding(t *testing.T) {
	b := New(config.HistoryConfig{MaxEntries: 10})
	b.Add(entry("a"))
	b.Add(entry("b"))
	b.Add(entry("c"))

	data, err := json.Marshal(b.List())
	require.NoError(t, err)
	assert.Equal(t, len(data), b.totalSize())
}

func TestBuffer_Disabled(t *testing.T) {
	b := New(config.HistoryConfig{Disabled: true, MaxEntries: 10})
	_, ok := b.Add(entry("select 1"))
	assert.False(t, ok)
	assert.False(t, b.Enabled())
	assert.Empty(t, b.List())
}

func TestBuffer_Clear(t *testing.T) {
	b := New(config.HistoryConfig{MaxEntries: 10})
	b.Add(entry("select 1"))
	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.List())
}

func TestBuffer_Concurrent(t *testing.T) {
	b := New(config.HistoryConfig{MaxBytes: 1 << 20, MaxEntries: 10})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Add(entry(fmt.Sprintf("select %d", i)))
			_ = b.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, b.Len())
}
