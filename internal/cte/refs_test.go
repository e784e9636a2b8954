package cte

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chain = "WITH a AS (SELECT 1), b AS (SELECT * FROM a), c AS (SELECT * FROM b JOIN a ON true) SELECT * FROM c"

func TestReferences(t *testing.T) {
	ds := Scan(chain)
	require.Len(t, ds, 3)

	refs := References(chain, ds)
	assert.Empty(t, refs[0])
	assert.Equal(t, []int{0}, refs[1])
	assert.Equal(t, []int{0, 1}, refs[2])
}

func TestReferences_IgnoresLiteralsAndOtherClauses(t *testing.T) {
	t.Run("string literal", func(t *testing.T) {
		text := "WITH a AS (SELECT 1), b AS (SELECT 'a' AS x) SELECT 1"
		ds := Scan(text)
		require.Len(t, ds, 2)
		assert.Empty(t, References(text, ds)[1])
	})

	t.Run("other clause", func(t *testing.T) {
		text := "WITH a AS (SELECT 1) SELECT * FROM a; WITH b AS (SELECT * FROM a) SELECT * FROM b"
		ds := Scan(text)
		require.Len(t, ds, 2)
		assert.Empty(t, References(text, ds)[1])
	})

	t.Run("longer identifier", func(t *testing.T) {
		text := "WITH a AS (SELECT 1), b AS (SELECT * FROM ab) SELECT 1"
		ds := Scan(text)
		require.Len(t, ds, 2)
		assert.Empty(t, References(text, ds)[1])
	})
}

func TestReferences_NameForms(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"case insensitive", "WITH Orders AS (SELECT 1), b AS (SELECT * FROM ORDERS) SELECT 1", true},
		{"column qualifier", "WITH a AS (SELECT 1 AS id), b AS (SELECT a.id FROM t) SELECT 1", true},
		{"qualified name", "WITH sch.t AS (SELECT 1), b AS (SELECT * FROM SCH.T) SELECT 1", true},
		{"quoted keeps case", `WITH "A" AS (SELECT 1), b AS (SELECT * FROM "A") SELECT 1`, true},
		{"quoted case mismatch", `WITH "A" AS (SELECT 1), b AS (SELECT * FROM "a") SELECT 1`, false},
		{"bracket quoted", "WITH [my t] AS (SELECT 1), b AS (SELECT * FROM [my t]) SELECT 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := Scan(tt.text)
			require.Len(t, ds, 2)
			refs := References(tt.text, ds)
			assert.Equal(t, tt.want, len(refs[1]) == 1 && refs[1][0] == 0)
		})
	}
}

func TestDependencies(t *testing.T) {
	ds := Scan(chain)
	refs := References(chain, ds)

	assert.Empty(t, Dependencies(refs, 0))
	assert.Equal(t, []int{0}, Dependencies(refs, 1))
	assert.Equal(t, []int{0, 1}, Dependencies(refs, 2))
}

func TestDependencies_Cycle(t *testing.T) {
	refs := [][]int{{1}, {0}, {2}}
	assert.Equal(t, []int{1}, Dependencies(refs, 0))
	assert.Empty(t, Dependencies(refs, 2))
}

func TestRecursive(t *testing.T) {
	text := "WITH RECURSIVE r AS (SELECT 1 UNION ALL SELECT n FROM r), s AS (SELECT 2) SELECT * FROM r"
	ds := Scan(text)
	require.Equal(t, []string{"r", "s"}, names(ds))

	refs := References(text, ds)
	assert.True(t, Recursive(refs, 0))
	assert.False(t, Recursive(refs, 1))
}

func TestFind(t *testing.T) {
	ds := Scan(chain)
	assert.Equal(t, 1, Find(ds, "B"))
	assert.Equal(t, 2, Find(ds, "c"))
	assert.Equal(t, -1, Find(ds, "missing"))
	assert.Equal(t, -1, Find(nil, "a"))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Orders", "orders"},
		{`"Orders"`, "Orders"},
		{`sch."T"`, "sch.T"},
		{"DB.Schema.T", "db.schema.t"},
		{"[My T]", "My T"},
		{"`x`", "x"},
		{`"a""b"`, `a"b`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestQueryFor(t *testing.T) {
	ds := Scan(chain)

	q, err := QueryFor(chain, ds, 0)
	require.NoError(t, err)
	assert.Equal(t, "WITH a AS (SELECT 1)\nSELECT * FROM a", q)

	q, err = QueryFor(chain, ds, 1)
	require.NoError(t, err)
	assert.Equal(t, "WITH a AS (SELECT 1),\nb AS (SELECT * FROM a)\nSELECT * FROM b", q)

	q, err = QueryFor(chain, ds, 2)
	require.NoError(t, err)
	assert.Equal(t,
		"WITH a AS (SELECT 1),\nb AS (SELECT * FROM a),\nc AS (SELECT * FROM b JOIN a ON true)\nSELECT * FROM c", q)
}

func TestQueryFor_SkipsUnrelated(t *testing.T) {
	text := "WITH a AS (SELECT 1), b AS (SELECT 2), c AS (SELECT * FROM b) SELECT * FROM c"
	ds := Scan(text)

	q, err := QueryFor(text, ds, 2)
	require.NoError(t, err)
	assert.Equal(t, "WITH b AS (SELECT 2),\nc AS (SELECT * FROM b)\nSELECT * FROM c", q)
}

func TestQueryFor_RecursiveAndColumns(t *testing.T) {
	text := "with recursive r (n) as (select 1 union all select n + 1 from r where n < 5) select * from r"
	ds := Scan(text)
	require.Len(t, ds, 1)

	q, err := QueryFor(text, ds, 0)
	require.NoError(t, err)
	assert.Equal(t, "WITH RECURSIVE r (n) AS (select 1 union all select n + 1 from r where n < 5)\nSELECT * FROM r", q)
}

func TestQueryFor_OutOfRange(t *testing.T) {
	ds := Scan(chain)
	for _, pos := range []int{-1, 3} {
		_, err := QueryFor(chain, ds, pos)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
	}
}

func TestSelectReferences(t *testing.T) {
	t.Run("final select", func(t *testing.T) {
		res := Analyze(chain)
		require.Len(t, res.Clauses, 1)
		assert.Equal(t, []int{2}, SelectReferences(chain, res.CTEs, res.Clauses[0]))
	})

	t.Run("stops at semicolon", func(t *testing.T) {
		text := "WITH a AS (SELECT 1), b AS (SELECT 2) SELECT * FROM a; SELECT * FROM b"
		res := Analyze(text)
		assert.Equal(t, []int{0}, SelectReferences(text, res.CTEs, res.Clauses[0]))
	})

	t.Run("inner clause stops at enclosing paren", func(t *testing.T) {
		text := "WITH x AS (WITH y AS (SELECT 1) SELECT * FROM y) SELECT * FROM x"
		res := Analyze(text)
		require.Len(t, res.Clauses, 2)
		// CTEs: x (outer), y (outer, resumed), y (inner)
		require.Equal(t, []string{"x", "y", "y"}, names(res.CTEs))
		assert.Equal(t, []int{0}, SelectReferences(text, res.CTEs, res.Clauses[0]))
		assert.Equal(t, []int{2}, SelectReferences(text, res.CTEs, res.Clauses[1]))
	})

	t.Run("literal is not a reference", func(t *testing.T) {
		text := "WITH a AS (SELECT 1) SELECT 'a'"
		res := Analyze(text)
		assert.Empty(t, SelectReferences(text, res.CTEs, res.Clauses[0]))
	})

	t.Run("unterminated clause", func(t *testing.T) {
		text := "WITH a AS (SELECT 1)"
		res := Analyze(text)
		assert.Nil(t, SelectReferences(text, res.CTEs, res.Clauses[0]))
	})
}
