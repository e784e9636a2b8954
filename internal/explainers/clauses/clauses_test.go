package clauses

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dejo1307/dbtlens/internal/extractors/sqlextractor"
	"github.com/dejo1307/dbtlens/internal/facts"
)

func TestExplain(t *testing.T) {
	s := facts.NewStore()
	s.Add(sqlextractor.ModelFacts("shop", "models/good.sql", "with a as (select 1) select * from a")...)
	s.Add(sqlextractor.ModelFacts("shop", "models/open.sql", "with a as (select 1), b as (select 2)")...)
	s.Add(sqlextractor.ModelFacts("shop", "models/nested.sql", "select 1;\nwith a as (select 1) with b as (select 2) select 1")...)

	insights, err := New().Explain(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, insights, 2)

	nested := insights[0]
	assert.Equal(t, "Nested WITH in nested", nested.Title)
	assert.Equal(t, "models/nested.sql", nested.Evidence[0].File)
	assert.Equal(t, 2, nested.Evidence[0].Line)

	open := insights[1]
	assert.Equal(t, "Unterminated WITH in open", open.Title)
	assert.Contains(t, open.Description, "defines 2 CTEs")
}

func TestExplain_Clean(t *testing.T) {
	s := facts.NewStore()
	s.Add(sqlextractor.ModelFacts("shop", "models/plain.sql", "select 1")...)

	insights, err := New().Explain(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, insights)
}
