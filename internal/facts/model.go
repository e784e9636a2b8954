package facts

// Fact is one unit of knowledge extracted from a dbt project: a model, a
// WITH clause or a CTE.
type Fact struct {
	Kind      string         `json:"kind"`              // "model", "clause" or "cte"
	Name      string         `json:"name"`              // unique within a snapshot
	File      string         `json:"file,omitempty"`    // relative to the project root
	Line      int            `json:"line,omitempty"`    // 1-based
	Project   string         `json:"project,omitempty"` // dbt project name
	Props     map[string]any `json:"props,omitempty"`
	Relations []Relation     `json:"relations,omitempty"`
}

// Relation is a directed edge between two facts.
type Relation struct {
	Kind   string `json:"kind"`
	Target string `json:"target"` // target fact name
}

// Fact kinds.
const (
	KindModel  = "model"
	KindClause = "clause"
	KindCTE    = "cte"
)

// Relation kinds. A model declares its clauses and CTEs; a CTE depends on
// the CTEs of its clause that its body refers to.
const (
	RelDeclares  = "declares"
	RelDependsOn = "depends_on"
)

// Props keys of CTE and clause facts.
const (
	PropCTE             = "cte" // CTE name as written
	PropModel           = "model"
	PropIndex           = "index"
	PropWithClauseStart = "with_clause_start"
	PropNameSpan        = "name_span"
	PropBodySpan        = "body_span"
	PropColumns         = "columns"
	PropRecursive       = "recursive"
	PropSelected        = "selected" // referenced by the statement's final SELECT
	PropStatus          = "status"
	PropCTECount        = "cte_count"
	PropStart           = "start"
	PropEnd             = "end"
)

// Insight is a finding produced by an explainer.
type Insight struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Confidence  float64    `json:"confidence"` // 0.0 - 1.0
	Evidence    []Evidence `json:"evidence"`
	Actions     []string   `json:"suggested_actions,omitempty"`
}

// Evidence links an insight back to concrete facts and files.
type Evidence struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Fact   string `json:"fact,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Artifact represents a generated output file.
type Artifact struct {
	Name    string `json:"name"` // e.g. "llm_context.md"
	Content []byte `json:"-"`
	Type    string `json:"type"` // MIME type hint
}

// Snapshot holds the complete result of an analysis run.
type Snapshot struct {
	Meta      SnapshotMeta `json:"meta"`
	Facts     []Fact       `json:"facts"`
	Insights  []Insight    `json:"insights"`
	Artifacts []Artifact   `json:"artifacts"`
}

// SnapshotMeta contains metadata about a snapshot generation run.
type SnapshotMeta struct {
	ProjectRoot  string     `json:"project_root"`
	ProjectName  string     `json:"project_name,omitempty"`
	GeneratedAt  string     `json:"generated_at"`
	Duration     string     `json:"duration"`
	Cached       bool       `json:"cached"`
	Extractors   []string   `json:"extractors"`
	Explainers   []string   `json:"explainers"`
	Renderers    []string   `json:"renderers"`
	FileHashes   []FileHash `json:"file_hashes,omitempty"`
	FactCount    int        `json:"fact_count"`
	InsightCount int        `json:"insight_count"`
}

// FileHash tracks a file's content hash for incremental updates.
type FileHash struct {
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	ModTime string `json:"mod_time"`
}

// PropInt reads an integer prop. Values decoded from JSONL are float64.
func (f Fact) PropInt(key string) (int, bool) {
	switch v := f.Props[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// PropBool reads a boolean prop.
func (f Fact) PropBool(key string) bool {
	b, _ := f.Props[key].(bool)
	return b
}

// PropString reads a string prop.
func (f Fact) PropString(key string) string {
	s, _ := f.Props[key].(string)
	return s
}
