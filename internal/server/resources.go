package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/dbtlens/internal/engine"
)

// snapshotResources maps resource URIs to the artifact served from the most
// recent snapshot.
var snapshotResources = []struct {
	uri      string
	name     string
	desc     string
	artifact string
	mime     string
}{
	{"dbt://snapshot/context", "CTE Context", "Markdown summary of the models, CTE chains and findings of the latest snapshot", "llm_context.md", "text/markdown"},
	{"dbt://snapshot/facts", "Facts", "All model, clause and CTE facts of the latest snapshot (JSONL)", engine.FactsFile, "application/jsonl"},
	{"dbt://snapshot/insights", "Insights", "Findings of the latest snapshot: cycles, unused CTEs, rejected WITH clauses", engine.InsightsFile, "application/json"},
	{"dbt://snapshot/meta", "Snapshot Meta", "Metadata of the latest snapshot run", engine.MetaFile, "application/json"},
}

const historyURI = "dbt://query/history"

func (s *Server) registerResources() {
	for _, r := range snapshotResources {
		artifact, mime := r.artifact, r.mime
		s.mcp.AddResource(&mcp.Resource{
			URI:         r.uri,
			Name:        r.name,
			Description: r.desc,
			MIMEType:    mime,
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			root, snap := s.eng.Latest()
			if snap == nil {
				return nil, fmt.Errorf("no snapshot available, run generate_snapshot first")
			}
			data, err := s.eng.GetArtifact(root, artifact)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{
					URI:      req.Params.URI,
					MIMEType: mime,
					Text:     string(data),
				}},
			}, nil
		})
	}

	s.mcp.AddResource(&mcp.Resource{
		URI:         historyURI,
		Name:        "Query History",
		Description: "Queries executed in this session, newest first",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		data, err := json.MarshalIndent(s.history.List(), "", "  ")
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			}},
		}, nil
	})
}
