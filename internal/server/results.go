package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/dbtlens/internal/dbt"
	"github.com/dejo1307/dbtlens/internal/logger"
	"github.com/dejo1307/dbtlens/internal/metrics"
)

// errorPrefix starts the text of every failed tool call.
const errorPrefix = "Unable to complete tool call. "

// addTool registers a tool and records its calls in the metrics.
func addTool[In any](s *Server, tool *mcp.Tool, h mcp.ToolHandlerFor[In, any]) {
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, any, error) {
		start := time.Now()
		res, out, err := h(ctx, req, args)
		failed := err != nil || (res != nil && res.IsError)
		metrics.RecordToolCall(tool.Name, time.Since(start), failed)
		if failed {
			logger.Debug("[server] %s failed", tool.Name)
		}
		return res, out, err
	})
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return textResult(string(data))
}

// errorResult is a failed tool call. msg gets the common prefix.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: errorPrefix + msg},
		},
		IsError: true,
	}
}

func toolError(err error) *mcp.CallToolResult {
	return errorResult(err.Error())
}

// commandResult turns captured dbt output into a tool result: stderr output
// is a failure, otherwise stdout is the answer.
func commandResult(res *dbt.CommandResult, err error) *mcp.CallToolResult {
	if err != nil {
		return toolError(err)
	}
	if err := res.Err(); err != nil {
		return toolError(err)
	}
	return textResult(res.Stdout)
}

// project resolves a projectRoot argument. An empty root selects the only
// known project. The returned result is non-nil when resolution failed.
func (s *Server) project(root string) (dbt.Project, *mcp.CallToolResult) {
	if root == "" {
		if all := s.projects.Projects(); len(all) == 1 {
			return all[0], nil
		}
		return nil, errorResult("projectRoot is required")
	}
	p, err := s.projects.Find(root)
	switch {
	case errors.Is(err, dbt.ErrProjectNotFound):
		return nil, errorResult("Project not found for root: " + root)
	case err != nil:
		return nil, toolError(err)
	}
	return p, nil
}
