package moisson

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/moisson/kit"
)

// RegisterMCP registers all moisson tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerStatus(srv)
	svc.registerRunNow(srv)
	svc.registerEnable(srv)
	svc.registerDisable(srv)
	svc.registerRecords(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (svc *Service) registerStatus(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "moisson_status",
		Description: "List all scrape targets with their run state",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.Targets(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerRunNow(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
	}

	tool := &mcp.Tool{
		Name:        "moisson_run_now",
		Description: "Trigger an immediate scrape run for a target, bypassing interval and backoff",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Target ID"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := svc.RunNow(ctx, p.TargetID); err != nil {
			return nil, err
		}
		return map[string]string{"target_id": p.TargetID, "status": "triggered"}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerEnable(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
	}

	tool := &mcp.Tool{
		Name:        "moisson_enable",
		Description: "Re-enable a disabled target and clear its failure state",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Target ID"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := svc.Enable(ctx, p.TargetID); err != nil {
			return nil, err
		}
		return map[string]string{"target_id": p.TargetID, "status": "enabled"}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerDisable(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
	}

	tool := &mcp.Tool{
		Name:        "moisson_disable",
		Description: "Disable a target so the scheduler skips it",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Target ID"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := svc.Disable(ctx, p.TargetID); err != nil {
			return nil, err
		}
		return map[string]string{"target_id": p.TargetID, "status": "disabled"}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerRecords(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
		Limit    int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "moisson_records",
		Description: "Return the most recently committed records for a target",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Target ID"},
			"limit":     map[string]any{"type": "integer", "description": "Max records (default 100)"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Records(ctx, p.TargetID, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
