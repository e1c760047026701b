package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"mcprmm-go/internal/claims"
	"mcprmm-go/internal/lifecycle"
	"mcprmm-go/internal/logs"
	"mcprmm-go/internal/reqcontext"
	"mcprmm-go/internal/tokenstore"
)

// CacheResourceURI names the cache file resource.
const CacheResourceURI = "file://auth_token.json"

const defaultRunsLimit = 20

func (s *Server) registerTools() {
	extractTool := mcp.NewTool("extract_auth_token",
		mcp.WithDescription("Log in through the browser and extract the bearer token. Returns the cached token when it is still valid unless force is set."),
		mcp.WithBoolean("force",
			mcp.Description("Run the browser login even when the cached token is valid"),
			mcp.DefaultBool(false),
		),
	)
	s.server.AddTool(extractTool, s.handleExtractAuthToken)

	storedTool := mcp.NewTool("get_stored_token",
		mcp.WithDescription("Return the cached token and its decoded claims without running the browser."),
	)
	s.server.AddTool(storedTool, s.handleGetStoredToken)

	validTool := mcp.NewTool("get_valid_token",
		mcp.WithDescription("Return a token that is valid right now, extracting a new one only if the cached one is missing or expired."),
	)
	s.server.AddTool(validTool, s.handleGetValidToken)

	testTool := mcp.NewTool("test_api_with_stored_token",
		mcp.WithDescription("Call the tenant list endpoint with the cached token and store the result."),
	)
	s.server.AddTool(testTool, s.handleTestAPI)

	requestTool := mcp.NewTool("make_api_request",
		mcp.WithDescription("Call the device-management API with a valid bearer token. The call is recorded in the history."),
		mcp.WithString("endpoint",
			mcp.Required(),
			mcp.Description("Absolute URL, or a path relative to the API base URL"),
		),
		mcp.WithString("method",
			mcp.Description("HTTP method"),
			mcp.Enum("GET", "POST", "PUT", "DELETE"),
			mcp.DefaultString("GET"),
		),
		mcp.WithObject("data",
			mcp.Description("JSON body for POST and PUT requests"),
		),
	)
	s.server.AddTool(requestTool, s.handleMakeAPIRequest)

	historyTool := mcp.NewTool("get_api_call_history",
		mcp.WithDescription("Return the last 10 API calls made with the broker's token."),
	)
	s.server.AddTool(historyTool, s.handleGetAPICallHistory)

	clearTool := mcp.NewTool("clear_token_data",
		mcp.WithDescription("Delete the cached token, API test result and call history."),
	)
	s.server.AddTool(clearTool, s.handleClearTokenData)

	runsTool := mcp.NewTool("get_extraction_runs",
		mcp.WithDescription("List recent browser extraction runs, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs to return"),
			mcp.DefaultNumber(defaultRunsLimit),
		),
		mcp.WithString("run_id",
			mcp.Description("Return only the run with this ID"),
		),
	)
	s.server.AddTool(runsTool, s.handleGetExtractionRuns)
}

func (s *Server) registerResources() {
	resource := mcp.NewResource(CacheResourceURI, "auth_token.json",
		mcp.WithResourceDescription("Current token cache document"),
		mcp.WithMIMEType("application/json"),
	)
	s.server.AddResource(resource, s.handleCacheResource)
}

func (s *Server) logToolCalls(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = reqcontext.WithMetadata(ctx, reqcontext.SourceMCP)
		start := time.Now()
		result, err := next(ctx, request)
		s.logger.Debug("Tool call handled",
			zap.String("tool", request.Params.Name),
			zap.String("correlation_id", reqcontext.GetCorrelationID(ctx)),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("is_error", result != nil && result.IsError))
		return result, err
	}
}

func (s *Server) handleExtractAuthToken(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	force := request.GetBool("force", false)
	res, err := s.manager.ExtractToken(ctx, force)
	if err != nil {
		return failure(err), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleGetStoredToken(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stored, err := s.manager.StoredToken()
	if err != nil {
		return failure(err), nil
	}
	if stored == nil {
		return jsonResult(map[string]any{
			"success": false,
			"message": "No token data found. Run extract_auth_token first.",
		}), nil
	}
	return jsonResult(map[string]any{
		"success":      stored.Token != "",
		"token":        stored.Token,
		"source":       stored.Source,
		"method":       stored.Method,
		"extracted_at": stored.ExtractedAt,
		"expired":      stored.Expired,
		"claims":       stored.Claims,
		"failure":      stored.Failure,
		"retrieved_at": time.Now(),
	}), nil
}

func (s *Server) handleGetValidToken(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := s.manager.GetValidToken(ctx)
	if err != nil {
		return failure(err), nil
	}
	out := map[string]any{
		"success":      true,
		"token":        token,
		"retrieved_at": time.Now(),
	}
	if exp, ok := claims.DecodeExpiry(token); ok {
		out["expires_at"] = exp
		out["expires_in_seconds"] = int64(claims.TimeUntilExpiry(token, time.Now()).Seconds())
	}
	return jsonResult(out), nil
}

func (s *Server) handleTestAPI(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.manager.TestStoredToken(ctx)
	if errors.Is(err, lifecycle.ErrNoStoredToken) {
		return jsonResult(map[string]any{
			"success": false,
			"error":   "No valid token found in stored data. Run extract_auth_token first.",
		}), nil
	}
	if err != nil && result == nil {
		return failure(err), nil
	}
	if err != nil {
		s.logger.Warn("API test result not saved", zap.Error(err))
	}
	return jsonResult(result), nil
}

func (s *Server) handleMakeAPIRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	endpoint, err := request.RequireString("endpoint")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'endpoint': %v", err)), nil
	}
	method := request.GetString("method", "GET")
	body := request.GetArguments()["data"]

	entry, err := s.client.Call(ctx, endpoint, method, body)
	if entry == nil {
		return failure(err), nil
	}
	if err != nil {
		s.logger.Warn("API request failed",
			zap.String("endpoint", logs.Redact(entry.Endpoint)),
			zap.Error(err))
	}
	return jsonResult(entry), nil
}

func (s *Server) handleGetAPICallHistory(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	calls, err := s.client.History()
	if err != nil {
		return failure(err), nil
	}
	if calls == nil {
		calls = []tokenstore.APICallLogEntry{}
	}
	return jsonResult(map[string]any{
		"success":      true,
		"total_calls":  len(calls),
		"recent_calls": calls,
		"retrieved_at": time.Now(),
	}), nil
}

func (s *Server) handleClearTokenData(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	removed, err := s.manager.Clear()
	if err != nil {
		return failure(fmt.Errorf("failed to clear token data: %w", err)), nil
	}
	return jsonResult(map[string]any{
		"success": true,
		"removed": removed,
		"message": "Token data cleared successfully",
	}), nil
}

func (s *Server) handleGetExtractionRuns(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := request.GetString("run_id", ""); id != "" {
		run, err := s.manager.Run(id)
		if err != nil {
			return failure(err), nil
		}
		return jsonResult(map[string]any{"success": true, "run": run}), nil
	}

	limit := request.GetInt("limit", defaultRunsLimit)
	runs, err := s.manager.Runs(limit)
	if err != nil {
		return failure(err), nil
	}
	total, err := s.manager.RunCount()
	if err != nil {
		return failure(err), nil
	}
	return jsonResult(map[string]any{
		"success":  true,
		"total":    total,
		"returned": len(runs),
		"runs":     runs,
	}), nil
}

func (s *Server) handleCacheResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	text, err := s.manager.ReadCacheFileAsText()
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     text,
		},
	}, nil
}

// jsonResult serializes v as the text content of a tool result.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to serialize result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func failure(err error) *mcp.CallToolResult {
	return jsonResult(map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
