package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"McpToolbox/internal/database"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/models"

	"github.com/gorilla/mux"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultLimit = 100
	maxBodyBytes = 1 << 20
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.ToolRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, []models.ValidationError{{
			Loc:  []string{"body"},
			Msg:  fmt.Sprintf("invalid JSON body: %v", err),
			Type: "value_error.jsondecode",
		}})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeError(w, http.StatusUnprocessableEntity, errs)
		return
	}

	tool, created, err := s.store.UpsertTool(r.Context(), &req)
	switch {
	case errors.Is(err, database.ErrConflict):
		writeError(w, http.StatusConflict,
			"A tool with this name and microservice ID already exists (concurrent registration attempt or unique constraint failed).")
		return
	case err != nil:
		logger.Error("error during tool registration", "tool", req.ToolName, "microservice", req.MicroserviceID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("An internal error occurred during tool registration: %v", err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, models.ToolRegistrationResponse{
		ID:             tool.ID,
		ToolName:       tool.ToolName,
		MicroserviceID: tool.MicroserviceID,
		RegisteredAt:   tool.RegisteredAt,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	skip, ok := queryInt(w, query.Get("skip"), "skip", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, query.Get("limit"), "limit", defaultLimit)
	if !ok {
		return
	}

	tools, err := s.store.ListTools(r.Context(), query.Get("microservice_id"), skip, limit)
	if err != nil {
		logger.Error("failed to list tools", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]models.ToolDisplay, 0, len(tools))
	for i := range tools {
		out = append(out, tools[i].Display())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	tool, err := s.store.GetTool(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "Tool not found by Hub ID")
		return
	}
	writeJSON(w, http.StatusOK, tool.Detail())
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var missing []models.ValidationError
	for _, field := range []string{"microservice_id", "tool_name"} {
		if query.Get(field) == "" {
			missing = append(missing, models.ValidationError{Loc: []string{"query", field}, Msg: "field required", Type: "value_error.missing"})
		}
	}
	if len(missing) > 0 {
		writeError(w, http.StatusUnprocessableEntity, missing)
		return
	}

	microserviceID, toolName := query.Get("microservice_id"), query.Get("tool_name")
	tool, err := s.store.LookupTool(r.Context(), microserviceID, toolName)
	if err != nil {
		s.storeError(w, err, fmt.Sprintf("Tool '%s' from microservice '%s' not found.", toolName, microserviceID))
		return
	}
	writeJSON(w, http.StatusOK, tool.Detail())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteTool(r.Context(), id); err != nil {
		s.storeError(w, err, "Tool not found for deletion.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	microserviceID, toolName := vars["microservice_id"], vars["tool_name"]

	tool, err := s.store.Heartbeat(r.Context(), microserviceID, toolName)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			logger.Error("error updating heartbeat", "tool", toolName, "microservice", microserviceID, "error", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error updating heartbeat: %v", err))
			return
		}
		writeError(w, http.StatusNotFound, fmt.Sprintf("Tool '%s' from microservice '%s' not found for heartbeat.", toolName, microserviceID))
		return
	}

	writeJSON(w, http.StatusOK, models.HeartbeatResponse{
		Message:         "Heartbeat received",
		ToolName:        toolName,
		MicroserviceID:  microserviceID,
		LastHeartbeatAt: tool.LastHeartbeatAt,
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.remote == nil {
		writeError(w, http.StatusNotImplemented, "Remote invocation is not enabled on this hub.")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req models.ToolInvokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid JSON body: %v", err))
			return
		}
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	tool, err := s.store.GetTool(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "Tool not found by Hub ID")
		return
	}

	command, err := MCPCommand(tool.InvocationInfo)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := validateArguments(&tool.McpManifest, req.Arguments); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Invalid arguments for tool '%s': %v", tool.ToolName, err))
		return
	}

	result, err := s.remote.CallTool(r.Context(), command, tool.ToolName, req.Arguments)
	if err != nil {
		logger.Error("remote tool invocation failed", "tool", tool.ToolName, "microservice", tool.MicroserviceID, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to invoke tool '%s': %v", tool.ToolName, err))
		return
	}
	writeJSON(w, http.StatusOK, models.ToolInvokeResponse{Result: decodeContent(result), IsError: result.IsError})
}

// MCPCommand 从 invocation_info 得到启动微服务 MCP 端点的命令
func MCPCommand(info models.JSONB) (string, error) {
	command, _ := info["mcp_command_template"].(string)
	if command == "" {
		legacy, _ := info["command_template"].(string)
		if legacy == "" {
			return "", errors.New("invocation_info has no MCP command")
		}
		command = legacy + " --transport mcp"
	}
	if strings.Contains(command, "{config_file_path}") {
		path, _ := info["config_file_path_for_this_instance"].(string)
		if path == "" {
			return "", errors.New("invocation_info has no config_file_path_for_this_instance")
		}
		command = strings.ReplaceAll(command, "{config_file_path}", path)
	}
	return command, nil
}

func validateArguments(manifest *models.McpManifestModel, args map[string]any) error {
	schema, err := manifest.ToJSONSchema()
	if err != nil {
		return err
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return err
	}
	return resolved.Validate(args)
}

// decodeContent 文本内容是 JSON 时解码，否则原样返回
func decodeContent(result *mcp.CallToolResult) any {
	texts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	if len(texts) != 1 {
		return texts
	}
	var v any
	if err := json.Unmarshal([]byte(texts[0]), &v); err == nil {
		return v
	}
	return texts[0]
}

func (s *Server) storeError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	logger.Error("store error", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["tool_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, []models.ValidationError{{
			Loc: []string{"path", "tool_id"}, Msg: "value is not a valid integer", Type: "type_error.integer",
		}})
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, raw, field string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusUnprocessableEntity, []models.ValidationError{{
			Loc: []string{"query", field}, Msg: "value is not a valid non-negative integer", Type: "type_error.integer",
		}})
		return 0, false
	}
	return n, true
}
