package api

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kapixcr/Kapchat-sub000/internal/diagram"
	"github.com/kapixcr/Kapchat-sub000/internal/flowfile"
	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const maxListLimit = 500

type messageRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Phone          string `json:"phone"`
	ContactName    string `json:"contact_name"`
	MessageText    string `json:"message_text"`
	MessageType    string `json:"message_type"`
}

// postMessage handles POST /v1/messages. The message is counted in the
// conversation history before the engine sees it, so a first_message trigger
// observes a count of one on the first inbound message.
func (s *Server) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg := schema.MessageContext{
		ConversationID: req.ConversationID,
		Phone:          req.Phone,
		ContactName:    req.ContactName,
		MessageText:    req.MessageText,
		MessageType:    req.MessageType,
	}
	ctx := logging.WithConversationID(c.Request.Context(), msg.ConversationID)

	if _, err := s.store.RecordMessage(ctx, msg.ConversationID); err != nil {
		s.respondError(c, err)
		return
	}

	outcome, err := s.engine.HandleMessage(ctx, msg)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type webhookRequest struct {
	ConversationID string         `json:"conversation_id" binding:"required"`
	Phone          string         `json:"phone"`
	ContactName    string         `json:"contact_name"`
	Variables      map[string]any `json:"variables"`
}

// postWebhook handles POST /v1/webhooks/:key by starting the active webhook
// flow whose trigger_value equals key.
func (s *Server) postWebhook(c *gin.Context) {
	key := c.Param("key")
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := logging.WithConversationID(c.Request.Context(), req.ConversationID)

	flows, err := s.store.ListFlows(ctx, store.FlowFilter{TriggerType: schema.TriggerWebhook, ActiveOnly: true})
	if err != nil {
		s.respondError(c, err)
		return
	}
	var flow *schema.Flow
	for _, f := range flows {
		if strings.TrimSpace(f.TriggerValue) == key {
			flow = f
			break
		}
	}
	if flow == nil {
		s.respondError(c, schema.NewErrorf(schema.ErrCodeNotFound, "no active webhook flow for key %q", key))
		return
	}

	vars := req.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	vars["trigger"] = string(schema.TriggerWebhook)

	msg := schema.MessageContext{
		ConversationID: req.ConversationID,
		Phone:          req.Phone,
		ContactName:    req.ContactName,
	}
	exec, err := s.engine.StartFlow(ctx, flow.ID, msg, vars)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

func (s *Server) listFlows(c *gin.Context) {
	filter := store.FlowFilter{
		TriggerType: schema.TriggerType(c.Query("trigger_type")),
		ActiveOnly:  c.Query("active") == "true",
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	filter.Limit = limit

	flows, err := s.store.ListFlows(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if flows == nil {
		flows = []*schema.Flow{}
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows})
}

func (s *Server) getFlow(c *gin.Context) {
	flow, err := s.store.GetFlow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

// getFlowDiagram handles GET /v1/flows/:id/diagram. The optional
// execution_id query overlays that execution's progress.
func (s *Server) getFlowDiagram(c *gin.Context) {
	format := c.DefaultQuery("format", "mermaid")
	if !slices.Contains(diagram.Formats, format) {
		badRequest(c, fmt.Sprintf("unknown diagram format %q", format))
		return
	}
	ctx := c.Request.Context()
	model, err := diagram.Load(ctx, s.store, c.Param("id"), c.Query("execution_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	out, err := diagram.Render(ctx, model, format)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, diagram.ContentType(format), out)
}

// putFlow handles PUT /v1/flows/:id: create or replace a flow definition.
func (s *Server) putFlow(c *gin.Context) {
	id := c.Param("id")
	var flow schema.Flow
	if err := c.ShouldBindJSON(&flow); err != nil {
		badRequest(c, err.Error())
		return
	}
	if flow.ID == "" {
		flow.ID = id
	}
	if flow.ID != id {
		badRequest(c, "flow id in body does not match path")
		return
	}
	if err := flowfile.Normalize(&flow); err != nil {
		s.respondError(c, err)
		return
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		result := s.validator.Validate(&flow)
		if err := result.ToError(); err != nil {
			s.respondError(c, err)
			return
		}
		warnings = result.Warnings
	}

	if err := s.store.SaveFlow(c.Request.Context(), &flow); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flow": flow, "warnings": warnings})
}

func (s *Server) deleteFlow(c *gin.Context) {
	if err := s.store.DeleteFlow(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listExecutions(c *gin.Context) {
	filter := store.ExecutionFilter{
		FlowID:         c.Query("flow_id"),
		ConversationID: c.Query("conversation_id"),
		Status:         schema.ExecutionStatus(c.Query("status")),
	}
	var ok bool
	if filter.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(c, "offset"); !ok {
		return
	}
	if filter.Limit == 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	execs, err := s.store.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if execs == nil {
		execs = []*schema.Execution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.store.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) listLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetExecution(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	logs, err := s.store.ListLogs(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if logs == nil {
		logs = []*schema.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

type reapRequest struct {
	TimeoutMinutes int `json:"timeout_minutes"`
}

// reap handles POST /v1/maintenance/reap. An empty body uses the configured
// execution timeout.
func (s *Server) reap(c *gin.Context) {
	var req reapRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.TimeoutMinutes < 0 {
		badRequest(c, "timeout_minutes must not be negative")
		return
	}
	if req.TimeoutMinutes == 0 {
		req.TimeoutMinutes = s.cfg.ExecutionTimeoutMinutes
	}

	start := time.Now()
	n, err := s.engine.CleanupTimedOutExecutions(c.Request.Context(), req.TimeoutMinutes)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"paused":          n,
		"timeout_minutes": req.TimeoutMinutes,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
}

// queryInt reads a non-negative integer query parameter. It writes a 400 and
// returns false when the value is malformed.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
