// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
	"github.com/remote-agent-terminal/sessionhub/internal/repository"
)

const defaultPageSize = 50

// ThreadHandler serves read access to stored threads.
type ThreadHandler struct {
	repo *repository.ThreadRepository
}

// NewThreadHandler creates a new ThreadHandler.
func NewThreadHandler(repo *repository.ThreadRepository) *ThreadHandler {
	return &ThreadHandler{repo: repo}
}

// ThreadResponse represents a thread in API responses.
type ThreadResponse struct {
	ID            string `json:"id"`
	Agent         string `json:"agent"`
	WorkflowType  string `json:"workflowType"`
	WorkflowID    string `json:"workflowId,omitempty"`
	ParticipantID string `json:"participantId"`
	TenantID      string `json:"tenantId,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// MessagesResponse is one page of a thread's messages, newest first, in
// the same shape GetThreadHistory returns over the websocket.
type MessagesResponse struct {
	ThreadID string                `json:"threadId"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
	Total    int                   `json:"total"`
	Messages []protocol.RawMessage `json:"messages"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toThreadResponse(t *model.Thread) *ThreadResponse {
	return &ThreadResponse{
		ID:            t.ID,
		Agent:         t.Agent,
		WorkflowType:  t.WorkflowType,
		WorkflowID:    t.WorkflowID,
		ParticipantID: t.ParticipantID,
		TenantID:      t.TenantID,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:     t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// List handles GET /api/threads?participant=... - lists a participant's threads.
func (h *ThreadHandler) List(c *gin.Context) {
	participant := c.Query("participant")
	if participant == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "participant is required")
		return
	}

	threads, err := h.repo.ListThreads(c.Request.Context(), participant)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list threads: "+err.Error())
		return
	}

	response := make([]*ThreadResponse, len(threads))
	for i, t := range threads {
		response[i] = toThreadResponse(t)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/threads/:id.
func (h *ThreadHandler) Get(c *gin.Context) {
	threadID := c.Param("id")

	thread, err := h.repo.GetThread(c.Request.Context(), threadID)
	if err != nil {
		if errors.Is(err, model.ErrThreadNotFound) {
			sendError(c, http.StatusNotFound, "THREAD_NOT_FOUND", "Thread "+threadID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get thread: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toThreadResponse(thread))
}

// Messages handles GET /api/threads/:id/messages?page=&pageSize=.
func (h *ThreadHandler) Messages(c *gin.Context) {
	threadID := c.Param("id")

	page, ok := queryInt(c, "page", 1)
	if !ok {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "page must be a positive integer")
		return
	}
	pageSize, ok := queryInt(c, "pageSize", defaultPageSize)
	if !ok {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "pageSize must be a positive integer")
		return
	}

	ctx := c.Request.Context()
	thread, err := h.repo.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, model.ErrThreadNotFound) {
			sendError(c, http.StatusNotFound, "THREAD_NOT_FOUND", "Thread "+threadID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get thread: "+err.Error())
		return
	}

	messages, err := h.repo.ListMessages(ctx, threadID, page, pageSize)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list messages: "+err.Error())
		return
	}
	total, err := h.repo.CountMessages(ctx, threadID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count messages: "+err.Error())
		return
	}

	raw := make([]protocol.RawMessage, len(messages))
	for i, m := range messages {
		raw[i] = protocol.RawMessage{
			ID:            m.ID,
			Content:       m.Content,
			Direction:     protocol.FromDirection(m.Direction),
			CreatedAt:     m.CreatedAt,
			ThreadID:      thread.ID,
			ParticipantID: m.ParticipantID,
			Agent:         thread.Agent,
			WorkflowType:  thread.WorkflowType,
		}
	}

	c.JSON(http.StatusOK, MessagesResponse{
		ThreadID: thread.ID,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Messages: raw,
	})
}

// Delete handles DELETE /api/threads/:id.
func (h *ThreadHandler) Delete(c *gin.Context) {
	threadID := c.Param("id")

	if err := h.repo.DeleteThread(c.Request.Context(), threadID); err != nil {
		if errors.Is(err, model.ErrThreadNotFound) {
			sendError(c, http.StatusNotFound, "THREAD_NOT_FOUND", "Thread "+threadID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete thread: "+err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the thread routes on a Gin router group.
func (h *ThreadHandler) RegisterRoutes(rg *gin.RouterGroup) {
	threads := rg.Group("/threads")
	{
		threads.GET("", h.List)
		threads.GET("/:id", h.Get)
		threads.GET("/:id/messages", h.Messages)
		threads.DELETE("/:id", h.Delete)
	}
}
