package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pariskq/backend/internal/db"
	"github.com/pariskq/backend/internal/models"
	"github.com/pariskq/backend/internal/service"
)

type Handler struct {
	Store     *db.Store
	Ingestion *service.IngestionService
	Lifecycle *service.LifecycleService
	Tokens    *service.TokenService
	Sla       *service.SlaTracker
	Validator *validator.Validate
	Logger    zerolog.Logger
	AdminKey  string
	BatchSize int
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PostmarkInbound is the subset of Postmark's inbound webhook payload
// the pipeline cares about.
type PostmarkInbound struct {
	MessageID string `json:"MessageID" validate:"required"`
	From      string `json:"From" validate:"required"`
	To        string `json:"To"`
	Subject   string `json:"Subject"`
	TextBody  string `json:"TextBody"`
	HTMLBody  string `json:"HtmlBody"`
	Date      string `json:"Date"`
	Headers   []struct {
		Name  string `json:"Name"`
		Value string `json:"Value"`
	} `json:"Headers"`
}

// @Summary Receive an inbound email
// @Description Postmark inbound webhook; stores the email as PENDING for the worker
// @Tags ingest
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Router /postmark-webhook [post]
func (h *Handler) PostmarkWebhook(c *gin.Context) {
	var payload PostmarkInbound
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(payload); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	headers := make(map[string]string, len(payload.Headers))
	for _, hd := range payload.Headers {
		headers[hd.Name] = hd.Value
	}
	received := time.Now().UTC()
	if payload.Date != "" {
		if t, err := time.Parse(time.RFC1123Z, payload.Date); err == nil {
			received = t.UTC()
		}
	}

	id, err := h.Store.InsertInboundEmail(c.Request.Context(), models.InboundEmail{
		MessageID:  payload.MessageID,
		FromEmail:  payload.From,
		ToEmail:    payload.To,
		Subject:    payload.Subject,
		TextBody:   payload.TextBody,
		HTMLBody:   payload.HTMLBody,
		Headers:    headers,
		ReceivedAt: received,
	})
	if err != nil {
		h.Logger.Error().Err(err).Str("message_id", payload.MessageID).Msg("store inbound email")
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to store email", err.Error())
		return
	}
	// Redelivered message ids resolve to the already-stored row, and
	// Postmark gets its 200 either way so it stops retrying.
	c.JSON(http.StatusOK, gin.H{"status": "queued", "email_id": id})
}

// @Summary List tickets
// @Tags tickets
// @Produce json
// @Param status query string false "filter by status"
// @Success 200 {object} map[string]any
// @Router /api/tickets [get]
func (h *Handler) TicketsList(c *gin.Context) {
	status := models.TicketStatus(c.Query("status"))
	limit := parseIntDefault(c.Query("limit"), 50)
	offset := parseIntDefault(c.Query("offset"), 0)

	tickets, err := h.Store.ListTickets(c.Request.Context(), status, limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list tickets", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
}

// @Summary Ticket details
// @Tags tickets
// @Produce json
// @Param id path string true "ticket id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/tickets/{id} [get]
func (h *Handler) TicketDetails(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ticket, err := h.Store.GetTicket(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Ticket not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to get ticket", err.Error())
		return
	}

	comments, err := h.Store.ListComments(ctx, id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list comments", err.Error())
		return
	}
	assignment, err := h.Store.GetActiveAssignment(ctx, id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load assignment", err.Error())
		return
	}

	resp := gin.H{
		"ticket":   ticket,
		"comments": comments,
	}
	if assignment != nil {
		resp["assignment"] = assignment
	}
	if sla, err := h.Store.GetSlaRecord(ctx, id); err == nil {
		resp["sla"] = sla
	} else if !errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load SLA record", err.Error())
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Inspect an action token
// @Description Field ops UI resolves the opaque token from the agent's link
// @Tags field-ops
// @Produce json
// @Param token path string true "action token"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/fe/tokens/{token} [get]
func (h *Handler) TokenLookup(c *gin.Context) {
	tok, err := h.Tokens.Lookup(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errors.Is(err, service.ErrTokenUsed) {
			writeError(c, http.StatusGone, "TOKEN_USED", "Token already used", nil)
			return
		}
		writeError(c, http.StatusNotFound, "TOKEN_INVALID", "Invalid or expired token", nil)
		return
	}

	ticket, err := h.Store.GetTicket(c.Request.Context(), tok.TicketID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load ticket", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":  tok,
		"ticket": ticket,
	})
}

type AssignRequest struct {
	AgentID    string `json:"agent_id" validate:"required"`
	AgentEmail string `json:"agent_email" validate:"omitempty,email"`
}

// @Summary Assign a field agent
// @Tags tickets
// @Accept json
// @Produce json
// @Param id path string true "ticket id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/tickets/{id}/assign [post]
func (h *Handler) Assign(c *gin.Context) {
	id := c.Param("id")
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	tok, err := h.Lifecycle.AssignAgent(c.Request.Context(), id, req.AgentID, req.AgentEmail)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Ticket not found", nil)
		case errors.Is(err, service.ErrInvalidTransition):
			writeError(c, http.StatusConflict, "INVALID_STATE", "Ticket cannot be assigned in its current state", err.Error())
		case errors.Is(err, service.ErrConflict):
			writeError(c, http.StatusConflict, "CONFLICT", "Ticket changed concurrently, retry", nil)
		default:
			writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to assign agent", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "token": tok})
}

type ProofRequest struct {
	Token string `json:"token" validate:"required"`
	Note  string `json:"note"`
}

// @Summary Record an on-site or resolution proof
// @Description Consumes the agent's single-use token and advances the ticket
// @Tags field-ops
// @Accept json
// @Produce json
// @Success 200 {object} service.ProofResult
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/fe/proofs [post]
func (h *Handler) RecordProof(c *gin.Context) {
	var req ProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	res, err := h.Lifecycle.RecordProof(c.Request.Context(), req.Token, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenUsed):
			writeError(c, http.StatusConflict, "TOKEN_USED", "Token already used", nil)
		case errors.Is(err, service.ErrTokenInvalid):
			writeError(c, http.StatusNotFound, "TOKEN_INVALID", "Invalid or expired token", nil)
		case errors.Is(err, service.ErrInvalidTransition):
			writeError(c, http.StatusConflict, "INVALID_STATE", "Ticket is not in the expected state", err.Error())
		default:
			writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to record proof", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary Verify proofs and close a ticket
// @Tags tickets
// @Produce json
// @Param id path string true "ticket id"
// @Success 200 {object} models.Ticket
// @Failure 409 {object} map[string]any
// @Router /api/tickets/{id}/close [post]
func (h *Handler) CloseTicket(c *gin.Context) {
	ticket, err := h.Lifecycle.VerifyAndClose(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Ticket not found", nil)
		case errors.Is(err, service.ErrProofPending):
			writeError(c, http.StatusConflict, "PROOF_PENDING", "Resolution proof has not been recorded", nil)
		case errors.Is(err, service.ErrInvalidTransition):
			writeError(c, http.StatusConflict, "INVALID_STATE", "Ticket cannot be closed in its current state", err.Error())
		case errors.Is(err, service.ErrConflict):
			writeError(c, http.StatusConflict, "CONFLICT", "Ticket changed concurrently, retry", nil)
		default:
			writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to close ticket", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// @Summary Run one worker pass
// @Description Processes a batch of pending emails and sweeps SLA deadlines
// @Tags worker
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/worker/run-once [post]
func (h *Handler) WorkerRunOnce(c *gin.Context) {
	sum, err := h.Ingestion.ProcessBatch(c.Request.Context(), h.BatchSize)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "PROCESSING_ERROR", "Batch processing failed", err.Error())
		return
	}
	breached, err := h.Sla.EvaluateBreaches(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "PROCESSING_ERROR", "SLA sweep failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ingestion": sum, "sla_breaches": breached})
}

// @Summary List inbound emails
// @Tags ingest
// @Produce json
// @Param status query string false "filter by processing status"
// @Success 200 {object} map[string]any
// @Router /api/emails [get]
func (h *Handler) EmailsList(c *gin.Context) {
	status := models.ProcessingStatus(c.Query("status"))
	limit := parseIntDefault(c.Query("limit"), 50)
	offset := parseIntDefault(c.Query("offset"), 0)

	emails, err := h.Store.ListEmails(c.Request.Context(), status, limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list emails", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails, "count": len(emails)})
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
