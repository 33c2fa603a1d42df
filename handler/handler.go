package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/PH536-UI/mr-dom-ph-copilot/internal/domain"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// UseCase is what the request surface needs from the orchestrator.
// *usecase.Copilot satisfies this interface.
type UseCase interface {
	Process(ctx context.Context, in usecase.ProcessInput) (usecase.ProcessOutput, error)
	Clear(userID string) error
	Export(ctx context.Context, userID string, allowEmpty bool) (domain.ConversationExport, error)
	Status(userID string) (domain.MemoryStatus, error)
	Summary(userID string) (domain.ConversationSummary, error)
}

type Handler struct {
	uc     UseCase
	logger *slog.Logger
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default().With("component", "handler")}, nil
}

type processRequest struct {
	Message      string `json:"message"`
	UserID       string `json:"userId"`
	EnableMemory *bool  `json:"enableMemory"`
}

type processResponse struct {
	Status         string `json:"status"`
	UserID         string `json:"userId"`
	InputMessage   string `json:"inputMessage"`
	AgentResponse  string `json:"agentResponse"`
	AgentUsed      string `json:"agentUsed"`
	MemoryEnabled  bool   `json:"memoryEnabled"`
	ConversationID string `json:"conversationId,omitempty"`
}

type adminRequest struct {
	UserID     string `json:"userId"`
	AllowEmpty bool   `json:"allowEmpty"`
}

type clearResponse struct {
	Status string `json:"status"`
	UserID string `json:"userId"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle dispatches one request by method and path. Every response carries
// a correlation ID, propagated from the caller when provided.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)
	route := event.HTTPMethod + " " + strings.TrimRight(event.Path, "/")

	switch route {
	case "POST /process":
		return h.handleProcess(ctx, event, corrID), nil
	case "GET /memory/status":
		return h.handleStatus(event, corrID), nil
	case "GET /memory/summary":
		return h.handleSummary(event, corrID), nil
	case "POST /memory/clear":
		return h.handleClear(event, corrID), nil
	case "POST /memory/export":
		return h.handleExport(ctx, event, corrID), nil
	}
	return respondError(http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "unknown_route"}, corrID), nil
}

func (h *Handler) handleProcess(ctx context.Context, event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	var req processRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respondError(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"}, corrID)
	}
	enableMemory := true
	if req.EnableMemory != nil {
		enableMemory = *req.EnableMemory
	}

	out, err := h.uc.Process(ctx, usecase.ProcessInput{
		UserID:       req.UserID,
		Message:      req.Message,
		EnableMemory: enableMemory,
	})
	if err != nil {
		return h.respondUseCaseError(err, corrID)
	}

	return respondJSON(http.StatusOK, processResponse{
		Status:         "success",
		UserID:         req.UserID,
		InputMessage:   req.Message,
		AgentResponse:  out.Response,
		AgentUsed:      out.AgentUsed,
		MemoryEnabled:  out.MemoryEnabled,
		ConversationID: out.ConversationID,
	}, corrID)
}

func (h *Handler) handleStatus(event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	status, err := h.uc.Status(event.QueryStringParameters["userId"])
	if err != nil {
		return h.respondUseCaseError(err, corrID)
	}
	return respondJSON(http.StatusOK, status, corrID)
}

func (h *Handler) handleSummary(event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	sum, err := h.uc.Summary(event.QueryStringParameters["userId"])
	if err != nil {
		return h.respondUseCaseError(err, corrID)
	}
	return respondJSON(http.StatusOK, sum, corrID)
}

func (h *Handler) handleClear(event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	var req adminRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respondError(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"}, corrID)
	}
	if err := h.uc.Clear(req.UserID); err != nil {
		return h.respondUseCaseError(err, corrID)
	}
	return respondJSON(http.StatusOK, clearResponse{Status: "cleared", UserID: req.UserID}, corrID)
}

func (h *Handler) handleExport(ctx context.Context, event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	var req adminRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respondError(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"}, corrID)
	}
	export, err := h.uc.Export(ctx, req.UserID, req.AllowEmpty)
	if err != nil {
		return h.respondUseCaseError(err, corrID)
	}
	return respondJSON(http.StatusOK, export, corrID)
}

func (h *Handler) respondUseCaseError(err error, corrID string) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error("unexpected error", "err", err, "correlation_id", corrID)
		return respondError(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}, corrID)
	}

	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidIdentifier, usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorProvider:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err, "correlation_id", corrID)
	}
	return respondError(status, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}, corrID)
}

func respondJSON(status int, body any, corrID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		return respondError(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}, corrID)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}

func respondError(status int, body errorResponse, corrID string) events.APIGatewayProxyResponse {
	raw, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
