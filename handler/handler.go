package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"refine-agent/internal/domain"
	"refine-agent/internal/render"
	"refine-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type RefineUseCase interface {
	Refine(ctx context.Context, in usecase.RefineInput) (usecase.RefineOutput, error)
	GetRun(ctx context.Context, runID string) (domain.Run, error)
}

type refineRequest struct {
	Instruction string `json:"instruction"`
	MaxMessages *int   `json:"maxMessages,omitempty"`
}

type refineResponse struct {
	Answer   string           `json:"answer"`
	RunID    string           `json:"runId"`
	Messages []domain.Message `json:"messages"`
	States   []string         `json:"states"`
}

type runResponse struct {
	RunID       string           `json:"runId"`
	Instruction string           `json:"instruction"`
	Threshold   int              `json:"maxMessages"`
	Status      string           `json:"status"`
	FailedState string           `json:"failedState,omitempty"`
	Messages    []domain.Message `json:"messages"`
	States      []string         `json:"states"`
	CreatedAt   string           `json:"createdAt,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler serves the API Gateway proxy routes:
//
//	POST /refine      run the loop for an instruction
//	GET  /runs/{id}   fetch a stored run (?format=mermaid|transcript)
type Handler struct {
	uc     RefineUseCase
	logger *slog.Logger
}

func NewHandler(uc RefineUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", corrID, "method", req.HTTPMethod, "path", req.Path)

	start := time.Now()
	resp := h.route(ctx, log, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = corrID
	log.Info("request handled", "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	path := strings.TrimRight(req.Path, "/")
	switch {
	case path == "/refine":
		if req.HTTPMethod != http.MethodPost {
			return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
		}
		return h.refine(ctx, log, req)
	case strings.HasPrefix(path, "/runs/"):
		if req.HTTPMethod != http.MethodGet {
			return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
		}
		runID := req.PathParameters["id"]
		if runID == "" {
			runID = strings.TrimPrefix(path, "/runs/")
		}
		return h.getRun(ctx, log, runID, req.QueryStringParameters["format"])
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "unknown_route"})
	}
}

func (h *Handler) refine(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body refineRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}

	out, err := h.uc.Refine(ctx, usecase.RefineInput{
		Instruction: body.Instruction,
		MaxMessages: body.MaxMessages,
	})
	if err != nil {
		return errorFrom(log, err)
	}
	return jsonResponse(http.StatusOK, refineResponse{
		Answer:   out.Answer,
		RunID:    out.RunID,
		Messages: out.Messages,
		States:   out.States,
	})
}

func (h *Handler) getRun(ctx context.Context, log *slog.Logger, runID, format string) events.APIGatewayProxyResponse {
	run, err := h.uc.GetRun(ctx, runID)
	if err != nil {
		return errorFrom(log, err)
	}

	switch strings.ToLower(format) {
	case "mermaid":
		return textResponse(render.Path(run.States))
	case "transcript":
		return textResponse(render.Transcript(run.Messages))
	case "", "json":
	default:
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "unknown_format"})
	}

	resp := runResponse{
		RunID:       run.ID,
		Instruction: run.Instruction,
		Threshold:   run.Threshold,
		Status:      string(run.Status),
		FailedState: run.FailedState,
		Messages:    run.Messages,
		States:      run.States,
	}
	if !run.CreatedAt.IsZero() {
		resp.CreatedAt = run.CreatedAt.UTC().Format(time.RFC3339)
	}
	return jsonResponse(http.StatusOK, resp)
}

func errorFrom(log *slog.Logger, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		log.Warn("request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonResponse(status, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidInstruction:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func textResponse(body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       body,
	}
}

// headerValue looks a header up case-insensitively; API Gateway passes
// headers through as the client sent them.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
