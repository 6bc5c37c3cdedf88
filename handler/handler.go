package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"support-agent/internal/domain"
	"support-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	signatureHeader   = "X-Chatwoot-Signature"
	maxBodyBytes      = 2 << 20

	routeHealth  = "/health"
	routeWebhook = "/webhooks/chatwoot"
)

type WebhookProcessor interface {
	HandleEvent(ctx context.Context, payload domain.WebhookPayload) (usecase.Result, error)
}

type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type statusResponse struct {
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Handler struct {
	service     WebhookProcessor
	secrets     SecretGetter
	secretName  string
	healthCheck func(ctx context.Context) error
	logger      *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHealthCheck sets the probe run by GET /health.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.healthCheck = check
	}
}

// NewHandler builds the API Gateway handler. The webhook secret is read from
// "<paramPrefix>/webhook-secret" through secrets on each request; callers
// pass a caching getter.
func NewHandler(service WebhookProcessor, secrets SecretGetter, paramPrefix string, opts ...Option) (*Handler, error) {
	if service == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("handler: secret getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("handler: parameter prefix must not be empty")
	}
	h := &Handler{
		service:    service,
		secrets:    secrets,
		secretName: paramPrefix + "/webhook-secret",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "handler")
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	path := strings.TrimRight(req.Path, "/")
	switch {
	case path == routeHealth && req.HTTPMethod == http.MethodGet:
		return h.health(ctx, logger, correlationID), nil
	case path == routeWebhook && req.HTTPMethod == http.MethodPost:
		return h.webhook(ctx, logger, req, correlationID), nil
	case path == routeHealth || path == routeWebhook:
		return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Status: "error", Error: "method_not_allowed"}, correlationID), nil
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Status: "error", Error: "not_found"}, correlationID), nil
	}
}

func (h *Handler) health(ctx context.Context, logger *slog.Logger, correlationID string) events.APIGatewayProxyResponse {
	if h.healthCheck != nil {
		if err := h.healthCheck(ctx); err != nil {
			logger.Error("health check failed", "err", err)
			return jsonResponse(http.StatusInternalServerError, errorResponse{Status: "degraded", Error: err.Error()}, correlationID)
		}
	}
	return jsonResponse(http.StatusOK, statusResponse{Status: "ok"}, correlationID)
}

func (h *Handler) webhook(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Status: "error", Error: string(usecase.ErrorInvalidInput)}, correlationID)
	}
	if len(body) > maxBodyBytes {
		return jsonResponse(http.StatusRequestEntityTooLarge, errorResponse{Status: "error", Error: "payload_too_large"}, correlationID)
	}

	signature := headerValue(req.Headers, signatureHeader)
	if signature == "" {
		return jsonResponse(http.StatusUnauthorized, errorResponse{Status: "error", Error: "missing_signature"}, correlationID)
	}
	secret, err := h.secrets.GetParameter(ctx, h.secretName)
	if err != nil {
		logger.Error("failed to load webhook secret", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Status: "error"}, correlationID)
	}
	if !validSignature(secret, body, signature) {
		logger.Warn("rejected webhook with invalid signature")
		return jsonResponse(http.StatusForbidden, errorResponse{Status: "error", Error: "invalid_signature"}, correlationID)
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Status: "error", Error: string(usecase.ErrorInvalidInput)}, correlationID)
	}

	res, err := h.service.HandleEvent(ctx, payload)
	if err != nil {
		status, out := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("webhook processing failed", "err", err)
		} else {
			logger.Warn("webhook rejected", "err", err)
		}
		return jsonResponse(status, out, correlationID)
	}
	return jsonResponse(http.StatusOK, statusResponse{Status: res.Status, Type: string(res.OutboundType)}, correlationID)
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		switch ucErr.Code {
		case usecase.ErrorAdmission, usecase.ErrorInvalidInput:
			return http.StatusBadRequest, errorResponse{Status: "error", Error: string(ucErr.Code)}
		}
	}
	return http.StatusInternalServerError, errorResponse{Status: "error"}
}

// validSignature compares the hex HMAC-SHA256 of body in constant time.
func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected))
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, body any, correlationID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"status":"error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}
