// Package handler adapts API Gateway proxy events (HTTP and WebSocket) onto
// the conversation and appointment use cases.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"doctalk-agent/internal/domain"
	"doctalk-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	defaultTurnLimit  = 50
	maxTurnLimit      = 200
)

type TurnUseCase interface {
	HandleUtterance(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	HandleFragment(ctx context.Context, sessionID string, f domain.TranscriptFragment) (usecase.FragmentOutput, error)
	ResetSession(ctx context.Context, sessionID string) error
	Transcript(ctx context.Context, sessionID string, limit int) ([]domain.TurnRecord, error)
}

type AppointmentUseCase interface {
	Book(ctx context.Context, in usecase.BookInput) (domain.Appointment, error)
	Get(ctx context.Context, id string) (domain.Appointment, error)
	Cancel(ctx context.Context, id string) (domain.Appointment, error)
	Reschedule(ctx context.Context, id, date, tm string) (domain.Appointment, error)
	ListByPatient(ctx context.Context, patient string) ([]domain.Appointment, error)
}

type Handler struct {
	turns  TurnUseCase
	appts  AppointmentUseCase
	logger *slog.Logger
}

func NewHandler(turns TurnUseCase, appts AppointmentUseCase, logger *slog.Logger) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn use case must not be nil")
	}
	if appts == nil {
		return nil, errors.New("handler: appointment use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{turns: turns, appts: appts, logger: logger}, nil
}

type turnRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type turnResponse struct {
	SessionID  string            `json:"sessionId"`
	Response   string            `json:"response"`
	Intent     string            `json:"intent"`
	Entities   map[string]string `json:"entities"`
	Confidence float64           `json:"confidence"`
	Fulfilled  bool              `json:"fulfilled"`
	Flagged    bool              `json:"flagged,omitempty"`
	Audio      string            `json:"audio,omitempty"`
}

type turnRecordResponse struct {
	Utterance string `json:"utterance"`
	Response  string `json:"response"`
	Intent    string `json:"intent"`
	Fulfilled bool   `json:"fulfilled"`
	At        string `json:"at"`
}

type transcriptResponse struct {
	SessionID string               `json:"sessionId"`
	Turns     []turnRecordResponse `json:"turns"`
}

type bookRequest struct {
	PatientName string `json:"patient_name"`
	DoctorName  string `json:"doctor_name"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Reason      string `json:"reason"`
}

type rescheduleRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type appointmentsResponse struct {
	Appointments []domain.Appointment `json:"appointments"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// requestKind holds the fields that tell WebSocket events apart from HTTP
// events before the payload is decoded into its concrete type.
type requestKind struct {
	RequestContext struct {
		ConnectionID string `json:"connectionId"`
		RouteKey     string `json:"routeKey"`
	} `json:"requestContext"`
}

// Handle is the Lambda entry point for both the REST API and the WebSocket API.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var kind requestKind
	if err := json.Unmarshal(raw, &kind); err != nil {
		return h.fail(ctx, "", usecaseErr(usecase.ErrorInvalidInput, "invalid_event", err)), nil
	}
	if kind.RequestContext.ConnectionID != "" {
		var event events.APIGatewayWebsocketProxyRequest
		if err := json.Unmarshal(raw, &event); err != nil {
			return h.fail(ctx, "", usecaseErr(usecase.ErrorInvalidInput, "invalid_event", err)), nil
		}
		return h.HandleWebSocket(ctx, event)
	}
	var event events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &event); err != nil {
		return h.fail(ctx, "", usecaseErr(usecase.ErrorInvalidInput, "invalid_event", err)), nil
	}
	return h.HandleHTTP(ctx, event)
}

// HandleHTTP routes REST API requests.
func (h *Handler) HandleHTTP(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDFrom(event.Headers)
	body, err := requestBody(event)
	if err != nil {
		return h.fail(ctx, correlationID, usecaseErr(usecase.ErrorInvalidInput, "invalid_body", err)), nil
	}

	parts := pathParts(event.Path)
	switch {
	case event.HTTPMethod == http.MethodPost && matches(parts, "turns"):
		return h.postTurn(ctx, correlationID, body)
	case event.HTTPMethod == http.MethodDelete && matches(parts, "sessions", "*"):
		return h.deleteSession(ctx, correlationID, parts[1])
	case event.HTTPMethod == http.MethodGet && matches(parts, "sessions", "*", "turns"):
		return h.getTurns(ctx, correlationID, parts[1], event.QueryStringParameters["limit"])
	case event.HTTPMethod == http.MethodPost && matches(parts, "appointments"):
		return h.bookAppointment(ctx, correlationID, body)
	case event.HTTPMethod == http.MethodGet && matches(parts, "appointments"):
		return h.listAppointments(ctx, correlationID, event.QueryStringParameters["patient"])
	case event.HTTPMethod == http.MethodGet && matches(parts, "appointments", "*"):
		return h.appointment(ctx, correlationID)(h.appts.Get(ctx, parts[1]))
	case event.HTTPMethod == http.MethodPost && matches(parts, "appointments", "*", "cancel"):
		return h.appointment(ctx, correlationID)(h.appts.Cancel(ctx, parts[1]))
	case event.HTTPMethod == http.MethodPost && matches(parts, "appointments", "*", "reschedule"):
		return h.rescheduleAppointment(ctx, correlationID, parts[1], body)
	default:
		return respond(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND", Reason: "route_not_found"}), nil
	}
}

func (h *Handler) postTurn(ctx context.Context, correlationID, body string) (events.APIGatewayProxyResponse, error) {
	var req turnRequest
	if err := decode(body, &req); err != nil {
		return h.fail(ctx, correlationID, err), nil
	}
	out, err := h.turns.HandleUtterance(ctx, usecase.TurnInput{SessionID: req.SessionID, Text: req.Text})
	if err != nil {
		return h.fail(ctx, correlationID, err), nil
	}
	return respond(http.StatusOK, correlationID, toTurnResponse(out)), nil
}

func (h *Handler) deleteSession(ctx context.Context, correlationID, sessionID string) (events.APIGatewayProxyResponse, error) {
	if err := h.turns.ResetSession(ctx, sessionID); err != nil {
		return h.fail(ctx, correlationID, err), nil
	}
	return respond(http.StatusNoContent, correlationID, nil), nil
}

func (h *Handler) getTurns(ctx context.Context, correlationID, sessionID, rawLimit string) (events.APIGatewayProxyResponse, error) {
	limit := defaultTurnLimit
	if rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 {
			return h.fail(ctx, correlationID, usecaseErr(usecase.ErrorInvalidInput, "invalid_limit", err)), nil
		}
		limit = min(n, maxTurnLimit)
	}
	turns, err := h.turns.Transcript(ctx, sessionID, limit)
	if err != nil {
		return h.fail(ctx, correlationID, err), nil
	}
	out := transcriptResponse{SessionID: sessionID, Turns: make([]turnRecordResponse, 0, len(turns))}
	for _, t := range turns {
		out.Turns = append(out.Turns, turnRecordResponse{
			Utterance: t.Utterance,
			Response:  t.Response,
			Intent:    string(t.Intent),
			Fulfilled: t.Fulfilled,
			At:        strings.TrimPrefix(t.SK, "TURN#"),
		})
	}
	return respond(http.StatusOK, correlationID, out), nil
}

func (h *Handler) bookAppointment(ctx context.Context, correlationID, body string) (events.APIGatewayProxyResponse, error) {
	var req bookRequest
	if err := decode(body, &req); err != nil {
		return h.fail(ctx, correlationID, err), nil
	}
	a, err := h.appts.Book(ctx, usecase.BookInput{
		PatientName: req.PatientName,
		DoctorName:  req.DoctorName,
		Date:        req.Date,
		Time:        req.Time,
		Reason:      req.Reason,
	})
	if err != nil {
		return h.fail(ctx, correlationID, err), nil
	}
	return respond(http.StatusCreated, correlationID, a), nil
}

func (h *Handler) rescheduleAppointment(ctx context.Context, correlationID, id, body string) (events.APIGatewayProxyResponse, error) {
	var req rescheduleRequest
	if err := decode(body, &req); err != nil {
		return h.fail(ctx, correlationID, err), nil
	}
	return h.appointment(ctx, correlationID)(h.appts.Reschedule(ctx, id, req.Date, req.Time))
}

func (h *Handler) listAppointments(ctx context.Context, correlationID, patient string) (events.APIGatewayProxyResponse, error) {
	appts, err := h.appts.ListByPatient(ctx, patient)
	if err != nil {
		return h.fail(ctx, correlationID, err), nil
	}
	return respond(http.StatusOK, correlationID, appointmentsResponse{Appointments: appts}), nil
}

func (h *Handler) appointment(ctx context.Context, correlationID string) func(domain.Appointment, error) (events.APIGatewayProxyResponse, error) {
	return func(a domain.Appointment, err error) (events.APIGatewayProxyResponse, error) {
		if err != nil {
			return h.fail(ctx, correlationID, err), nil
		}
		return respond(http.StatusOK, correlationID, a), nil
	}
}

func (h *Handler) fail(ctx context.Context, correlationID string, err error) events.APIGatewayProxyResponse {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	status, body := errorBody(err)
	logFn := h.logger.WarnContext
	if status >= http.StatusInternalServerError {
		logFn = h.logger.ErrorContext
	}
	logFn(ctx, "request failed", "correlation_id", correlationID, "code", body.Error, "reason", body.Reason, "err", err)
	return respond(status, correlationID, body)
}

func errorBody(err error) (int, errorResponse) {
	var uErr *usecase.Error
	if !errors.As(err, &uErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	return statusFor(uErr.Code), errorResponse{Error: string(uErr.Code), Reason: uErr.Reason}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toTurnResponse(out usecase.TurnOutput) turnResponse {
	entities := make(map[string]string, len(out.Entities))
	for k, v := range out.Entities {
		entities[string(k)] = v
	}
	return turnResponse{
		SessionID:  out.SessionID,
		Response:   out.Response,
		Intent:     string(out.Intent),
		Entities:   entities,
		Confidence: out.Confidence,
		Fulfilled:  out.Fulfilled,
		Flagged:    out.Flagged,
		Audio:      out.Audio,
	}
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
	}
	if body == nil {
		return resp
	}
	b, err := json.Marshal(body)
	if err != nil {
		resp.StatusCode = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	resp.Body = string(b)
	return resp
}

func decode(body string, v any) error {
	if strings.TrimSpace(body) == "" {
		return usecaseErr(usecase.ErrorInvalidInput, "empty_body", nil)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return usecaseErr(usecase.ErrorInvalidInput, "invalid_json", err)
	}
	return nil
}

func requestBody(event events.APIGatewayProxyRequest) (string, error) {
	if !event.IsBase64Encoded {
		return event.Body, nil
	}
	b, err := base64.StdEncoding.DecodeString(event.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func correlationIDFrom(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func pathParts(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// matches compares path segments against pattern; "*" matches any non-empty segment.
func matches(parts []string, pattern ...string) bool {
	if len(parts) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			if strings.TrimSpace(parts[i]) == "" {
				return false
			}
			continue
		}
		if parts[i] != p {
			return false
		}
	}
	return true
}

func usecaseErr(code usecase.ErrorCode, reason string, err error) error {
	return &usecase.Error{Code: code, Reason: reason, Err: err}
}
