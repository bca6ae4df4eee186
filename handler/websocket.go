package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"doctalk-agent/internal/domain"
	"doctalk-agent/internal/usecase"
)

const (
	routeConnect    = "$connect"
	routeDisconnect = "$disconnect"

	messageTranscript = "transcript"
	messageText       = "text"
	messageIntent     = "intent"
	messageError      = "error"
)

// wsMessage is a client frame on the $default route.
type wsMessage struct {
	Type        string `json:"type"`
	Transcript  string `json:"transcript"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
}

type wsTranscriptReply struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"is_final"`
	IsInterim  bool   `json:"is_interim"`
}

type wsIntentReply struct {
	Type              string            `json:"type"`
	SessionID         string            `json:"session_id"`
	Transcript        string            `json:"transcript"`
	Intent            string            `json:"intent"`
	Entities          map[string]string `json:"entities"`
	Confidence        float64           `json:"confidence"`
	ProcessedResponse string            `json:"processed_response"`
	IsFinal           bool              `json:"is_final"`
	Flagged           bool              `json:"flagged,omitempty"`
	Audio             string            `json:"audio,omitempty"`
}

type wsErrorReply struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// HandleWebSocket serves the WebSocket API. The connection id is the session id.
func (h *Handler) HandleWebSocket(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	sessionID := event.RequestContext.ConnectionID
	correlationID := event.RequestContext.RequestID
	if correlationID == "" {
		correlationID = correlationIDFrom(event.Headers)
	}
	logger := h.logger.With("session_id", sessionID, "correlation_id", correlationID)

	switch event.RequestContext.RouteKey {
	case routeConnect:
		logger.InfoContext(ctx, "websocket connected")
		return respond(http.StatusOK, correlationID, nil), nil
	case routeDisconnect:
		if err := h.turns.ResetSession(ctx, sessionID); err != nil {
			logger.ErrorContext(ctx, "session reset on disconnect failed", "err", err)
		}
		logger.InfoContext(ctx, "websocket disconnected")
		return respond(http.StatusOK, correlationID, nil), nil
	}

	var msg wsMessage
	if err := json.Unmarshal([]byte(event.Body), &msg); err != nil {
		return h.wsFail(ctx, correlationID, usecaseErr(usecase.ErrorInvalidInput, "invalid_json", err)), nil
	}

	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case messageTranscript:
		out, err := h.turns.HandleFragment(ctx, sessionID, domain.TranscriptFragment{
			Text:        msg.Transcript,
			IsFinal:     msg.IsFinal,
			SpeechFinal: msg.SpeechFinal,
		})
		if err != nil {
			return h.wsFail(ctx, correlationID, err), nil
		}
		if !out.Completed {
			return respond(http.StatusOK, correlationID, wsTranscriptReply{
				Type:       messageTranscript,
				Transcript: msg.Transcript,
				IsFinal:    msg.IsFinal,
				IsInterim:  !msg.IsFinal,
			}), nil
		}
		return respond(http.StatusOK, correlationID, toIntentReply(out.Turn)), nil
	case messageText:
		out, err := h.turns.HandleUtterance(ctx, usecase.TurnInput{SessionID: sessionID, Text: msg.Text})
		if err != nil {
			return h.wsFail(ctx, correlationID, err), nil
		}
		return respond(http.StatusOK, correlationID, toIntentReply(out)), nil
	default:
		return h.wsFail(ctx, correlationID, usecaseErr(usecase.ErrorInvalidQuestion, "unsupported_message_type", nil)), nil
	}
}

func (h *Handler) wsFail(ctx context.Context, correlationID string, err error) events.APIGatewayProxyResponse {
	resp := h.fail(ctx, correlationID, err)
	_, body := errorBody(err)
	return respond(resp.StatusCode, correlationID, wsErrorReply{Type: messageError, Error: body.Error, Reason: body.Reason})
}

func toIntentReply(out usecase.TurnOutput) wsIntentReply {
	tr := toTurnResponse(out)
	return wsIntentReply{
		Type:              messageIntent,
		SessionID:         tr.SessionID,
		Transcript:        out.Utterance,
		Intent:            tr.Intent,
		Entities:          tr.Entities,
		Confidence:        tr.Confidence,
		ProcessedResponse: tr.Response,
		IsFinal:           true,
		Flagged:           tr.Flagged,
		Audio:             tr.Audio,
	}
}
