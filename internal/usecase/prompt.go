package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"doctalk-agent/internal/domain"
)

// envelopeSchema checks the shape of an extractor answer. Entity values are
// unconstrained here; domain.ParseEntities coerces them.
var envelopeSchema = mustSchema(`{
	"type": "object",
	"required": ["intent"],
	"properties": {
		"intent": {"type": "string"},
		"entities": {"type": ["object", "null"]},
		"confidence": {"type": "number"}
	}
}`)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("usecase: compile schema: %v", err))
	}
	return schema
}

type promptContext struct {
	today   time.Time
	intent  domain.Intent
	pending domain.Slot
}

func buildExtractionMessages(ctx promptContext, utterance string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt(ctx.today)},
	}
	if ctx.pending != "" {
		messages = append(messages, domain.ChatMessage{
			Role: "system",
			Content: fmt.Sprintf(
				"Conversation Context:\nThe assistant is handling %s and has just asked the user for %s. "+
					"If the message only answers that question, return intent unknown and put the answer in entities.%s.",
				ctx.intent, ctx.pending, ctx.pending,
			),
		})
	}
	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: normalizePromptInput(utterance),
	})
	return messages
}

func buildPolicyPrompt(today time.Time) string {
	return strings.Join([]string{
		"Role:",
		"You classify messages sent to a medical clinic's appointment assistant.",
		"",
		"Task:",
		"Identify the user's intent and extract any appointment details the message contains.",
		"",
		"Intents:",
		intentList(),
		"",
		"Entities:",
		entityRules(today),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func intentList() string {
	return strings.Join([]string{
		"- book_appointment: make a new appointment",
		"- reschedule_appointment: move an existing appointment",
		"- cancel_appointment: cancel an existing appointment",
		"- query_appointment: ask about an existing appointment",
		"- query_availability: ask when a doctor is free",
		"- greeting: hello and small talk",
		"- thanks: gratitude or goodbye",
		"- unknown: anything else",
	}, "\n")
}

func entityRules(today time.Time) string {
	return strings.Join([]string{
		"1) Today is " + today.Format("2006-01-02 (Monday)") + ". Resolve relative dates against it.",
		"2) Dates are YYYY-MM-DD. Times are 24-hour HH:MM.",
		"3) For reschedule_appointment, the current appointment goes in date/time and the new one in new_date/new_time.",
		"4) appointment_id contains digits only.",
		"5) Use null for anything the message does not state. Never guess.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys intent (string), entities (object of nullable strings) and " +
		"confidence (number between 0 and 1)."
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

// parseExtraction decodes the extractor's JSON. An answer that does not match
// envelopeSchema is an error; callers degrade to an unknown turn. Unknown
// entity keys are dropped and returned.
func parseExtraction(raw, utterance string) (domain.Extraction, []string, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	if err := dec.Decode(&doc); err != nil {
		return domain.Extraction{}, nil, fmt.Errorf("usecase: decode extraction: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.Extraction{}, nil, errors.New("usecase: decode extraction: multiple JSON values")
		}
		return domain.Extraction{}, nil, fmt.Errorf("usecase: decode extraction trailing data: %w", err)
	}
	if err := validateEnvelope(doc); err != nil {
		return domain.Extraction{}, nil, err
	}

	obj := doc.(map[string]any)
	intent, _ := obj["intent"].(string)
	confidence, _ := obj["confidence"].(float64)
	parsed, unknown := domain.ParseEntities(obj["entities"])

	return domain.Extraction{
		Intent:     domain.ParseIntent(intent),
		Entities:   parsed,
		Confidence: min(max(confidence, 0), 1),
		RawText:    utterance,
	}, unknown, nil
}

func validateEnvelope(doc any) error {
	result, err := envelopeSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("usecase: validate extraction: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("usecase: extraction does not match schema: %s", strings.Join(problems, "; "))
	}
	return nil
}
