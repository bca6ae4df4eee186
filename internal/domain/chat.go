package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// extraction prompt and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Extraction is the structured result of interpreting one utterance.
// Confidence is advisory only.
type Extraction struct {
	Intent     Intent
	Entities   Entities
	Confidence float64
	RawText    string
}

// UnknownExtraction is the degraded result used when the extractor fails or
// returns something unusable.
func UnknownExtraction(rawText string) Extraction {
	return Extraction{Intent: IntentUnknown, Entities: Entities{}, RawText: rawText}
}
