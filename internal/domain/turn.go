package domain

// TranscriptFragment is one speech-to-text result for a session.
// SpeechFinal marks detected end of speech, which closes the current utterance.
type TranscriptFragment struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
}

// TurnRecord is a single persisted conversation turn.
type TurnRecord struct {
	PK        string
	SK        string
	SessionID string
	Utterance string
	Response  string
	Intent    Intent
	Fulfilled bool
	TTL       int64
}
