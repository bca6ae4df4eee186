// Package transcript assembles streamed speech-to-text fragments into
// complete utterances.
package transcript

import (
	"strings"
	"unicode/utf8"

	"doctalk-agent/internal/domain"
)

const (
	minPunctuatedWords   = 2
	minUnpunctuatedWords = 3
	minUnpunctuatedChars = 15
)

var incompleteEndings = map[string]bool{
	"my": true, "the": true, "a": true, "an": true, "to": true, "for": true,
	"with": true, "and": true, "or": true, "i": true, "want": true, "need": true,
	"is": true, "because": true,
}

// Buffer accumulates fragments for one session. The zero value is ready to use.
type Buffer struct {
	SessionID string `json:"session_id"`
	// Text holds the final segments received so far.
	Text string `json:"text"`
	// Interim is the newest unconfirmed hypothesis. Each interim replaces the
	// previous one and a final segment supersedes it.
	Interim string `json:"interim,omitempty"`
	// Last is the most recently emitted sentence, used to drop repeated finals.
	Last string `json:"last"`
	// Version is the stored revision this buffer was read at, zero when new.
	Version int64 `json:"version"`
}

// Add applies a fragment and returns the completed sentence, if any. Only
// final segments are appended; speech_final flushes them together with the
// pending interim.
func (b *Buffer) Add(f domain.TranscriptFragment) (string, bool) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		if f.SpeechFinal {
			return b.emit()
		}
		return "", false
	}
	if !f.IsFinal {
		b.Interim = text
		if f.SpeechFinal {
			return b.emit()
		}
		return "", false
	}

	b.Interim = ""
	b.Text = join(b.Text, text)
	if f.SpeechFinal || b.complete() {
		return b.emit()
	}
	return "", false
}

func (b *Buffer) complete() bool {
	sentence := strings.TrimSpace(b.Text)
	words := strings.Fields(sentence)
	if len(words) == 0 {
		return false
	}
	if endsSentence(sentence) {
		return len(words) >= minPunctuatedWords
	}
	last := strings.ToLower(words[len(words)-1])
	return len(words) >= minUnpunctuatedWords &&
		utf8.RuneCountInString(sentence) >= minUnpunctuatedChars &&
		!incompleteEndings[last]
}

func (b *Buffer) emit() (string, bool) {
	sentence := strings.TrimSpace(join(b.Text, b.Interim))
	b.Text, b.Interim = "", ""
	if sentence == "" || sentence == b.Last {
		return "", false
	}
	b.Last = sentence
	return sentence, true
}

func endsSentence(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	switch r {
	case '.', '?', '!', '。', '？', '！':
		return true
	}
	return false
}

func join(head, tail string) string {
	switch {
	case head == "":
		return tail
	case tail == "":
		return head
	}
	return head + " " + tail
}
