package conversation

import (
	"fmt"
	"regexp"
	"strings"

	"doctalk-agent/internal/domain"
)

var digitRun = regexp.MustCompile(`\d+`)

// Fulfillment is handed to the dispatcher once a request can be acted on.
// Slots holds the values of the satisfied alternative; Extra holds any other
// values collected along the way (e.g. a visit reason).
type Fulfillment struct {
	Intent      domain.Intent
	Alternative string
	Slots       domain.Entities
	Extra       domain.Entities
}

// Reply is the outcome of one turn.
type Reply struct {
	Text        string
	Intent      domain.Intent
	Fulfillment *Fulfillment
}

// Fulfilled reports whether the turn completed a request.
func (r Reply) Fulfilled() bool {
	return r.Fulfillment != nil
}

// Manager decides, turn by turn, what a session still needs. It performs no
// I/O: the same extraction and state always produce the same reply and state.
type Manager struct {
	table RequirementTable
}

// NewManager validates the table; a table referencing undefined slots is a
// programming error.
func NewManager(table RequirementTable) (*Manager, error) {
	if table == nil {
		return nil, fmt.Errorf("conversation: requirement table must not be nil")
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Manager{table: table}, nil
}

// ProcessTurn applies one extraction to st and returns the next system
// utterance together with the state to store for the session.
func (m *Manager) ProcessTurn(ex domain.Extraction, st State) (Reply, State) {
	st = st.Clone()
	if st.Collected == nil {
		st.Collected = domain.Entities{}
	}
	intent := normalizeIntent(ex.Intent)
	entities := cleanEntities(ex.Entities)

	// An uninterpretable turn while a question is outstanding is the answer.
	if intent == domain.IntentUnknown && st.Active() && len(st.Missing) > 0 {
		intent = st.Intent
		if pending := st.Missing[0]; pending == domain.SlotAppointmentID && !entities.Has(pending) {
			if digits := digitRun.FindAllString(ex.RawText, -1); len(digits) > 0 {
				entities[pending] = strings.Join(digits, " ")
			}
		}
	}

	if intent == domain.IntentUnknown {
		st.Fulfilled = false
		return Reply{Text: Clarification(), Intent: domain.IntentUnknown}, st
	}

	if intent != st.Intent {
		st = st.Reset()
		st.Intent = intent
		st.Collected = entities
	} else {
		for slot, v := range entities {
			st.Collected[slot] = v
		}
		if pending, ok := st.Pending(); ok {
			if !entities.Has(pending) {
				if raw := strings.TrimSpace(ex.RawText); raw != "" {
					st.Collected[pending] = raw
				}
			}
			st.Missing = st.Missing[1:]
		}
	}

	alts, declared := m.table.Lookup(intent)
	if !declared {
		st.Missing = nil
		st.Fulfilled = false
		return Reply{Text: NeedMoreInformation(), Intent: intent}, st
	}

	if len(alts) == 0 {
		return m.fulfill(st, Alternative{}), st.Reset()
	}

	for _, alt := range alts {
		if alt.Satisfied(st.Collected) {
			st.Fulfilled = true
			return m.fulfill(st, alt), st.Reset()
		}
	}

	next := nextSlot(alts, st.Collected)
	st.Missing = []domain.Slot{next}
	st.Fulfilled = false
	return Reply{Text: Question(intent, next), Intent: intent}, st
}

func (m *Manager) fulfill(st State, alt Alternative) Reply {
	slots := st.Collected.Pick(alt.Slots)
	extra := domain.Entities{}
	for k, v := range st.Collected {
		if _, ok := slots[k]; !ok && st.Collected.Has(k) {
			extra[k] = v
		}
	}
	return Reply{
		Text:   Confirmation(st.Intent, alt.Name, slots),
		Intent: st.Intent,
		Fulfillment: &Fulfillment{
			Intent:      st.Intent,
			Alternative: alt.Name,
			Slots:       slots,
			Extra:       extra,
		},
	}
}

// nextSlot picks the single slot to ask for. The focus alternative is the
// one with the most slots already filled; with no progress anywhere, or on a
// tie, the first declared alternative wins. Within it, slots are asked for in
// declaration order. alts must be unsatisfied and non-empty.
func nextSlot(alts []Alternative, collected domain.Entities) domain.Slot {
	focus := alts[0]
	best := focus.progress(collected)
	for _, alt := range alts[1:] {
		if p := alt.progress(collected); p > best {
			focus, best = alt, p
		}
	}
	for _, s := range focus.Slots {
		if !collected.Has(s) {
			return s
		}
	}
	return focus.Slots[0]
}

func normalizeIntent(in domain.Intent) domain.Intent {
	return domain.ParseIntent(string(in))
}

func cleanEntities(in domain.Entities) domain.Entities {
	out := make(domain.Entities, len(in))
	for k, v := range in {
		if _, known := domain.ParseSlot(string(k)); !known {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}
