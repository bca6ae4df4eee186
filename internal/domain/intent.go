package domain

import "strings"

// Intent is the request category assigned to a user turn by the extractor.
type Intent string

const (
	IntentNone                  Intent = ""
	IntentBookAppointment       Intent = "book_appointment"
	IntentRescheduleAppointment Intent = "reschedule_appointment"
	IntentCancelAppointment     Intent = "cancel_appointment"
	IntentQueryAppointment      Intent = "query_appointment"
	IntentQueryAvailability     Intent = "query_availability"
	IntentGreeting              Intent = "greeting"
	IntentThanks                Intent = "thanks"
	IntentUnknown               Intent = "unknown"
)

// Intents lists every recognised intent in declaration order.
var Intents = []Intent{
	IntentBookAppointment,
	IntentRescheduleAppointment,
	IntentCancelAppointment,
	IntentQueryAppointment,
	IntentQueryAvailability,
	IntentGreeting,
	IntentThanks,
	IntentUnknown,
}

// ParseIntent normalizes an extractor tag. Matching is case-insensitive and
// anything unrecognised becomes IntentUnknown.
func ParseIntent(s string) Intent {
	tag := Intent(strings.ToLower(strings.TrimSpace(s)))
	for _, in := range Intents {
		if in == tag {
			return in
		}
	}
	return IntentUnknown
}

func (i Intent) String() string {
	return string(i)
}
