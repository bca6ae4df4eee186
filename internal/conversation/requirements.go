package conversation

import (
	"fmt"

	"doctalk-agent/internal/domain"
)

// Alternative is one sufficient set of slots for an intent. Name selects the
// confirmation phrasing for that branch.
type Alternative struct {
	Name  string
	Slots []domain.Slot
}

// Satisfied reports whether every slot of the alternative has a non-blank value.
func (a Alternative) Satisfied(e domain.Entities) bool {
	for _, s := range a.Slots {
		if !e.Has(s) {
			return false
		}
	}
	return true
}

// progress counts how many of the alternative's slots are already filled.
func (a Alternative) progress(e domain.Entities) int {
	n := 0
	for _, s := range a.Slots {
		if e.Has(s) {
			n++
		}
	}
	return n
}

// Alternative names used by the default table.
const (
	AltBooking      = "booking"
	AltByID         = "by_id"
	AltByPatient    = "by_patient"
	AltAvailability = "availability"
)

// RequirementTable maps an intent to its ordered requirement alternatives. An
// intent present with no alternatives needs no information. An intent absent
// from the table cannot be acted on.
type RequirementTable map[domain.Intent][]Alternative

// DefaultRequirements returns the clinic's slot requirements.
func DefaultRequirements() RequirementTable {
	return RequirementTable{
		domain.IntentBookAppointment: {
			{Name: AltBooking, Slots: []domain.Slot{domain.SlotPatientName, domain.SlotDoctorName, domain.SlotDate, domain.SlotTime}},
		},
		domain.IntentRescheduleAppointment: {
			{Name: AltByID, Slots: []domain.Slot{domain.SlotAppointmentID, domain.SlotNewDate, domain.SlotNewTime}},
			{Name: AltByPatient, Slots: []domain.Slot{domain.SlotPatientName, domain.SlotDate, domain.SlotNewDate, domain.SlotNewTime}},
		},
		domain.IntentCancelAppointment: {
			{Name: AltByID, Slots: []domain.Slot{domain.SlotAppointmentID}},
			{Name: AltByPatient, Slots: []domain.Slot{domain.SlotPatientName, domain.SlotDate}},
		},
		domain.IntentQueryAppointment: {
			{Name: AltByID, Slots: []domain.Slot{domain.SlotAppointmentID}},
			{Name: AltByPatient, Slots: []domain.Slot{domain.SlotPatientName}},
		},
		domain.IntentQueryAvailability: {
			{Name: AltAvailability, Slots: []domain.Slot{domain.SlotDoctorName, domain.SlotDate}},
		},
		domain.IntentGreeting: {},
		domain.IntentThanks:   {},
		domain.IntentUnknown:  {},
	}
}

// Lookup returns the alternatives for intent and whether the intent is declared.
func (t RequirementTable) Lookup(intent domain.Intent) ([]Alternative, bool) {
	alts, ok := t[intent]
	return alts, ok
}

// Validate checks that every alternative is named uniquely within its intent
// and references only known, non-repeated slots.
func (t RequirementTable) Validate() error {
	for intent, alts := range t {
		names := make(map[string]bool, len(alts))
		for i, alt := range alts {
			if alt.Name == "" {
				return fmt.Errorf("conversation: %s alternative %d has no name", intent, i)
			}
			if names[alt.Name] {
				return fmt.Errorf("conversation: %s alternative %q declared twice", intent, alt.Name)
			}
			names[alt.Name] = true
			if len(alt.Slots) == 0 {
				return fmt.Errorf("conversation: %s alternative %q has no slots", intent, alt.Name)
			}
			seen := make(map[domain.Slot]bool, len(alt.Slots))
			for _, s := range alt.Slots {
				if _, ok := domain.ParseSlot(string(s)); !ok {
					return fmt.Errorf("conversation: %s alternative %q references undefined slot %q", intent, alt.Name, s)
				}
				if seen[s] {
					return fmt.Errorf("conversation: %s alternative %q repeats slot %q", intent, alt.Name, s)
				}
				seen[s] = true
			}
		}
	}
	return nil
}
