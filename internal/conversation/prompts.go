package conversation

import (
	"fmt"
	"strings"

	"doctalk-agent/internal/domain"
)

const (
	genericQuestion   = "Could you please provide that information?"
	clarificationText = "I'm sorry, I didn't quite catch that. I can help you book, reschedule, cancel or look up an appointment, or check a doctor's availability. What would you like to do?"
	needMoreInfoText  = "I need a little more information before I can help with that. Could you tell me more about what you need?"
)

var slotQuestions = map[domain.Slot]string{
	domain.SlotPatientName:          "Sure, may I please have your full name?",
	domain.SlotDoctorName:           "Which doctor would you like to see?",
	domain.SlotDoctorSpecialization: "What kind of specialist are you looking for?",
	domain.SlotDate:                 "What date would you like to book for?",
	domain.SlotTime:                 "What time works best for you?",
	domain.SlotNewDate:              "What is the new date you'd prefer?",
	domain.SlotNewTime:              "What is the new time you'd prefer?",
	domain.SlotAppointmentID:        "Could you please provide your appointment ID?",
	domain.SlotReason:               "What is the reason for your visit?",
}

// Some slots read differently depending on what the patient is doing.
var intentQuestions = map[domain.Intent]map[domain.Slot]string{
	domain.IntentRescheduleAppointment: {
		domain.SlotDate: "What is the date of the appointment you'd like to move?",
	},
	domain.IntentCancelAppointment: {
		domain.SlotDate: "What is the date of the appointment you'd like to cancel?",
	},
	domain.IntentQueryAvailability: {
		domain.SlotDoctorName: "Which doctor's availability would you like to check?",
		domain.SlotDate:       "Which date should I check?",
	},
}

// confirmationTemplate returns the phrasing for a fulfilled branch.
// Placeholders are {slot_name}.
func confirmationTemplate(intent domain.Intent, alternative string) (string, bool) {
	switch intent {
	case domain.IntentBookAppointment:
		return "Great! I will book an appointment for {patient_name} with {doctor_name} on {date} at {time}.", true
	case domain.IntentRescheduleAppointment:
		switch alternative {
		case AltByID:
			return "Got it. I will move appointment {appointment_id} to {new_date} at {new_time}.", true
		case AltByPatient:
			return "Got it. I will move {patient_name}'s appointment on {date} to {new_date} at {new_time}.", true
		}
	case domain.IntentCancelAppointment:
		switch alternative {
		case AltByID:
			return "Okay, I will cancel appointment {appointment_id}.", true
		case AltByPatient:
			return "Okay, I will cancel {patient_name}'s appointment on {date}.", true
		}
	case domain.IntentQueryAppointment:
		switch alternative {
		case AltByID:
			return "Let me look up appointment {appointment_id}.", true
		case AltByPatient:
			return "Let me look up the appointments for {patient_name}.", true
		}
	case domain.IntentQueryAvailability:
		return "Let me check {doctor_name}'s availability on {date}.", true
	case domain.IntentGreeting:
		return "Hello! I'm the clinic's appointment assistant. How can I help you today?", true
	case domain.IntentThanks:
		return "You're welcome! Is there anything else I can help you with?", true
	}
	return "", false
}

// Question returns the prompt for a missing slot.
func Question(intent domain.Intent, slot domain.Slot) string {
	if q, ok := intentQuestions[intent][slot]; ok {
		return q
	}
	if q, ok := slotQuestions[slot]; ok {
		return q
	}
	return genericQuestion
}

// Confirmation renders the confirmation for a fulfilled intent. alternative is
// empty for intents that need no slots.
func Confirmation(intent domain.Intent, alternative string, values domain.Entities) string {
	tmpl, ok := confirmationTemplate(intent, alternative)
	if !ok {
		return fallbackConfirmation(values)
	}
	pairs := make([]string, 0, 2*len(values))
	for slot, v := range values {
		pairs = append(pairs, "{"+string(slot)+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Clarification is the reply to a turn that could not be interpreted.
func Clarification() string {
	return clarificationText
}

// NeedMoreInformation is the reply for an intent the table cannot act on.
func NeedMoreInformation() string {
	return needMoreInfoText
}

func fallbackConfirmation(values domain.Entities) string {
	keys := values.Keys()
	if len(keys) == 0 {
		return "Great! I will process your request."
	}
	details := make([]string, 0, len(keys))
	for _, k := range keys {
		details = append(details, fmt.Sprintf("%s: %s", k, values[k]))
	}
	return fmt.Sprintf("Great! I will process your request for: %s.", strings.Join(details, ", "))
}
