package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Slot names a piece of information needed to act on an intent.
type Slot string

const (
	SlotPatientName          Slot = "patient_name"
	SlotDoctorName           Slot = "doctor_name"
	SlotDoctorSpecialization Slot = "doctor_specialization"
	SlotDate                 Slot = "date"
	SlotTime                 Slot = "time"
	SlotNewDate              Slot = "new_date"
	SlotNewTime              Slot = "new_time"
	SlotAppointmentID        Slot = "appointment_id"
	SlotReason               Slot = "reason"
)

// Slots is the closed set of slot names the system understands.
var Slots = []Slot{
	SlotPatientName,
	SlotDoctorName,
	SlotDoctorSpecialization,
	SlotDate,
	SlotTime,
	SlotNewDate,
	SlotNewTime,
	SlotAppointmentID,
	SlotReason,
}

// ParseSlot resolves a slot name, reporting false for names outside Slots.
func ParseSlot(s string) (Slot, bool) {
	name := Slot(strings.ToLower(strings.TrimSpace(s)))
	for _, slot := range Slots {
		if slot == name {
			return slot, true
		}
	}
	return "", false
}

func (s Slot) String() string {
	return string(s)
}

// Entities maps slot names to their collected values.
type Entities map[Slot]string

// Has reports whether slot holds a non-blank value.
func (e Entities) Has(slot Slot) bool {
	return strings.TrimSpace(e[slot]) != ""
}

// Clone returns an independent copy. A nil receiver yields an empty map.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Pick returns the subset of e restricted to slots.
func (e Entities) Pick(slots []Slot) Entities {
	out := make(Entities, len(slots))
	for _, s := range slots {
		if v, ok := e[s]; ok {
			out[s] = v
		}
	}
	return out
}

// Keys returns the slot names in Slots order.
func (e Entities) Keys() []Slot {
	keys := make([]Slot, 0, len(e))
	for _, s := range Slots {
		if _, ok := e[s]; ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// ToMap flattens the entities for JSON responses.
func (e Entities) ToMap() map[string]string {
	out := make(map[string]string, len(e))
	for k, v := range e {
		out[string(k)] = v
	}
	return out
}

// ParseEntities converts a loosely typed extractor payload into Entities.
// Null and blank values are treated as not provided. Numeric values are
// rendered without exponent so numeric appointment ids survive. Keys outside
// the known slot set are dropped and returned, sorted, as unknown. A payload
// that is not a JSON object yields empty entities.
func ParseEntities(raw any) (Entities, []string) {
	out := Entities{}
	m, ok := raw.(map[string]any)
	if !ok {
		return out, nil
	}
	var unknown []string
	for key, v := range m {
		slot, ok := ParseSlot(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		value, ok := entityValue(v)
		if !ok {
			continue
		}
		out[slot] = value
	}
	sort.Strings(unknown)
	return out, unknown
}

func entityValue(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case bool:
		return "", false
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return "", false
	}
	return s, true
}
