package domain

import "errors"

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "booked"
	StatusCancelled AppointmentStatus = "cancelled"
)

var (
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrAppointmentNotBooked = errors.New("appointment is not booked")
)

// Appointment is a persisted booking. Date and Time are the normalized text
// forms produced by the extractor (YYYY-MM-DD, HH:MM).
type Appointment struct {
	ID          string            `json:"appointment_id"`
	PatientName string            `json:"patient_name"`
	DoctorName  string            `json:"doctor_name"`
	Date        string            `json:"date"`
	Time        string            `json:"time"`
	Reason      string            `json:"reason,omitempty"`
	Status      AppointmentStatus `json:"status"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}
