package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"doctalk-agent/internal/conversation"
	"doctalk-agent/internal/domain"
)

const (
	defaultOpenHour  = 9
	defaultCloseHour = 17
	couldNotComplete = "Sorry, I could not complete that request right now. Please try again shortly."
)

// AppointmentStore is the persistence boundary for appointments.
type AppointmentStore interface {
	Create(ctx context.Context, a domain.Appointment) (domain.Appointment, error)
	Get(ctx context.Context, id string) (domain.Appointment, error)
	FindByPatient(ctx context.Context, patient, date string) ([]domain.Appointment, error)
	ListByDoctorDate(ctx context.Context, doctor, date string) ([]domain.Appointment, error)
	Reschedule(ctx context.Context, id, date, tm string) (domain.Appointment, error)
	Cancel(ctx context.Context, id string) (domain.Appointment, error)
}

// Dispatcher carries out fulfilled requests against the appointment store and
// describes the outcome in one sentence. Store failures never fail the turn.
type Dispatcher struct {
	store     AppointmentStore
	openHour  int
	closeHour int
	logger    *slog.Logger
}

func NewDispatcher(store AppointmentStore, openHour, closeHour int, logger *slog.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("usecase: appointment store must not be nil")
	}
	if openHour <= 0 && closeHour <= 0 {
		openHour, closeHour = defaultOpenHour, defaultCloseHour
	}
	if openHour < 0 || closeHour > 24 || openHour >= closeHour {
		return nil, fmt.Errorf("usecase: invalid clinic hours %d-%d", openHour, closeHour)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, openHour: openHour, closeHour: closeHour, logger: logger}, nil
}

// Dispatch returns the outcome sentence for f, or "" when the intent needs no
// store operation.
func (d *Dispatcher) Dispatch(ctx context.Context, f conversation.Fulfillment) string {
	s := f.Slots
	switch f.Intent {
	case domain.IntentBookAppointment:
		return d.book(ctx, f)
	case domain.IntentRescheduleAppointment:
		if f.Alternative == conversation.AltByID {
			return d.rescheduleByID(ctx, s[domain.SlotAppointmentID], s[domain.SlotNewDate], s[domain.SlotNewTime])
		}
		return d.withPatientAppointment(ctx, s[domain.SlotPatientName], s[domain.SlotDate], func(a domain.Appointment) string {
			return d.rescheduleByID(ctx, a.ID, s[domain.SlotNewDate], s[domain.SlotNewTime])
		})
	case domain.IntentCancelAppointment:
		if f.Alternative == conversation.AltByID {
			return d.cancel(ctx, s[domain.SlotAppointmentID])
		}
		return d.withPatientAppointment(ctx, s[domain.SlotPatientName], s[domain.SlotDate], func(a domain.Appointment) string {
			return d.cancel(ctx, a.ID)
		})
	case domain.IntentQueryAppointment:
		if f.Alternative == conversation.AltByID {
			return d.describe(ctx, s[domain.SlotAppointmentID])
		}
		return d.listForPatient(ctx, s[domain.SlotPatientName])
	case domain.IntentQueryAvailability:
		return d.availability(ctx, s[domain.SlotDoctorName], s[domain.SlotDate])
	default:
		return ""
	}
}

func (d *Dispatcher) book(ctx context.Context, f conversation.Fulfillment) string {
	a, err := d.store.Create(ctx, domain.Appointment{
		PatientName: f.Slots[domain.SlotPatientName],
		DoctorName:  f.Slots[domain.SlotDoctorName],
		Date:        f.Slots[domain.SlotDate],
		Time:        f.Slots[domain.SlotTime],
		Reason:      f.Extra[domain.SlotReason],
	})
	if err != nil {
		return d.failure(ctx, "book", err)
	}
	return fmt.Sprintf("Your appointment ID is %s.", a.ID)
}

func (d *Dispatcher) rescheduleByID(ctx context.Context, id, date, tm string) string {
	a, err := d.store.Reschedule(ctx, id, date, tm)
	if err != nil {
		return d.missing(ctx, "reschedule", id, err)
	}
	return fmt.Sprintf("Appointment %s is now on %s at %s.", a.ID, a.Date, a.Time)
}

func (d *Dispatcher) cancel(ctx context.Context, id string) string {
	a, err := d.store.Cancel(ctx, id)
	if err != nil {
		return d.missing(ctx, "cancel", id, err)
	}
	return fmt.Sprintf("Appointment %s has been cancelled.", a.ID)
}

func (d *Dispatcher) describe(ctx context.Context, id string) string {
	a, err := d.store.Get(ctx, id)
	if err != nil {
		return d.missing(ctx, "query", id, err)
	}
	return fmt.Sprintf("Appointment %s is %s for %s with %s on %s at %s.",
		a.ID, a.Status, a.PatientName, a.DoctorName, a.Date, a.Time)
}

func (d *Dispatcher) listForPatient(ctx context.Context, patient string) string {
	appts, err := d.store.FindByPatient(ctx, patient, "")
	if err != nil {
		return d.failure(ctx, "query", err)
	}
	booked := bookedOnly(appts)
	if len(booked) == 0 {
		return fmt.Sprintf("I couldn't find any booked appointments for %s.", patient)
	}
	parts := make([]string, 0, len(booked))
	for _, a := range booked {
		parts = append(parts, fmt.Sprintf("%s with %s on %s at %s", a.ID, a.DoctorName, a.Date, a.Time))
	}
	noun := "appointment"
	if len(booked) > 1 {
		noun = "appointments"
	}
	return fmt.Sprintf("%s has %d booked %s: %s.", patient, len(booked), noun, strings.Join(parts, "; "))
}

func (d *Dispatcher) availability(ctx context.Context, doctor, date string) string {
	appts, err := d.store.ListByDoctorDate(ctx, doctor, date)
	if err != nil {
		return d.failure(ctx, "availability", err)
	}
	taken := make(map[string]bool, len(appts))
	for _, a := range bookedOnly(appts) {
		taken[a.Time] = true
	}
	var open []string
	for h := d.openHour; h < d.closeHour; h++ {
		if slot := fmt.Sprintf("%02d:00", h); !taken[slot] {
			open = append(open, slot)
		}
	}
	if len(open) == 0 {
		return fmt.Sprintf("Sorry, %s has no open times on %s.", doctor, date)
	}
	return fmt.Sprintf("%s is available on %s at %s.", doctor, date, strings.Join(open, ", "))
}

// withPatientAppointment resolves the patient's booked appointment on date
// and hands it to act.
func (d *Dispatcher) withPatientAppointment(ctx context.Context, patient, date string, act func(domain.Appointment) string) string {
	appts, err := d.store.FindByPatient(ctx, patient, date)
	if err != nil {
		return d.failure(ctx, "find", err)
	}
	booked := bookedOnly(appts)
	if len(booked) == 0 {
		return fmt.Sprintf("I couldn't find a booked appointment for %s on %s.", patient, date)
	}
	return act(booked[0])
}

func (d *Dispatcher) missing(ctx context.Context, op, id string, err error) string {
	switch {
	case errors.Is(err, domain.ErrAppointmentNotFound):
		return fmt.Sprintf("I couldn't find appointment %s.", id)
	case errors.Is(err, domain.ErrAppointmentNotBooked):
		return fmt.Sprintf("Appointment %s is no longer booked, so it can't be changed.", id)
	default:
		return d.failure(ctx, op, err)
	}
}

func (d *Dispatcher) failure(ctx context.Context, op string, err error) string {
	d.logger.ErrorContext(ctx, "appointment store failed", "op", op, "err", err)
	return couldNotComplete
}

func bookedOnly(appts []domain.Appointment) []domain.Appointment {
	out := make([]domain.Appointment, 0, len(appts))
	for _, a := range appts {
		if a.Status == domain.StatusBooked {
			out = append(out, a)
		}
	}
	return out
}
