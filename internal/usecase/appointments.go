package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"doctalk-agent/internal/domain"
)

// AppointmentService backs the direct appointment routes.
type AppointmentService struct {
	store AppointmentStore
}

type BookInput struct {
	PatientName string
	DoctorName  string
	Date        string
	Time        string
	Reason      string
}

func NewAppointmentService(store AppointmentStore) (*AppointmentService, error) {
	if store == nil {
		return nil, errors.New("usecase: appointment store must not be nil")
	}
	return &AppointmentService{store: store}, nil
}

func (s *AppointmentService) Book(ctx context.Context, in BookInput) (domain.Appointment, error) {
	in.PatientName = strings.TrimSpace(in.PatientName)
	in.DoctorName = strings.TrimSpace(in.DoctorName)
	if in.PatientName == "" || in.DoctorName == "" {
		return domain.Appointment{}, newError(ErrorInvalidInput, "missing_names", nil)
	}
	if err := validateDateTime(in.Date, in.Time, false); err != nil {
		return domain.Appointment{}, err
	}
	a, err := s.store.Create(ctx, domain.Appointment{
		PatientName: in.PatientName,
		DoctorName:  in.DoctorName,
		Date:        in.Date,
		Time:        in.Time,
		Reason:      strings.TrimSpace(in.Reason),
	})
	if err != nil {
		return domain.Appointment{}, storeError(err)
	}
	return a, nil
}

func (s *AppointmentService) Get(ctx context.Context, id string) (domain.Appointment, error) {
	a, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Appointment{}, storeError(err)
	}
	return a, nil
}

func (s *AppointmentService) Cancel(ctx context.Context, id string) (domain.Appointment, error) {
	a, err := s.store.Cancel(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Appointment{}, storeError(err)
	}
	return a, nil
}

// Reschedule moves a booked appointment. An empty tm keeps the current time.
func (s *AppointmentService) Reschedule(ctx context.Context, id, date, tm string) (domain.Appointment, error) {
	if err := validateDateTime(date, tm, true); err != nil {
		return domain.Appointment{}, err
	}
	a, err := s.store.Reschedule(ctx, strings.TrimSpace(id), date, tm)
	if err != nil {
		return domain.Appointment{}, storeError(err)
	}
	return a, nil
}

func (s *AppointmentService) ListByPatient(ctx context.Context, patient string) ([]domain.Appointment, error) {
	patient = strings.TrimSpace(patient)
	if patient == "" {
		return nil, newError(ErrorInvalidInput, "missing_patient", nil)
	}
	appts, err := s.store.FindByPatient(ctx, patient, "")
	if err != nil {
		return nil, storeError(err)
	}
	if appts == nil {
		appts = []domain.Appointment{}
	}
	return appts, nil
}

func validateDateTime(date, tm string, timeOptional bool) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return newError(ErrorInvalidInput, "invalid_date", err)
	}
	if tm == "" && timeOptional {
		return nil
	}
	if _, err := time.Parse("15:04", tm); err != nil {
		return newError(ErrorInvalidInput, "invalid_time", err)
	}
	return nil
}
