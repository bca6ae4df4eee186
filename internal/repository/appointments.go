package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"doctalk-agent/internal/domain"
)

const (
	skAppointment    = "META#"
	patientIndex     = "patient-index"
	doctorIndex      = "doctor-index"
	maxIDAttempts    = 5
	bookedCondition  = "attribute_exists(PK) AND #status = :booked"
	appointmentIDLen = 6
)

// newAppointmentID returns a random six digit id. Overridden in tests.
var newAppointmentID = func() string {
	return strconv.Itoa(100000 + rand.IntN(900000))
}

// AppointmentClient wraps the DynamoDB appointments table. The table is keyed
// on PK/SK with two global secondary indexes:
//
//	patient-index: patientKey (hash), slotKey (range)
//	doctor-index:  doctorKey (hash), slotKey (range)
type AppointmentClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewAppointmentClient creates an AppointmentClient.
func NewAppointmentClient(api dynamodbAPI, tableName string) (*AppointmentClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &AppointmentClient{api: api, tableName: tableName, now: time.Now}, nil
}

func apptPK(id string) string {
	return "APPT#" + id
}

func patientKey(name string) string {
	return "PATIENT#" + normalizeName(name)
}

func doctorKey(name, date string) string {
	return "DOCTOR#" + normalizeName(name) + "#" + date
}

func slotKey(date, tm, id string) string {
	return date + "#" + tm + "#" + id
}

// Create stores a new booked appointment under a freshly allocated id.
func (c *AppointmentClient) Create(ctx context.Context, a domain.Appointment) (domain.Appointment, error) {
	now := c.now().UTC().Format(time.RFC3339)
	a.Status = domain.StatusBooked
	a.CreatedAt = now
	a.UpdatedAt = now

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		a.ID = newAppointmentID()
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                appointmentItem(a),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
		if err == nil {
			return a, nil
		}
		if isConditionFailed(err) {
			continue
		}
		return domain.Appointment{}, fmt.Errorf("repository: Create: %w", err)
	}
	return domain.Appointment{}, fmt.Errorf("repository: Create: no free id after %d attempts", maxIDAttempts)
}

// Get loads one appointment by id.
func (c *AppointmentClient) Get(ctx context.Context, id string) (domain.Appointment, error) {
	if !validID(id) {
		return domain.Appointment{}, fmt.Errorf("repository: Get %q: %w", id, domain.ErrAppointmentNotFound)
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(apptPK(id), skAppointment),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Appointment{}, fmt.Errorf("repository: Get %q: %w", id, domain.ErrAppointmentNotFound)
	}
	a, err := itemToAppointment(out.Item)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("repository: Get decode: %w", err)
	}
	return a, nil
}

// FindByPatient lists a patient's appointments ordered by date and time. A
// non-empty date narrows the result to that day.
func (c *AppointmentClient) FindByPatient(ctx context.Context, patient, date string) ([]domain.Appointment, error) {
	cond := "patientKey = :pk"
	values := map[string]types.AttributeValue{":pk": strVal(patientKey(patient))}
	if date != "" {
		cond += " AND begins_with(slotKey, :day)"
		values[":day"] = strVal(date + "#")
	}
	appts, err := c.query(ctx, patientIndex, cond, values)
	if err != nil {
		return nil, fmt.Errorf("repository: FindByPatient: %w", err)
	}
	return appts, nil
}

// ListByDoctorDate lists a doctor's appointments on one day ordered by time.
func (c *AppointmentClient) ListByDoctorDate(ctx context.Context, doctor, date string) ([]domain.Appointment, error) {
	appts, err := c.query(ctx, doctorIndex, "doctorKey = :dk", map[string]types.AttributeValue{
		":dk": strVal(doctorKey(doctor, date)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListByDoctorDate: %w", err)
	}
	return appts, nil
}

// Reschedule moves a booked appointment. An empty tm keeps the current time.
func (c *AppointmentClient) Reschedule(ctx context.Context, id, date, tm string) (domain.Appointment, error) {
	current, err := c.Get(ctx, id)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("repository: Reschedule: %w", err)
	}
	if current.Status != domain.StatusBooked {
		return domain.Appointment{}, fmt.Errorf("repository: Reschedule %q: %w", id, domain.ErrAppointmentNotBooked)
	}
	if tm == "" {
		tm = current.Time
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(apptPK(id), skAppointment),
		UpdateExpression:    aws.String("SET #date = :date, #time = :time, slotKey = :slot, doctorKey = :dk, updatedAt = :now"),
		ConditionExpression: aws.String(bookedCondition),
		ExpressionAttributeNames: map[string]string{
			"#date":   "date",
			"#time":   "time",
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":date":   strVal(date),
			":time":   strVal(tm),
			":slot":   strVal(slotKey(date, tm, id)),
			":dk":     strVal(doctorKey(current.DoctorName, date)),
			":now":    strVal(c.now().UTC().Format(time.RFC3339)),
			":booked": strVal(string(domain.StatusBooked)),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("repository: Reschedule %q: %w", id, conditionError(err))
	}
	a, err := itemToAppointment(out.Attributes)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("repository: Reschedule decode: %w", err)
	}
	return a, nil
}

// Cancel marks a booked appointment cancelled.
func (c *AppointmentClient) Cancel(ctx context.Context, id string) (domain.Appointment, error) {
	if !validID(id) {
		return domain.Appointment{}, fmt.Errorf("repository: Cancel %q: %w", id, domain.ErrAppointmentNotFound)
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(apptPK(id), skAppointment),
		UpdateExpression:    aws.String("SET #status = :cancelled, updatedAt = :now"),
		ConditionExpression: aws.String(bookedCondition),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": strVal(string(domain.StatusCancelled)),
			":booked":    strVal(string(domain.StatusBooked)),
			":now":       strVal(c.now().UTC().Format(time.RFC3339)),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("repository: Cancel %q: %w", id, conditionError(err))
	}
	a, err := itemToAppointment(out.Attributes)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("repository: Cancel decode: %w", err)
	}
	return a, nil
}

func (c *AppointmentClient) query(ctx context.Context, index, cond string, values map[string]types.AttributeValue) ([]domain.Appointment, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
	}
	var appts []domain.Appointment
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			a, err := itemToAppointment(item)
			if err != nil {
				return nil, fmt.Errorf("unmarshal: %w", err)
			}
			appts = append(appts, a)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return appts, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// conditionError maps a failed booked-status condition to the domain error.
// The old item comes back only when the appointment exists.
func conditionError(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return err
	}
	if len(ccf.Item) == 0 {
		return domain.ErrAppointmentNotFound
	}
	return domain.ErrAppointmentNotBooked
}

func validID(id string) bool {
	if len(id) != appointmentIDLen {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func appointmentItem(a domain.Appointment) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          strVal(apptPK(a.ID)),
		"SK":          strVal(skAppointment),
		"id":          strVal(a.ID),
		"patientName": strVal(a.PatientName),
		"doctorName":  strVal(a.DoctorName),
		"date":        strVal(a.Date),
		"time":        strVal(a.Time),
		"status":      strVal(string(a.Status)),
		"createdAt":   strVal(a.CreatedAt),
		"updatedAt":   strVal(a.UpdatedAt),
		"patientKey":  strVal(patientKey(a.PatientName)),
		"doctorKey":   strVal(doctorKey(a.DoctorName, a.Date)),
		"slotKey":     strVal(slotKey(a.Date, a.Time, a.ID)),
	}
	if a.Reason != "" {
		item["reason"] = strVal(a.Reason)
	}
	return item
}

func itemToAppointment(item map[string]types.AttributeValue) (domain.Appointment, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Appointment{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Appointment{}, err
	}
	var a domain.Appointment
	a.ID = id
	a.Status = domain.AppointmentStatus(status)
	for name, dst := range map[string]*string{
		"patientName": &a.PatientName,
		"doctorName":  &a.DoctorName,
		"date":        &a.Date,
		"time":        &a.Time,
		"reason":      &a.Reason,
		"createdAt":   &a.CreatedAt,
		"updatedAt":   &a.UpdatedAt,
	} {
		if *dst, err = optStrAttr(item, name); err != nil {
			return domain.Appointment{}, err
		}
	}
	return a, nil
}
