package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"doctalk-agent/internal/conversation"
	"doctalk-agent/internal/domain"
	"doctalk-agent/internal/transcript"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
	names []string
}

func (m *mockParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	m.calls++
	m.names = names
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, ok := m.vals[name]
		if !ok {
			return nil, fmt.Errorf("param not found: %s", name)
		}
		out[name] = v
	}
	return out, nil
}

type chatResponse struct {
	answer string
	err    error
}

type mockLLM struct {
	responses []chatResponse
	callCount int
	captured  [][]domain.ChatMessage
	models    []string
	flagged   bool
	modErr    error
	moderated []string
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	m.captured = append(m.captured, msgs)
	m.models = append(m.models, model)
	if len(m.responses) == 0 {
		return "", errors.New("no llm response configured")
	}
	idx := m.callCount
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.callCount++
	return m.responses[idx].answer, m.responses[idx].err
}

func (m *mockLLM) Moderate(_ context.Context, input string) (bool, error) {
	m.moderated = append(m.moderated, input)
	return m.flagged, m.modErr
}

func extractionJSON(intent string, entities map[string]string) chatResponse {
	parts := make([]string, 0, len(entities))
	for k, v := range entities {
		parts = append(parts, fmt.Sprintf("%q:%q", k, v))
	}
	sort.Strings(parts)
	return chatResponse{answer: fmt.Sprintf(`{"intent":%q,"entities":{%s},"confidence":0.9}`, intent, strings.Join(parts, ","))}
}

// memAppointments is an in-memory AppointmentStore.
type memAppointments struct {
	appts  map[string]domain.Appointment
	nextID int
	err    error
}

func newMemAppointments(seed ...domain.Appointment) *memAppointments {
	m := &memAppointments{appts: map[string]domain.Appointment{}, nextID: 100001}
	for _, a := range seed {
		m.appts[a.ID] = a
	}
	return m
}

func (m *memAppointments) Create(_ context.Context, a domain.Appointment) (domain.Appointment, error) {
	if m.err != nil {
		return domain.Appointment{}, m.err
	}
	a.ID = fmt.Sprintf("%06d", m.nextID)
	m.nextID++
	a.Status = domain.StatusBooked
	m.appts[a.ID] = a
	return a, nil
}

func (m *memAppointments) Get(_ context.Context, id string) (domain.Appointment, error) {
	if m.err != nil {
		return domain.Appointment{}, m.err
	}
	a, ok := m.appts[id]
	if !ok {
		return domain.Appointment{}, fmt.Errorf("get %s: %w", id, domain.ErrAppointmentNotFound)
	}
	return a, nil
}

func (m *memAppointments) FindByPatient(_ context.Context, patient, date string) ([]domain.Appointment, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Appointment
	for _, a := range m.sorted() {
		if strings.EqualFold(a.PatientName, patient) && (date == "" || a.Date == date) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAppointments) ListByDoctorDate(_ context.Context, doctor, date string) ([]domain.Appointment, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Appointment
	for _, a := range m.sorted() {
		if strings.EqualFold(a.DoctorName, doctor) && a.Date == date {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAppointments) Reschedule(ctx context.Context, id, date, tm string) (domain.Appointment, error) {
	a, err := m.booked(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}
	a.Date = date
	if tm != "" {
		a.Time = tm
	}
	m.appts[id] = a
	return a, nil
}

func (m *memAppointments) Cancel(ctx context.Context, id string) (domain.Appointment, error) {
	a, err := m.booked(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}
	a.Status = domain.StatusCancelled
	m.appts[id] = a
	return a, nil
}

func (m *memAppointments) booked(ctx context.Context, id string) (domain.Appointment, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}
	if a.Status != domain.StatusBooked {
		return domain.Appointment{}, fmt.Errorf("update %s: %w", id, domain.ErrAppointmentNotBooked)
	}
	return a, nil
}

func (m *memAppointments) sorted() []domain.Appointment {
	out := make([]domain.Appointment, 0, len(m.appts))
	for _, a := range m.appts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type mockTurnLog struct {
	saved   []domain.TurnRecord
	saveErr error
	turns   []domain.TurnRecord
	getErr  error
}

func (m *mockTurnLog) SaveTurn(_ context.Context, rec domain.TurnRecord) error {
	m.saved = append(m.saved, rec)
	return m.saveErr
}

func (m *mockTurnLog) GetTurns(_ context.Context, _ string, limit int) ([]domain.TurnRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if limit > 0 && limit < len(m.turns) {
		return m.turns[len(m.turns)-limit:], nil
	}
	return m.turns, nil
}

type mockSpeech struct {
	audio  []byte
	err    error
	voices []string
	texts  []string
}

func (m *mockSpeech) Synthesize(_ context.Context, voiceID, text string) ([]byte, error) {
	m.voices = append(m.voices, voiceID)
	m.texts = append(m.texts, text)
	return m.audio, m.err
}

type failingBuffers struct {
	getErr    error
	putErr    error
	removeErr error
}

func (f *failingBuffers) GetBuffer(context.Context, string) (transcript.Buffer, bool, error) {
	return transcript.Buffer{}, false, f.getErr
}
func (f *failingBuffers) PutBuffer(context.Context, transcript.Buffer) error { return f.putErr }
func (f *failingBuffers) RemoveBuffer(context.Context, string) error         { return f.removeErr }

func defaultParams() *mockParams {
	return &mockParams{vals: map[string]string{
		"/doctalk/config/openai_model": "gpt-test",
		"/doctalk/config/voice_id":     "voice-1",
	}}
}

type turnFixture struct {
	svc     *TurnService
	params  *mockParams
	llm     *mockLLM
	engine  *conversation.Engine
	states  *conversation.MemoryStore
	buffers transcript.BufferStore
	appts   *memAppointments
	log     *mockTurnLog
}

func newTurnFixture(t *testing.T, llm *mockLLM, opts ...TurnOption) *turnFixture {
	t.Helper()
	f := &turnFixture{
		params:  defaultParams(),
		llm:     llm,
		states:  conversation.NewMemoryStore(),
		buffers: transcript.NewMemoryStore(),
		appts:   newMemAppointments(),
		log:     &mockTurnLog{},
	}
	manager, err := conversation.NewManager(conversation.DefaultRequirements())
	require.NoError(t, err)
	f.engine, err = conversation.NewEngine(manager, f.states)
	require.NoError(t, err)
	dispatcher, err := NewDispatcher(f.appts, 9, 17, nil)
	require.NoError(t, err)

	opts = append([]TurnOption{WithTurnLog(f.log)}, opts...)
	f.svc, err = NewTurnService(f.params, llm, f.engine, f.buffers, dispatcher, "/doctalk", 200, opts...)
	require.NoError(t, err)
	return f
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var uErr *Error
	require.ErrorAs(t, err, &uErr)
	require.Equal(t, code, uErr.Code)
	if reason != "" {
		require.Equal(t, reason, uErr.Reason)
	}
}
