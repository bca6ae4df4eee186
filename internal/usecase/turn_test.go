package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"doctalk-agent/internal/conversation"
	"doctalk-agent/internal/domain"
	"doctalk-agent/internal/transcript"
)

type statusError struct{ code int }

func (e statusError) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusError) HTTPStatusCode() int { return e.code }

type failingEngine struct {
	stateErr   error
	processErr error
	resetErr   error
}

func (f *failingEngine) ProcessTurn(context.Context, string, domain.Extraction) (conversation.Reply, error) {
	return conversation.Reply{}, f.processErr
}

func (f *failingEngine) State(_ context.Context, sessionID string) (conversation.State, error) {
	return conversation.NewState(sessionID), f.stateErr
}

func (f *failingEngine) ResetSession(context.Context, string) error { return f.resetErr }

func newBareTurnService(t *testing.T, llm *mockLLM, engine ConversationEngine, buffers transcript.BufferStore) *TurnService {
	t.Helper()
	dispatcher, err := NewDispatcher(newMemAppointments(), 0, 0, nil)
	require.NoError(t, err)
	svc, err := NewTurnService(defaultParams(), llm, engine, buffers, dispatcher, "/doctalk", 0)
	require.NoError(t, err)
	return svc
}

func TestNewTurnService_Validation(t *testing.T) {
	manager, err := conversation.NewManager(conversation.DefaultRequirements())
	require.NoError(t, err)
	engine, err := conversation.NewEngine(manager, conversation.NewMemoryStore())
	require.NoError(t, err)
	dispatcher, err := NewDispatcher(newMemAppointments(), 0, 0, nil)
	require.NoError(t, err)
	buffers := transcript.NewMemoryStore()
	llm := &mockLLM{}

	_, err = NewTurnService(nil, llm, engine, buffers, dispatcher, "/doctalk", 0)
	require.Error(t, err)
	_, err = NewTurnService(defaultParams(), nil, engine, buffers, dispatcher, "/doctalk", 0)
	require.Error(t, err)
	_, err = NewTurnService(defaultParams(), llm, nil, buffers, dispatcher, "/doctalk", 0)
	require.Error(t, err)
	_, err = NewTurnService(defaultParams(), llm, engine, nil, dispatcher, "/doctalk", 0)
	require.Error(t, err)
	_, err = NewTurnService(defaultParams(), llm, engine, buffers, nil, "/doctalk", 0)
	require.Error(t, err)
	_, err = NewTurnService(defaultParams(), llm, engine, buffers, dispatcher, " / ", 0)
	require.Error(t, err)

	svc, err := NewTurnService(defaultParams(), llm, engine, buffers, dispatcher, "/doctalk/", 0)
	require.NoError(t, err)
	require.Equal(t, "/doctalk", svc.paramPrefix)
	require.Equal(t, defaultMaxUtterance, svc.maxUtteranceLen)
}

func TestHandleUtterance_BookingFlow(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{
		extractionJSON("book_appointment", map[string]string{"doctor_name": "Dr. Kavin"}),
		extractionJSON("unknown", nil),
		extractionJSON("book_appointment", map[string]string{"date": "2024-01-15", "time": "16:00", "reason": "checkup"}),
	}}
	f := newTurnFixture(t, llm)
	ctx := context.Background()

	out, err := f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "I'd like to see Dr. Kavin"})
	require.NoError(t, err)
	require.Equal(t, "Sure, may I please have your full name?", out.Response)
	require.Equal(t, domain.IntentBookAppointment, out.Intent)
	require.False(t, out.Fulfilled)

	out, err = f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "Tausha"})
	require.NoError(t, err)
	require.Equal(t, "What date would you like to book for?", out.Response)
	require.Equal(t, domain.IntentBookAppointment, out.Intent)

	out, err = f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "January 15th at 4pm, just a checkup"})
	require.NoError(t, err)
	require.True(t, out.Fulfilled)
	require.Equal(t,
		"Great! I will book an appointment for Tausha with Dr. Kavin on 2024-01-15 at 16:00. Your appointment ID is 100001.",
		out.Response)

	a := f.appts.appts["100001"]
	require.Equal(t, "Tausha", a.PatientName)
	require.Equal(t, "checkup", a.Reason)

	st, err := f.engine.State(ctx, "s1")
	require.NoError(t, err)
	require.False(t, st.Active())

	require.Len(t, f.log.saved, 3)
	require.Equal(t, "Tausha", f.log.saved[1].Utterance)
	require.True(t, f.log.saved[2].Fulfilled)
	require.Equal(t, []string{"gpt-test", "gpt-test", "gpt-test"}, llm.models)
}

func TestHandleUtterance_PendingSlotReachesPrompt(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{
		extractionJSON("cancel_appointment", nil),
		extractionJSON("unknown", nil),
	}}
	f := newTurnFixture(t, llm)
	f.svc.now = func() time.Time { return time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	out, err := f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "cancel my appointment"})
	require.NoError(t, err)
	require.Equal(t, "Could you please provide your appointment ID?", out.Response)
	require.Len(t, llm.captured[0], 2)

	_, err = f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "it's one two three"})
	require.NoError(t, err)
	require.Len(t, llm.captured[1], 3)
	require.Contains(t, llm.captured[1][0].Content, "Today is 2024-01-10 (Wednesday)")
	require.Contains(t, llm.captured[1][1].Content, "entities.appointment_id")
}

func TestHandleUtterance_AppointmentIDFromDigits(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{
		extractionJSON("cancel_appointment", nil),
		{err: errors.New("llm down")},
	}}
	f := newTurnFixture(t, llm)
	f.appts.appts["123456"] = seedAppointment("123456", "Tausha", "Dr. Kavin", "2024-01-15", "10:00", domain.StatusBooked)
	ctx := context.Background()

	_, err := f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "cancel my appointment"})
	require.NoError(t, err)

	out, err := f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "it is 123456"})
	require.NoError(t, err)
	require.True(t, out.Fulfilled)
	require.Equal(t, "Okay, I will cancel appointment 123456. Appointment 123456 has been cancelled.", out.Response)
	require.Equal(t, domain.StatusCancelled, f.appts.appts["123456"].Status)
}

func TestHandleUtterance_ExtractionFailureClarifies(t *testing.T) {
	for name, resp := range map[string]chatResponse{
		"llm error": {err: statusError{code: 500}},
		"malformed": {answer: "not json"},
	} {
		t.Run(name, func(t *testing.T) {
			f := newTurnFixture(t, &mockLLM{responses: []chatResponse{resp}})
			out, err := f.svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "blah blah"})
			require.NoError(t, err)
			require.Equal(t, conversation.Clarification(), out.Response)
			require.Equal(t, domain.IntentUnknown, out.Intent)
			require.Empty(t, out.Entities)
		})
	}
}

func TestHandleUtterance_GreetingHasNoOutcome(t *testing.T) {
	f := newTurnFixture(t, &mockLLM{responses: []chatResponse{extractionJSON("greeting", nil)}})
	out, err := f.svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "hello there"})
	require.NoError(t, err)
	require.True(t, out.Fulfilled)
	require.Equal(t, "Hello! I'm the clinic's appointment assistant. How can I help you today?", out.Response)
}

func TestHandleUtterance_Flagged(t *testing.T) {
	llm := &mockLLM{flagged: true}
	f := newTurnFixture(t, llm)
	ctx := context.Background()

	out, err := f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "something awful"})
	require.NoError(t, err)
	require.True(t, out.Flagged)
	require.Equal(t, flaggedResponse, out.Response)
	require.Equal(t, domain.IntentUnknown, out.Intent)
	require.Empty(t, llm.captured)
	require.Equal(t, []string{"something awful"}, llm.moderated)
	require.Len(t, f.log.saved, 1)

	_, ok, err := f.states.Get(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandleUtterance_ModerationErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
	}{
		{"rate limited", fmt.Errorf("openai: %w", statusError{code: 429}), ErrorRateLimited, "moderation_rate_limited"},
		{"upstream status", statusError{code: 503}, ErrorUpstream, "moderation_error"},
		{"transport", errors.New("connection reset"), ErrorUpstream, "moderation_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newTurnFixture(t, &mockLLM{modErr: tc.err})
			_, err := f.svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "hello"})
			requireCode(t, err, tc.code, tc.reason)
			require.Empty(t, f.log.saved)
		})
	}
}

func TestHandleUtterance_InvalidText(t *testing.T) {
	f := newTurnFixture(t, &mockLLM{})
	ctx := context.Background()

	_, err := f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "   "})
	requireCode(t, err, ErrorInvalidInput, "empty_utterance")

	_, err = f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: strings.Repeat("é", 201)})
	requireCode(t, err, ErrorInvalidInput, "utterance_too_long")
	require.Zero(t, f.params.calls)
}

func TestHandleUtterance_NewSessionID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated-id" }
	t.Cleanup(func() { newUUID = orig })

	f := newTurnFixture(t, &mockLLM{responses: []chatResponse{extractionJSON("greeting", nil)}})
	out, err := f.svc.HandleUtterance(context.Background(), TurnInput{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "generated-id", out.SessionID)
	require.Equal(t, "generated-id", f.log.saved[0].SessionID)
}

func TestEnsureConfig_CachesAndRetries(t *testing.T) {
	f := newTurnFixture(t, &mockLLM{responses: []chatResponse{extractionJSON("greeting", nil)}})
	ctx := context.Background()
	f.params.err = errors.New("ssm throttled")

	_, err := f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "hi"})
	requireCode(t, err, ErrorInternal, "ssm_load_error")

	f.params.err = nil
	for i := 0; i < 3; i++ {
		_, err = f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "hi"})
		require.NoError(t, err)
	}
	require.Equal(t, 2, f.params.calls)
	require.Equal(t, []string{"/doctalk/config/openai_model"}, f.params.names)
}

func TestEnsureConfig_EmptyModel(t *testing.T) {
	f := newTurnFixture(t, &mockLLM{})
	f.params.vals["/doctalk/config/openai_model"] = "  "

	_, err := f.svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "hi"})
	requireCode(t, err, ErrorInternal, "ssm_load_error")
}

func TestHandleUtterance_EngineFailures(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{extractionJSON("greeting", nil)}}

	svc := newBareTurnService(t, llm, &failingEngine{stateErr: errors.New("redis down")}, transcript.NewMemoryStore())
	_, err := svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "hi"})
	requireCode(t, err, ErrorInternal, "state_load_error")

	svc = newBareTurnService(t, llm, &failingEngine{processErr: errors.New("redis down")}, transcript.NewMemoryStore())
	_, err = svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "hi"})
	requireCode(t, err, ErrorInternal, "state_store_error")
}

func TestHandleUtterance_TurnLogFailureIsLogged(t *testing.T) {
	f := newTurnFixture(t, &mockLLM{responses: []chatResponse{extractionJSON("greeting", nil)}})
	f.log.saveErr = errors.New("dynamo down")

	out, err := f.svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Response)
}

func TestHandleUtterance_Speech(t *testing.T) {
	speech := &mockSpeech{audio: []byte("mp3")}
	f := newTurnFixture(t, &mockLLM{responses: []chatResponse{extractionJSON("thanks", nil)}}, WithSpeech(speech))

	out, err := f.svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "thank you"})
	require.NoError(t, err)
	require.Equal(t, "bXAz", out.Audio)
	require.Equal(t, []string{"voice-1"}, speech.voices)
	require.Equal(t, []string{out.Response}, speech.texts)
	require.Equal(t, []string{"/doctalk/config/openai_model", "/doctalk/config/voice_id"}, f.params.names)
}

func TestHandleUtterance_SpeechFailureKeepsText(t *testing.T) {
	speech := &mockSpeech{err: statusError{code: 401}}
	f := newTurnFixture(t, &mockLLM{flagged: true}, WithSpeech(speech))

	out, err := f.svc.HandleUtterance(context.Background(), TurnInput{SessionID: "s1", Text: "something awful"})
	require.NoError(t, err)
	require.Equal(t, flaggedResponse, out.Response)
	require.Empty(t, out.Audio)
	require.Len(t, speech.texts, 1)
}

func TestHandleFragment_BuffersUntilSentence(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{
		extractionJSON("book_appointment", map[string]string{"doctor_name": "Dr. Kavin"}),
	}}
	f := newTurnFixture(t, llm)
	ctx := context.Background()

	out, err := f.svc.HandleFragment(ctx, "s1", domain.TranscriptFragment{Text: "I want to book", IsFinal: true})
	require.NoError(t, err)
	require.False(t, out.Completed)
	require.Empty(t, llm.moderated)

	buf, ok, err := f.buffers.GetBuffer(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "I want to book", buf.Text)

	out, err = f.svc.HandleFragment(ctx, "s1", domain.TranscriptFragment{Text: "with Dr. Kavin.", IsFinal: true})
	require.NoError(t, err)
	require.True(t, out.Completed)
	require.Equal(t, "I want to book with Dr. Kavin.", out.Turn.Utterance)
	require.Equal(t, "Sure, may I please have your full name?", out.Turn.Response)

	// A repeated final of the same sentence is dropped.
	out, err = f.svc.HandleFragment(ctx, "s1", domain.TranscriptFragment{Text: "I want to book with Dr. Kavin.", IsFinal: true})
	require.NoError(t, err)
	require.False(t, out.Completed)
	require.Len(t, llm.moderated, 1)
}

func TestHandleFragment_FailedSentenceCanBeResent(t *testing.T) {
	llm := &mockLLM{
		modErr:    fmt.Errorf("openai: %w", statusError{code: 429}),
		responses: []chatResponse{extractionJSON("book_appointment", nil)},
	}
	f := newTurnFixture(t, llm)
	ctx := context.Background()

	_, err := f.svc.HandleFragment(ctx, "s1", domain.TranscriptFragment{Text: "Hello", IsFinal: true})
	require.NoError(t, err)

	sentence := domain.TranscriptFragment{Text: "I would like to book.", IsFinal: true}
	_, err = f.svc.HandleFragment(ctx, "s1", sentence)
	requireCode(t, err, ErrorRateLimited, "moderation_rate_limited")

	buf, ok, err := f.buffers.GetBuffer(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", buf.Text)
	require.Empty(t, buf.Last)

	llm.modErr = nil
	out, err := f.svc.HandleFragment(ctx, "s1", sentence)
	require.NoError(t, err)
	require.True(t, out.Completed)
	require.Equal(t, "Hello I would like to book.", out.Turn.Utterance)
}

// racingBuffers loses the first conflicts writes to another writer.
type racingBuffers struct {
	*transcript.MemoryStore
	conflicts int
}

func (r *racingBuffers) PutBuffer(ctx context.Context, b transcript.Buffer) error {
	if r.conflicts > 0 {
		r.conflicts--
		cur, _, _ := r.MemoryStore.GetBuffer(ctx, b.SessionID)
		cur.SessionID = b.SessionID
		cur.Text = "Hello"
		if err := r.MemoryStore.PutBuffer(ctx, cur); err != nil {
			return err
		}
		return transcript.ErrConflict
	}
	return r.MemoryStore.PutBuffer(ctx, b)
}

func TestHandleFragment_RetriesOnConcurrentWrite(t *testing.T) {
	manager, err := conversation.NewManager(conversation.DefaultRequirements())
	require.NoError(t, err)
	engine, err := conversation.NewEngine(manager, conversation.NewMemoryStore())
	require.NoError(t, err)
	ctx := context.Background()

	buffers := &racingBuffers{MemoryStore: transcript.NewMemoryStore(), conflicts: 1}
	svc := newBareTurnService(t, &mockLLM{}, engine, buffers)
	out, err := svc.HandleFragment(ctx, "s1", domain.TranscriptFragment{Text: "Dr Kavin", IsFinal: true})
	require.NoError(t, err)
	require.False(t, out.Completed)
	buf, _, err := buffers.GetBuffer(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "Hello Dr Kavin", buf.Text)

	buffers = &racingBuffers{MemoryStore: transcript.NewMemoryStore(), conflicts: maxBufferWriteAttempts}
	svc = newBareTurnService(t, &mockLLM{}, engine, buffers)
	_, err = svc.HandleFragment(ctx, "s1", domain.TranscriptFragment{Text: "Dr Kavin", IsFinal: true})
	requireCode(t, err, ErrorInternal, "buffer_store_error")
}

func TestHandleFragment_Errors(t *testing.T) {
	f := newTurnFixture(t, &mockLLM{})
	_, err := f.svc.HandleFragment(context.Background(), " ", domain.TranscriptFragment{Text: "hello"})
	requireCode(t, err, ErrorInvalidInput, "missing_session")

	manager, err := conversation.NewManager(conversation.DefaultRequirements())
	require.NoError(t, err)
	engine, err := conversation.NewEngine(manager, conversation.NewMemoryStore())
	require.NoError(t, err)

	svc := newBareTurnService(t, &mockLLM{}, engine, &failingBuffers{getErr: errors.New("down")})
	_, err = svc.HandleFragment(context.Background(), "s1", domain.TranscriptFragment{Text: "hello"})
	requireCode(t, err, ErrorInternal, "buffer_load_error")

	svc = newBareTurnService(t, &mockLLM{}, engine, &failingBuffers{putErr: errors.New("down")})
	_, err = svc.HandleFragment(context.Background(), "s1", domain.TranscriptFragment{Text: "hello"})
	requireCode(t, err, ErrorInternal, "buffer_store_error")
}

func TestResetSession(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{extractionJSON("book_appointment", nil)}}
	f := newTurnFixture(t, llm)
	ctx := context.Background()

	_, err := f.svc.HandleUtterance(ctx, TurnInput{SessionID: "s1", Text: "book please"})
	require.NoError(t, err)
	_, err = f.svc.HandleFragment(ctx, "s1", domain.TranscriptFragment{Text: "my name"})
	require.NoError(t, err)

	require.NoError(t, f.svc.ResetSession(ctx, "s1"))

	st, err := f.engine.State(ctx, "s1")
	require.NoError(t, err)
	require.False(t, st.Active())
	_, ok, err := f.buffers.GetBuffer(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, f.svc.ResetSession(ctx, "s1"))
	require.NoError(t, f.svc.ResetSession(ctx, "never-seen"))
	require.NoError(t, f.svc.ResetSession(ctx, ""))
}

func TestResetSession_Errors(t *testing.T) {
	svc := newBareTurnService(t, &mockLLM{}, &failingEngine{resetErr: errors.New("down")}, transcript.NewMemoryStore())
	requireCode(t, svc.ResetSession(context.Background(), "s1"), ErrorInternal, "state_reset_error")

	svc = newBareTurnService(t, &mockLLM{}, &failingEngine{}, &failingBuffers{removeErr: errors.New("down")})
	requireCode(t, svc.ResetSession(context.Background(), "s1"), ErrorInternal, "buffer_reset_error")
}

func TestTranscript(t *testing.T) {
	f := newTurnFixture(t, &mockLLM{})
	ctx := context.Background()
	f.log.turns = []domain.TurnRecord{
		{SessionID: "s1", Utterance: "hi"},
		{SessionID: "s1", Utterance: "book"},
	}

	turns, err := f.svc.Transcript(ctx, "s1", 1)
	require.NoError(t, err)
	require.Equal(t, []domain.TurnRecord{{SessionID: "s1", Utterance: "book"}}, turns)

	_, err = f.svc.Transcript(ctx, "", 0)
	requireCode(t, err, ErrorInvalidInput, "missing_session")

	f.log.getErr = errors.New("dynamo down")
	_, err = f.svc.Transcript(ctx, "s1", 0)
	requireCode(t, err, ErrorInternal, "dynamodb_history_error")

	f.svc.turns = nil
	turns, err = f.svc.Transcript(ctx, "s1", 0)
	require.NoError(t, err)
	require.Empty(t, turns)
}

type mockClearer struct {
	cleared []string
	err     error
}

func (m *mockClearer) ClearSession(_ context.Context, sessionID string) error {
	m.cleared = append(m.cleared, sessionID)
	return m.err
}

func TestResetSession_UsesClearer(t *testing.T) {
	clearer := &mockClearer{}
	svc := newBareTurnService(t, &mockLLM{}, &failingEngine{resetErr: errors.New("unused")}, &failingBuffers{removeErr: errors.New("unused")})
	WithSessionClearer(clearer)(svc)

	require.NoError(t, svc.ResetSession(context.Background(), "s1"))
	require.Equal(t, []string{"s1"}, clearer.cleared)

	clearer.err = errors.New("transaction canceled")
	requireCode(t, svc.ResetSession(context.Background(), "s1"), ErrorInternal, "session_reset_error")
}
