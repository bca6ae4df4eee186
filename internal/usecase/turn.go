package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"doctalk-agent/internal/conversation"
	"doctalk-agent/internal/domain"
	"doctalk-agent/internal/transcript"
)

const (
	defaultMaxUtterance    = 500
	maxBufferWriteAttempts = 3
	flaggedResponse        = "I'm sorry, I can't help with that. I can book, change, cancel or look up clinic appointments."
)

type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

// ConversationEngine is satisfied by *conversation.Engine.
type ConversationEngine interface {
	ProcessTurn(ctx context.Context, sessionID string, ex domain.Extraction) (conversation.Reply, error)
	State(ctx context.Context, sessionID string) (conversation.State, error)
	ResetSession(ctx context.Context, sessionID string) error
}

type TurnLog interface {
	SaveTurn(ctx context.Context, rec domain.TurnRecord) error
	GetTurns(ctx context.Context, sessionID string, limit int) ([]domain.TurnRecord, error)
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) ([]byte, error)
}

// SessionClearer drops a session's state and transcript buffer in one call.
type SessionClearer interface {
	ClearSession(ctx context.Context, sessionID string) error
}

// TurnService runs one user utterance through moderation, extraction, the
// conversation engine and the dispatcher. Work for a session is serialized.
type TurnService struct {
	params          ParamGetter
	llm             LLMClient
	engine          ConversationEngine
	buffers         transcript.BufferStore
	dispatcher      *Dispatcher
	turns           TurnLog
	speech          SpeechSynthesizer
	clearer         SessionClearer
	logger          *slog.Logger
	paramPrefix     string
	maxUtteranceLen int
	now             func() time.Time
	locks           conversation.KeyedMutex

	cacheMu     sync.RWMutex
	cacheLoaded bool
	openaiModel string
	voiceID     string
}

type TurnOption func(*TurnService)

// WithTurnLog records every processed utterance.
func WithTurnLog(log TurnLog) TurnOption {
	return func(s *TurnService) { s.turns = log }
}

// WithSpeech attaches synthesized audio to replies.
func WithSpeech(speech SpeechSynthesizer) TurnOption {
	return func(s *TurnService) { s.speech = speech }
}

// WithSessionClearer resets sessions through a backend that stores state and
// buffer together.
func WithSessionClearer(c SessionClearer) TurnOption {
	return func(s *TurnService) { s.clearer = c }
}

func WithLogger(logger *slog.Logger) TurnOption {
	return func(s *TurnService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type TurnInput struct {
	SessionID string
	Text      string
}

type TurnOutput struct {
	SessionID  string
	Utterance  string
	Response   string
	Intent     domain.Intent
	Entities   domain.Entities
	Confidence float64
	Fulfilled  bool
	Flagged    bool
	// Audio is base64 MP3, empty when speech is off or synthesis failed.
	Audio string
}

// FragmentOutput reports whether a fragment completed a sentence. Turn is set
// only when Completed is true.
type FragmentOutput struct {
	SessionID string
	Completed bool
	Turn      TurnOutput
}

func NewTurnService(p ParamGetter, llm LLMClient, engine ConversationEngine, buffers transcript.BufferStore, dispatcher *Dispatcher, paramPrefix string, maxUtteranceLen int, opts ...TurnOption) (*TurnService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if engine == nil {
		return nil, errors.New("usecase: conversation engine must not be nil")
	}
	if buffers == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxUtteranceLen <= 0 {
		maxUtteranceLen = defaultMaxUtterance
	}
	s := &TurnService{
		params:          p,
		llm:             llm,
		engine:          engine,
		buffers:         buffers,
		dispatcher:      dispatcher,
		logger:          slog.Default(),
		paramPrefix:     paramPrefix,
		maxUtteranceLen: maxUtteranceLen,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleUtterance processes a complete typed or transcribed utterance. An
// empty session id starts a new session.
func (s *TurnService) HandleUtterance(ctx context.Context, in TurnInput) (TurnOutput, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.process(ctx, sessionID, in.Text)
}

// HandleFragment feeds one speech-to-text fragment into the session's buffer
// and processes the sentence it completes, if any. When processing fails the
// buffer is put back as it was before the fragment, so that the client can
// resend it.
func (s *TurnService) HandleFragment(ctx context.Context, sessionID string, f domain.TranscriptFragment) (FragmentOutput, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return FragmentOutput{}, newError(ErrorInvalidInput, "missing_session", nil)
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		buf, _, err := s.buffers.GetBuffer(ctx, sessionID)
		if err != nil {
			return FragmentOutput{}, newError(ErrorInternal, "buffer_load_error", err)
		}
		buf.SessionID = sessionID
		before := buf
		sentence, done := buf.Add(f)
		if err := s.buffers.PutBuffer(ctx, buf); err != nil {
			if errors.Is(err, transcript.ErrConflict) && attempt < maxBufferWriteAttempts {
				continue
			}
			return FragmentOutput{}, newError(ErrorInternal, "buffer_store_error", err)
		}
		if !done {
			return FragmentOutput{SessionID: sessionID}, nil
		}

		out, err := s.process(ctx, sessionID, sentence)
		if err != nil {
			s.restoreBuffer(ctx, before, buf.Version+1)
			return FragmentOutput{}, err
		}
		return FragmentOutput{SessionID: sessionID, Completed: true, Turn: out}, nil
	}
}

// restoreBuffer writes before back over the revision this call stored. If
// another fragment has landed since, the newer buffer is left alone.
func (s *TurnService) restoreBuffer(ctx context.Context, before transcript.Buffer, written int64) {
	before.Version = written
	if err := s.buffers.PutBuffer(ctx, before); err != nil {
		s.logger.WarnContext(ctx, "transcript buffer not restored",
			"session_id", before.SessionID, "err", err)
	}
}

// ResetSession drops the session's conversation state and transcript buffer.
// Unknown sessions are a no-op.
func (s *TurnService) ResetSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if s.clearer != nil {
		if err := s.clearer.ClearSession(ctx, sessionID); err != nil {
			return newError(ErrorInternal, "session_reset_error", err)
		}
		return nil
	}
	if err := s.engine.ResetSession(ctx, sessionID); err != nil {
		return newError(ErrorInternal, "state_reset_error", err)
	}
	if err := s.buffers.RemoveBuffer(ctx, sessionID); err != nil {
		return newError(ErrorInternal, "buffer_reset_error", err)
	}
	return nil
}

// Transcript returns the session's most recent turns, oldest first.
func (s *TurnService) Transcript(ctx context.Context, sessionID string, limit int) ([]domain.TurnRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(ErrorInvalidInput, "missing_session", nil)
	}
	if s.turns == nil {
		return []domain.TurnRecord{}, nil
	}
	turns, err := s.turns.GetTurns(ctx, sessionID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	return turns, nil
}

func (s *TurnService) process(ctx context.Context, sessionID, text string) (TurnOutput, error) {
	utterance := strings.TrimSpace(text)
	if utterance == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_utterance", nil)
	}
	if utf8.RuneCountInString(utterance) > s.maxUtteranceLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "utterance_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}
	logger := s.logger.With("session_id", sessionID)

	flagged, err := s.llm.Moderate(ctx, utterance)
	if err != nil {
		return TurnOutput{}, upstreamError("moderation", err)
	}
	if flagged {
		logger.WarnContext(ctx, "utterance flagged by moderation")
		out := TurnOutput{
			SessionID: sessionID,
			Utterance: utterance,
			Response:  flaggedResponse,
			Intent:    domain.IntentUnknown,
			Entities:  domain.Entities{},
			Flagged:   true,
		}
		s.record(ctx, logger, out)
		return s.speak(ctx, logger, out), nil
	}

	st, err := s.engine.State(ctx, sessionID)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "state_load_error", err)
	}
	ex := s.extract(ctx, logger, st, utterance)

	reply, err := s.engine.ProcessTurn(ctx, sessionID, ex)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "state_store_error", err)
	}

	response := reply.Text
	if reply.Fulfilled() {
		if outcome := s.dispatcher.Dispatch(ctx, *reply.Fulfillment); outcome != "" {
			response += " " + outcome
		}
	}
	logger.InfoContext(ctx, "turn processed",
		"intent", reply.Intent,
		"fulfilled", reply.Fulfilled(),
		"confidence", ex.Confidence,
	)

	out := TurnOutput{
		SessionID:  sessionID,
		Utterance:  utterance,
		Response:   response,
		Intent:     reply.Intent,
		Entities:   ex.Entities,
		Confidence: ex.Confidence,
		Fulfilled:  reply.Fulfilled(),
	}
	s.record(ctx, logger, out)
	return s.speak(ctx, logger, out), nil
}

// extract never fails: an unusable extractor answer becomes an unknown turn,
// which the conversation engine treats as an answer to any pending question.
func (s *TurnService) extract(ctx context.Context, logger *slog.Logger, st conversation.State, utterance string) domain.Extraction {
	pc := promptContext{today: s.now()}
	if pending, ok := st.Pending(); ok {
		pc.intent, pc.pending = st.Intent, pending
	}

	raw, err := s.llm.Chat(ctx, s.openaiModel, buildExtractionMessages(pc, utterance))
	if err != nil {
		logger.WarnContext(ctx, "extraction failed", "err", err)
		return domain.UnknownExtraction(utterance)
	}
	ex, unknown, err := parseExtraction(raw, utterance)
	if err != nil {
		logger.WarnContext(ctx, "extraction malformed", "err", err)
		return domain.UnknownExtraction(utterance)
	}
	if len(unknown) > 0 {
		logger.WarnContext(ctx, "extraction returned unknown slots", "slots", unknown)
	}
	return ex
}

func (s *TurnService) record(ctx context.Context, logger *slog.Logger, out TurnOutput) {
	if s.turns == nil {
		return
	}
	err := s.turns.SaveTurn(ctx, domain.TurnRecord{
		SessionID: out.SessionID,
		Utterance: out.Utterance,
		Response:  out.Response,
		Intent:    out.Intent,
		Fulfilled: out.Fulfilled,
	})
	if err != nil {
		logger.ErrorContext(ctx, "turn log write failed", "err", err)
	}
}

func (s *TurnService) speak(ctx context.Context, logger *slog.Logger, out TurnOutput) TurnOutput {
	if s.speech == nil {
		return out
	}
	audio, err := s.speech.Synthesize(ctx, s.voiceID, out.Response)
	if err != nil {
		logger.WarnContext(ctx, "speech synthesis failed", "err", err)
		return out
	}
	out.Audio = base64.StdEncoding.EncodeToString(audio)
	return out
}

func (s *TurnService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	openaiModel, voiceID, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.openaiModel = openaiModel
	s.voiceID = voiceID
	s.cacheLoaded = true
	return nil
}

func (s *TurnService) loadSSMParams(ctx context.Context) (openaiModel, voiceID string, err error) {
	modelParam := s.paramPrefix + "/config/openai_model"
	voiceParam := s.paramPrefix + "/config/voice_id"

	names := []string{modelParam}
	if s.speech != nil {
		names = append(names, voiceParam)
	}
	values, err := s.params.GetParameters(ctx, names...)
	if err != nil {
		return "", "", fmt.Errorf("usecase: load runtime config: %w", err)
	}
	openaiModel = strings.TrimSpace(values[modelParam])
	if openaiModel == "" {
		return "", "", errors.New("usecase: openai model is empty")
	}
	return openaiModel, strings.TrimSpace(values[voiceParam]), nil
}

var newUUID = func() string {
	return uuid.NewString()
}
