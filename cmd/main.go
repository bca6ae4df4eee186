package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"doctalk-agent/handler"
	"doctalk-agent/internal/cache"
	"doctalk-agent/internal/conversation"
	"doctalk-agent/internal/integrations/elevenlabs"
	"doctalk-agent/internal/integrations/openai"
	"doctalk-agent/internal/integrations/paramstore"
	"doctalk-agent/internal/repository"
	"doctalk-agent/internal/transcript"
	"doctalk-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	appointmentsTable := mustEnv("APPOINTMENTS_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	sessionBackend := strings.ToLower(envString("SESSION_BACKEND", "dynamodb"))
	maxUtteranceLen := envInt("MAX_UTTERANCE_LENGTH", 500)
	speechEnabled := envBool("SPEECH_ENABLED", false)
	openHour := envInt("CLINIC_OPEN_HOUR", 9)
	closeHour := envInt("CLINIC_CLOSE_HOUR", 17)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	sessionClient, err := repository.NewSessionClient(dynamoClient, stateTable)
	if err != nil {
		fatal("failed to create session client", err)
	}
	appointmentClient, err := repository.NewAppointmentClient(dynamoClient, appointmentsTable)
	if err != nil {
		fatal("failed to create appointment client", err)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	// ---- Session backend ----
	var (
		states  conversation.StateStore
		buffers transcript.BufferStore
		clearer usecase.SessionClearer
	)
	switch sessionBackend {
	case "memory":
		states, buffers = conversation.NewMemoryStore(), transcript.NewMemoryStore()
	case "dynamodb":
		states, buffers, clearer = sessionClient, sessionClient, sessionClient
	case "redis":
		store, err := cache.Dial(ctx, mustEnv("REDIS_URL"))
		if err != nil {
			fatal("failed to connect to redis", err)
		}
		defer func() { _ = store.Close() }()
		states, buffers, clearer = store, store, store
	default:
		logger.Error("unknown session backend", "backend", sessionBackend)
		os.Exit(1)
	}
	logger.Info("session backend selected", "backend", sessionBackend)

	// ---- Conversation ----
	manager, err := conversation.NewManager(conversation.DefaultRequirements())
	if err != nil {
		fatal("failed to create conversation manager", err)
	}
	engine, err := conversation.NewEngine(manager, states)
	if err != nil {
		fatal("failed to create conversation engine", err)
	}
	dispatcher, err := usecase.NewDispatcher(appointmentClient, openHour, closeHour, logger)
	if err != nil {
		fatal("failed to create dispatcher", err)
	}

	opts := []usecase.TurnOption{usecase.WithTurnLog(sessionClient), usecase.WithLogger(logger)}
	if clearer != nil {
		opts = append(opts, usecase.WithSessionClearer(clearer))
	}
	if speechEnabled {
		speechClient, err := elevenlabs.NewClient(ssmClient, paramPrefix)
		if err != nil {
			fatal("failed to create ElevenLabs client", err)
		}
		opts = append(opts, usecase.WithSpeech(speechClient))
	}

	// ---- Handler ----
	turnService, err := usecase.NewTurnService(ssmClient, openaiClient, engine, buffers, dispatcher, paramPrefix, maxUtteranceLen, opts...)
	if err != nil {
		fatal("failed to create turn service", err)
	}
	appointmentService, err := usecase.NewAppointmentService(appointmentClient)
	if err != nil {
		fatal("failed to create appointment service", err)
	}

	h, err := handler.NewHandler(turnService, appointmentService, logger)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
