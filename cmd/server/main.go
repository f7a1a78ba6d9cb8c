package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ludus-app/ludus-server/internal/config"
	"github.com/ludus-app/ludus-server/internal/game"
	"github.com/ludus-app/ludus-server/internal/httpapi"
	"github.com/ludus-app/ludus-server/internal/hub"
	"github.com/ludus-app/ludus-server/internal/llm"
	"github.com/ludus-app/ludus-server/internal/store"
	"github.com/ludus-app/ludus-server/internal/tasks"
)

// noGenerator rejects game starts when no completion endpoint is
// configured; rooms still work as plain chat.
type noGenerator struct{}

func (noGenerator) GenerateQuestions(context.Context, []llm.ProblemSpec) ([]game.Question, error) {
	return nil, llm.ErrNoQuestions
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	var rooms store.RoomStore
	if cfg.DatabaseURL != "" {
		rooms, err = store.NewGormRoomStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("connect postgres", zap.Error(err))
		}
	} else {
		log.Warn("DATABASE_URL not set, room records are in-memory")
		rooms = store.NewMemoryRoomStore()
	}

	var messages store.MessageStore
	if cfg.RedisURL != "" {
		messages, err = store.NewRedisMessageStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("connect redis", zap.Error(err))
		}
	} else {
		log.Warn("REDIS_URL not set, message history is in-memory")
		messages = store.NewMemoryMessageStore()
	}

	var generator llm.Generator
	var grader llm.Grader
	if cfg.LLMBaseURL != "" {
		c := llm.NewClient(cfg.LLMBaseURL, cfg.LLMModel)
		generator, grader = c, c
	} else {
		log.Warn("LLM_BASE_URL not set, grading falls back to exact match")
		grader = llm.ExactMatchGrader{}
	}

	ctx := context.Background()
	h := hub.NewHub(ctx, hub.Deps{
		Rooms:    rooms,
		Messages: messages,
		Grader:   grader,
		Log:      log,
	})

	// Persisted rooms get their actors back, so the listing never
	// advertises a room the hub cannot resolve.
	if n, err := h.Rehydrate(ctx, rooms); err != nil {
		log.Fatal("rehydrate rooms", zap.Error(err))
	} else if n > 0 {
		log.Info("rehydrated rooms", zap.Int("count", n))
	}

	var runner tasks.Runner
	if cfg.RedisURL != "" && generator != nil {
		ar, err := tasks.NewAsynqRunner(cfg.RedisURL)
		if err != nil {
			log.Fatal("asynq client", zap.Error(err))
		}
		defer ar.Close()
		runner = ar

		worker, err := tasks.NewWorker(cfg.RedisURL, h, generator, log)
		if err != nil {
			log.Fatal("asynq worker", zap.Error(err))
		}
		go func() {
			if err := worker.Run(); err != nil {
				log.Fatal("asynq worker run", zap.Error(err))
			}
		}()
		defer worker.Shutdown()
	} else {
		if generator == nil {
			generator = noGenerator{}
		}
		runner = &tasks.GoRunner{Hub: h, Generator: generator, Log: log}
	}

	srv := &httpapi.Server{
		Hub:      h,
		Rooms:    rooms,
		Messages: messages,
		Runner:   runner,
		Log:      log,
	}
	handler := httpapi.SetupRoutes(srv, []byte(cfg.JWTSecret))

	log.Info("listening", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}
