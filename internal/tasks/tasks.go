// Package tasks runs question generation off the request path. With
// Redis configured the work goes through asynq; without it a plain
// goroutine runner keeps single-node deployments working.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/ludus-app/ludus-server/internal/hub"
	"github.com/ludus-app/ludus-server/internal/llm"
	"github.com/ludus-app/ludus-server/internal/room"
)

const TypeGenerateQuestions = "quiz:generate"

type GeneratePayload struct {
	RoomID    string            `json:"room_id"`
	SessionID string            `json:"session_id"`
	Specs     []llm.ProblemSpec `json:"specs"`
}

// Runner dispatches a generation job for a freshly started session.
type Runner interface {
	Dispatch(ctx context.Context, p GeneratePayload) error
}

// Generate produces the question set and delivers the outcome to the
// room. Generation failures are reported to the room rather than
// retried; the host simply starts again.
func Generate(ctx context.Context, h *hub.Hub, gen llm.Generator, p GeneratePayload, log *zap.Logger) error {
	rm := h.Room(p.RoomID)
	if rm == nil {
		log.Warn("generation target room gone", zap.String("room_id", p.RoomID))
		return nil
	}
	questions, err := gen.GenerateQuestions(ctx, p.Specs)
	if err != nil {
		log.Error("question generation failed",
			zap.String("room_id", p.RoomID),
			zap.String("session_id", p.SessionID),
			zap.Error(err),
		)
		rm.Inbox() <- room.GenerationFailed{SessionID: p.SessionID, Err: err}
		return nil
	}
	rm.Inbox() <- room.QuestionsReady{SessionID: p.SessionID, Questions: questions}
	return nil
}

// AsynqRunner enqueues generation jobs on Redis.
type AsynqRunner struct {
	client *asynq.Client
}

func NewAsynqRunner(redisURL string) (*AsynqRunner, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("tasks: parse redis uri: %w", err)
	}
	return &AsynqRunner{client: asynq.NewClient(opt)}, nil
}

func (r *AsynqRunner) Dispatch(_ context.Context, p GeneratePayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	// A failed generation is surfaced to the room, not retried; the
	// session would be stale by the time a retry landed.
	_, err = r.client.Enqueue(asynq.NewTask(TypeGenerateQuestions, payload), asynq.MaxRetry(0))
	return err
}

func (r *AsynqRunner) Close() error { return r.client.Close() }

// Worker consumes generation jobs enqueued by AsynqRunner.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewWorker(redisURL string, h *hub.Hub, gen llm.Generator, log *zap.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("tasks: parse redis uri: %w", err)
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: 4})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateQuestions, func(ctx context.Context, t *asynq.Task) error {
		var p GeneratePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("tasks: bad payload: %w", err)
		}
		return Generate(ctx, h, gen, p, log)
	})
	return &Worker{srv: srv, mux: mux}, nil
}

func (w *Worker) Run() error { return w.srv.Run(w.mux) }

func (w *Worker) Shutdown() { w.srv.Shutdown() }

// GoRunner executes generation on a goroutine in this process. Used
// when no Redis is configured, and in tests.
type GoRunner struct {
	Hub       *hub.Hub
	Generator llm.Generator
	Log       *zap.Logger
}

func (r *GoRunner) Dispatch(ctx context.Context, p GeneratePayload) error {
	go func() {
		// Detach from the request context; generation outlives it.
		_ = Generate(context.WithoutCancel(ctx), r.Hub, r.Generator, p, r.Log)
	}()
	return nil
}
