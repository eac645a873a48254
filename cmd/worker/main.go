package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zia/backend/internal/action"
	"github.com/zia/backend/internal/audit"
	"github.com/zia/backend/internal/config"
	"github.com/zia/backend/internal/dispatch"
	"github.com/zia/backend/internal/executor"
	"github.com/zia/backend/internal/infra"
)

// priorityQueues in the order BRPOP should prefer them.
var priorityQueues = []string{action.QueueHigh, action.QueueDefault, action.QueueLow}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("ZIA_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	redisClient, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Worker requires Redis: %v", err)
	}
	defer redisClient.Close()
	queue := dispatch.NewRedisQueue(redisClient)

	var recorder audit.Recorder = audit.NopRecorder{}
	if cfg.Database.URL != "" {
		pg, err := audit.NewPostgresRecorder(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect audit database: %v", err)
		}
		defer pg.Close()
		recorder = pg
	}

	executors := executor.DefaultRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("Worker shutting down")
		cancel()
	}()

	slog.Info("Worker started", "queues", priorityQueues, "max_retries", cfg.Worker.MaxRetries)

	for ctx.Err() == nil {
		job, ok, err := queue.Dequeue(ctx, priorityQueues, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		runJob(ctx, job, executors, recorder, cfg.Worker.MaxRetries)
	}
}

// runJob drives one queued execution through EXECUTING to a terminal state,
// retrying failures up to maxRetries times.
func runJob(ctx context.Context, job dispatch.Job, executors *executor.Registry, recorder audit.Recorder, maxRetries int) {
	exec := &action.Execution{
		ExecutionID: job.ExecutionID,
		ActionType:  job.ActionType,
		Params:      job.Params,
		UserID:      job.UserID,
		Status:      action.StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	sm := action.ResumeStateMachine(action.StatusQueued)

	transition := func(to action.Status, reason string) {
		if err := sm.Transition(to, reason); err != nil {
			slog.Error("worker transition failed", "execution_id", exec.ExecutionID, "error", err)
			return
		}
		exec.Status = to
	}

	ex, err := executors.ForActionType(job.ActionType)
	if err != nil {
		transition(action.StatusExecuting, "picked up by worker")
		transition(action.StatusFailed, err.Error())
		exec.Error = err.Error()
		record(ctx, recorder, exec, sm)
		return
	}

	for attempt := 0; ; attempt++ {
		transition(action.StatusExecuting, "picked up by worker")
		now := time.Now().UTC()
		exec.ExecutedAt = &now

		result, runErr := ex.Execute(ctx, job.ActionType, job.Params, job.UserID)
		if runErr == nil {
			transition(action.StatusCompleted, "execution succeeded")
			done := time.Now().UTC()
			exec.CompletedAt = &done
			exec.Result = result
			break
		}

		exec.Error = runErr.Error()
		if attempt+1 >= maxRetries {
			transition(action.StatusFailed, "retries exhausted")
			done := time.Now().UTC()
			exec.CompletedAt = &done
			break
		}
		transition(action.StatusRetrying, "execution failed, retrying")
		slog.Warn("execution failed, retrying",
			"execution_id", exec.ExecutionID, "attempt", attempt+1, "error", runErr)
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}

	record(ctx, recorder, exec, sm)
}

func record(ctx context.Context, recorder audit.Recorder, exec *action.Execution, sm *action.StateMachine) {
	entry := audit.Entry{
		ExecutionID:  exec.ExecutionID,
		UserID:       exec.UserID,
		ActionType:   exec.ActionType,
		Params:       exec.Params,
		RiskLevel:    exec.RiskLevel,
		Status:       exec.Status,
		Source:       exec.Source,
		Error:        exec.Error,
		StateHistory: sm.History(),
		CreatedAt:    exec.CreatedAt,
	}
	if exec.CompletedAt != nil && exec.ExecutedAt != nil {
		entry.DurationMs = exec.CompletedAt.Sub(*exec.ExecutedAt).Milliseconds()
	}
	if err := recorder.Record(ctx, entry); err != nil {
		slog.Error("audit record failed", "execution_id", exec.ExecutionID, "error", err)
	}
}
