// Command local runs the full stack in one process: sqlite database, local
// filesystem storage, in-memory queue, and an embedded worker. Intended for
// development and single machine deployments.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"geolocator-backend/cmd"
	"geolocator-backend/internal/api"
	"geolocator-backend/internal/auth"
	"geolocator-backend/internal/database"
	"geolocator-backend/internal/messaging"
	"geolocator-backend/internal/pipeline"
	"geolocator-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

type Config struct {
	Root           string `env:"ROOT" envDefault:"./geolocator"`
	Port           int    `env:"PORT" envDefault:"3001"`
	JWTSecret      string `env:"JWT_SECRET" envDefault:"local-dev-secret"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY" envDefault:""`
	PipelineConfig string `env:"PIPELINE_CONFIG"`
	Concurrency    int    `env:"CONCURRENCY" envDefault:"1"`
}

const imageBucket = "images"

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "geolocator.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	return db
}

// requeuePendingTasks reloads tasks that were PENDING at last shutdown into
// the in-memory queue, and fails tasks stranded in PROCESSING.
func requeuePendingTasks(db *gorm.DB, queue *messaging.InMemoryQueue) {
	ctx := context.Background()

	var stranded []database.AnalysisTask
	if err := db.Where("status = ?", database.TaskProcessing).Find(&stranded).Error; err != nil {
		log.Fatalf("Failed to fetch stranded tasks: %v", err)
	}
	for _, task := range stranded {
		if err := database.FailTask(ctx, db, task.Id, "worker restarted during analysis"); err != nil {
			slog.Warn("failed to mark stranded task", "task_id", task.Id, "error", err)
		}
	}

	var pending []database.AnalysisTask
	if err := db.Where("status = ?", database.TaskPending).Find(&pending).Error; err != nil {
		log.Fatalf("Failed to fetch pending tasks: %v", err)
	}
	for _, task := range pending {
		if err := queue.PublishAnalysisTask(ctx, messaging.AnalysisTaskPayload{TaskId: task.Id}); err != nil {
			log.Fatalf("Failed to requeue task: %v", err)
		}
	}
}

func createChatModel(cfg Config, pipelineCfg pipeline.Config) pipeline.ChatModel {
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, analysis will run without a language model")
		return pipeline.NoopChatModel{}
	}
	llm, err := pipeline.NewLangchainChatModel(pipelineCfg.Model, cfg.OpenAIAPIKey)
	if err != nil {
		log.Fatalf("Failed to create chat model: %v", err)
	}
	return llm
}

func createServer(db *gorm.DB, store storage.Provider, queue messaging.Publisher, authService *auth.Service, orchestrator *pipeline.Orchestrator, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	backend := api.NewBackendService(db, queue, store, imageBucket, authService, orchestrator.Status)
	authAPI := api.NewAuthService(db, authService)

	r.Route("/api/v1", func(r chi.Router) {
		backend.AddRoutes(r)
		authAPI.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalProvider(filepath.Join(cfg.Root, "objects"))
	if err != nil {
		log.Fatalf("Failed to create local storage: %v", err)
	}
	if err := store.CreateBucket(context.Background(), imageBucket); err != nil {
		log.Fatalf("Failed to create image bucket: %v", err)
	}

	queue := messaging.NewInMemoryQueue()
	requeuePendingTasks(db, queue)

	pipelineCfg, err := pipeline.LoadConfig(cfg.PipelineConfig)
	if err != nil {
		log.Fatalf("Failed to load pipeline config: %v", err)
	}

	llm := createChatModel(cfg, pipelineCfg)
	orchestrator := pipeline.NewOrchestrator(llm, pipelineCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := messaging.NewWorker(db, store, imageBucket, orchestrator, queue, cfg.Concurrency)
	worker.Start(ctx)

	authService := auth.NewService(cfg.JWTSecret)
	server := createServer(db, store, queue, authService, orchestrator, cfg.Port)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("Server listening on port %d", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v", cfg.Port, err)
	}

	cancel()
	queue.Close()
	worker.Stop()
	log.Println("Stopped.")
}
