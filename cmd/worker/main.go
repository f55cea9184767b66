package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"geolocator-backend/cmd"
	"geolocator-backend/internal/database"
	"geolocator-backend/internal/messaging"
	"geolocator-backend/internal/pipeline"
	"geolocator-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,notEmpty,required"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,notEmpty,required"`
	S3Region          string `env:"AWS_REGION,notEmpty,required"`
	ImageBucketName   string `env:"IMAGE_BUCKET_NAME" envDefault:"geolocator-images"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY,notEmpty,required"`
	PipelineConfig    string `env:"PIPELINE_CONFIG"`
	Concurrency       int    `env:"CONCURRENCY" envDefault:"2"`
}

func main() {
	log.Println("Starting worker process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3Provider(&storage.S3ProviderConfig{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
	})
	if err != nil {
		log.Fatalf("Failed to create S3 provider: %v", err)
	}

	pipelineCfg, err := pipeline.LoadConfig(cfg.PipelineConfig)
	if err != nil {
		log.Fatalf("Failed to load pipeline config: %v", err)
	}

	llm := pipeline.NewOpenAIChatModel(pipelineCfg.Model, cfg.OpenAIAPIKey)
	orchestrator := pipeline.NewOrchestrator(llm, pipelineCfg)

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer receiver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := messaging.NewWorker(db, store, cfg.ImageBucketName, orchestrator, receiver, cfg.Concurrency)
	worker.Start(ctx)

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for in-flight tasks...")
	cancel()
	worker.Stop()

	log.Println("Worker process stopped.")
}
