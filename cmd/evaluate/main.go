// Command evaluate runs the geolocation pipeline against a labelled dataset
// and reports accuracy bands. The dataset is a CSV with a header row and
// columns: description, latitude, longitude.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"geolocator-backend/internal/pipeline"

	"github.com/schollz/progressbar/v3"
)

type sample struct {
	description string
	lat, lon    float64
}

func loadSamples(path string) ([]sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("dataset %s has no samples", path)
	}

	samples := make([]sample, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) < 3 {
			return nil, fmt.Errorf("row %d has %d columns, expected 3", i+2, len(row))
		}
		lat, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d has invalid latitude: %w", i+2, err)
		}
		lon, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d has invalid longitude: %w", i+2, err)
		}
		samples = append(samples, sample{description: row[0], lat: lat, lon: lon})
	}
	return samples, nil
}

func main() {
	var (
		dataset    = flag.String("dataset", "", "path to the labelled CSV dataset")
		configPath = flag.String("config", "", "path to the pipeline config")
		apiKey     = flag.String("api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key")
	)
	flag.Parse()

	if *dataset == "" {
		log.Fatal("missing required -dataset flag")
	}

	cfg, err := pipeline.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load pipeline config: %v", err)
	}

	var llm pipeline.ChatModel
	if *apiKey != "" {
		llm = pipeline.NewOpenAIChatModel(cfg.Model, *apiKey)
	} else {
		log.Println("no API key provided, using noop chat model")
		llm = pipeline.NoopChatModel{}
	}

	orchestrator := pipeline.NewOrchestrator(llm, cfg)

	samples, err := loadSamples(*dataset)
	if err != nil {
		log.Fatalf("Failed to load dataset: %v", err)
	}

	bar := progressbar.Default(int64(len(samples)), "evaluating")

	var within50, within100, within500, within1km, failed int
	var totalDistance float64

	ctx := context.Background()
	for _, s := range samples {
		req := pipeline.AnalysisRequest{ImageRef: "dataset sample", Description: s.description}

		result, err := orchestrator.Analyze(ctx, req, nil)
		if err != nil {
			failed++
			bar.Add(1) //nolint:errcheck
			continue
		}

		report := pipeline.ValidateAgainstGroundTruth(result, s.lat, s.lon)
		totalDistance += report.DistanceMeters
		if report.Within50m {
			within50++
		}
		if report.Within100m {
			within100++
		}
		if report.Within500m {
			within500++
		}
		if report.Within1km {
			within1km++
		}

		bar.Add(1) //nolint:errcheck
	}

	evaluated := len(samples) - failed
	fmt.Printf("\nEvaluated %d samples (%d failed)\n", evaluated, failed)
	if evaluated > 0 {
		fmt.Printf("  within 50m:   %d (%.1f%%)\n", within50, 100*float64(within50)/float64(evaluated))
		fmt.Printf("  within 100m:  %d (%.1f%%)\n", within100, 100*float64(within100)/float64(evaluated))
		fmt.Printf("  within 500m:  %d (%.1f%%)\n", within500, 100*float64(within500)/float64(evaluated))
		fmt.Printf("  within 1km:   %d (%.1f%%)\n", within1km, 100*float64(within1km)/float64(evaluated))
		fmt.Printf("  mean distance: %.1fm\n", totalDistance/float64(evaluated))
	}
}
