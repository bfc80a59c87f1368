package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty"
)

var (
	port              int
	dbPath            string
	tempDir           string
	sampleRate        int
	allowedOrigins    string
	aggregateInterval time.Duration
	aggregateLookback time.Duration
	retryInterval     time.Duration
)

func init() {
	flag.IntVar(&port, "port", 8080, "HTTP server port")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("ROYALTY_DB_PATH", "royalty.sqlite3"), "Path to SQLite database")
	flag.StringVar(&tempDir, "temp", getEnvOrDefault("ROYALTY_TEMP_DIR", "/tmp"), "Temporary directory")
	flag.IntVar(&sampleRate, "rate", 11025, "Audio sample rate")
	flag.StringVar(&allowedOrigins, "origins", "*", "Comma-separated list of allowed CORS origins (use * for all)")
	flag.DurationVar(&aggregateInterval, "aggregate-interval", time.Minute, "How often to run the aggregation pass (0 disables)")
	flag.DurationVar(&aggregateLookback, "aggregate-lookback", 10*time.Minute, "Event lookback window for each aggregation pass")
	flag.DurationVar(&retryInterval, "retry-interval", 5*time.Minute, "How often to replay failed settlements (0 disables)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Parse()

	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		origins = strings.Split(allowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	service, err := royalty.NewService(
		royalty.WithDBPath(dbPath),
		royalty.WithTempDir(tempDir),
		royalty.WithSampleRate(sampleRate),
	)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	defer service.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startSchedulers(ctx, service)

	config := &ServerConfig{
		Port:           port,
		DBPath:         dbPath,
		TempDir:        tempDir,
		SampleRate:     sampleRate,
		AllowedOrigins: origins,
	}

	server := NewServer(service, config)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// startSchedulers launches the periodic aggregation and retry passes.
func startSchedulers(ctx context.Context, service *royalty.Service) {
	lg := logger.GetLogger()

	if aggregateInterval > 0 {
		go func() {
			ticker := time.NewTicker(aggregateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := service.RunAggregation(ctx, aggregateLookback); err != nil {
						lg.Errorf("Aggregation pass failed: %v", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if retryInterval > 0 {
		go func() {
			ticker := time.NewTicker(retryInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := service.RunRetries(ctx); err != nil {
						lg.Errorf("Retry pass failed: %v", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}
