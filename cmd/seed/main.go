// Seeding tool: loads demo datasets with synthetic records and issues a
// buyer API key for local development.
//
// Usage (env overrides):
//
//	SEED_PRINCIPAL=<uuid> SEED_RECORDS=1000 go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"tavren/internal/auth"
	"tavren/internal/domain"
	"tavren/internal/repository/postgres"
	"tavren/pkg/config"
	"tavren/pkg/logger"
)

func main() {
	log := logger.New("seed")

	cfg := config.Load()
	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	recordCount := getIntEnv("SEED_RECORDS", 1000)
	principal := uuid.New()
	if v := os.Getenv("SEED_PRINCIPAL"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			log.Fatal("SEED_PRINCIPAL must be a UUID", map[string]interface{}{"value": v})
		}
		principal = parsed
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	datasetRepo := postgres.NewDatasetRepository(db)
	apiKeys := auth.NewAPIKeyService(postgres.NewAPIKeyRepository(db))
	ctx := context.Background()

	seedDataset(ctx, log, datasetRepo, &domain.Dataset{
		Key:         "retail-visits",
		Name:        "Retail store visits",
		Description: "Weekly store visit counts from consented shopper panels",
		RecordType:  "visit_count",
	}, recordCount, func(rng *rand.Rand) (float64, map[string]string) {
		regions := []string{"north", "south", "east", "west"}
		return float64(rng.Intn(21)), map[string]string{
			"region":    regions[rng.Intn(len(regions))],
			"age_group": fmt.Sprintf("%d-%d", 18+10*rng.Intn(5), 27+10*rng.Intn(5)),
		}
	})

	seedDataset(ctx, log, datasetRepo, &domain.Dataset{
		Key:         "commute-distance",
		Name:        "Commute distances",
		Description: "Daily commute distance in kilometers from consented location traces",
		RecordType:  "distance_km",
	}, recordCount, func(rng *rand.Rand) (float64, map[string]string) {
		modes := []string{"car", "transit", "bike", "walk"}
		return rng.Float64() * 80, map[string]string{
			"mode": modes[rng.Intn(len(modes))],
		}
	})

	key, rawKey, err := apiKeys.CreateKey(ctx, principal, "dev-buyer")
	if err != nil {
		log.Fatal("API key creation failed", map[string]interface{}{"error": err.Error()})
	}

	fmt.Println("OK: datasets seeded")
	fmt.Printf("principal: %s\n", principal)
	fmt.Printf("api key (%s): %s\n", key.KeyPrefix, rawKey)
}

func seedDataset(ctx context.Context, log logger.Logger, repo *postgres.DatasetRepository, ds *domain.Dataset, n int, gen func(*rand.Rand) (float64, map[string]string)) {
	ds.CreatedAt = time.Now().UTC()
	if err := repo.CreateDataset(ctx, ds); err != nil {
		log.Fatal("Dataset creation failed", map[string]interface{}{
			"error":   err.Error(),
			"dataset": ds.Key,
		})
	}

	existing, err := repo.CountRecords(ctx, ds.Key)
	if err != nil {
		log.Fatal("Record count failed", map[string]interface{}{"error": err.Error()})
	}
	if existing > 0 {
		log.Info("Dataset already has records, skipping", map[string]interface{}{
			"dataset": ds.Key,
			"records": existing,
		})
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	records := make([]*domain.Record, 0, n)
	for i := 0; i < n; i++ {
		value, attrs := gen(rng)
		records = append(records, &domain.Record{
			ID:         uuid.New(),
			DatasetKey: ds.Key,
			UserRef:    fmt.Sprintf("user-%04d", i),
			Value:      value,
			Attributes: attrs,
			RecordedAt: time.Now().UTC(),
		})
	}

	if err := repo.InsertRecords(ctx, records); err != nil {
		log.Fatal("Record insert failed", map[string]interface{}{
			"error":   err.Error(),
			"dataset": ds.Key,
		})
	}

	log.Info("Dataset seeded", map[string]interface{}{
		"dataset": ds.Key,
		"records": n,
	})
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
