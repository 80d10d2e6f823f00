package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file — using system environment variables")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisGetEnv("REDIS_ADDR", "localhost:6379"),
		Password: redisGetEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	step1_api_keys(ctx, client)
	step2_verify(ctx, client)

	fmt.Println("\n✅ Redis seeded successfully")
}

func step1_api_keys(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 1: Seeding staff API keys ──────────────")

	// Key pattern: staff:auth:{api_key} → {user_id, full_name}
	// This is what the authenticator resolves at its Redis level.
	staff := map[string]map[string]string{
		"staff:auth:demo_anita_key": {"user_id": "EMP-1001", "full_name": "Anita Desai"},
		"staff:auth:demo_rahul_key": {"user_id": "EMP-1002", "full_name": "Rahul Mehta"},
		"staff:auth:demo_priya_key": {"user_id": "EMP-1003", "full_name": "Priya Nair"},
		"staff:auth:test_key":       {"user_id": "EMP-TEST", "full_name": "Test Device"},
	}

	for key, fields := range staff {
		if err := client.HSet(ctx, key, fields).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-30s → %s (%s)\n", key, fields["user_id"], fields["full_name"])
	}
}

func step2_verify(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	keys, err := client.Keys(ctx, "staff:auth:*").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d staff API keys found in Redis\n", len(keys))

	fields, err := client.HGetAll(ctx, "staff:auth:test_key").Result()
	if err != nil || fields["user_id"] == "" {
		log.Fatalf("Spot check failed: %v", err)
	}
	fmt.Printf("  ✓ spot check: staff:auth:test_key → %s\n", fields["user_id"])
}

func redisGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
