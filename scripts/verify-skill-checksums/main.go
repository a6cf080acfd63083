// Command verify-skill-checksums recomputes the checksum of every published
// skill manifest and reports rows whose stored checksum differs. A mismatch
// means the manifest was edited outside the registry.
//
// Usage:
//
//	SHUGO_BACKEND=postgres DATABASE_URL=postgres://... go run ./scripts/verify-skill-checksums
//
// Read-only. Exits 1 when any mismatch is found.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/shugo"
	"github.com/ashita-ai/shugo/internal/config"
	"github.com/ashita-ai/shugo/internal/integrity"
)

func main() {
	bad, err := run()
	if err != nil {
		log.Fatal(err)
	}
	if bad > 0 {
		os.Exit(1)
	}
}

func run() (int, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return 0, err
	}
	cfg.AutoMigrate = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, closeFn, err := shugo.OpenStore(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	all, err := store.SearchSkills(ctx, "", nil)
	if err != nil {
		return 0, fmt.Errorf("list skills: %w", err)
	}

	bad := 0
	for _, sk := range all {
		want, err := integrity.Checksum(sk.Manifest)
		if err != nil {
			return bad, fmt.Errorf("checksum %s@%s: %w", sk.Name, sk.Version, err)
		}
		if want != sk.Checksum {
			bad++
			fmt.Printf("MISMATCH %s@%s stored=%s computed=%s\n", sk.Name, sk.Version, sk.Checksum, want)
		}
	}
	fmt.Printf("scanned %d skill versions, %d mismatched\n", len(all), bad)
	return bad, nil
}
