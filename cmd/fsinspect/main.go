/**
 * @description
 * Operator tool for inspecting payment plumbing by hand.
 *
 * Usage:
 *   go run ./cmd/fsinspect <funding-source-url | shareable-id>
 *
 * A funding source URL is validated and fetched from the payments API. Anything else
 * is treated as a shareable id and decoded to the account id it refers to.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads .env files during local development.
 * - internal/config: DWOLLA_* settings.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/justbank/transfer-service/internal/config"
	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/internal/shareid"
	"github.com/justbank/transfer-service/pkg/dwollaclient"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: go run ./cmd/fsinspect <funding-source-url | shareable-id>")
		os.Exit(1)
	}
	arg := strings.TrimSpace(os.Args[1])

	_ = godotenv.Load()

	if !strings.HasPrefix(arg, "http://") && !strings.HasPrefix(arg, "https://") {
		accountID, err := shareid.Decode(arg)
		if err != nil {
			log.Fatalf("Failed to decode shareable id: %v", err)
		}
		fmt.Printf("Shareable id %s refers to account %s\n", arg, accountID)
		return
	}

	if !domain.IsValidFundingSourceURL(arg) {
		log.Fatalf("%s is not a funding source URL", arg)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DwollaKey == "" || cfg.DwollaSecret == "" {
		log.Fatal("DWOLLA_KEY and DWOLLA_SECRET environment variables are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := dwollaclient.NewClient(cfg.DwollaBaseURL, cfg.DwollaKey, cfg.DwollaSecret)
	source, err := client.GetFundingSource(ctx, arg)
	if err != nil {
		if dwollaclient.StatusCode(err) == 404 {
			log.Fatalf("Funding source not found in %s: %s", cfg.DwollaEnv, arg)
		}
		log.Fatalf("Failed to fetch funding source: %v", err)
	}

	fmt.Printf("Funding Source Details:\n")
	fmt.Printf("  ID: %s\n", source.ID)
	fmt.Printf("  Name: %s\n", source.Name)
	fmt.Printf("  Bank: %s\n", source.BankName)
	fmt.Printf("  Type: %s (%s)\n", source.Type, source.BankType)
	fmt.Printf("  Status: %s\n", source.Status)
	fmt.Printf("  Removed: %t\n", source.Removed)
	fmt.Printf("  Created: %s\n", source.Created)
}
