package main

import (
	"context"
	"log"
	"os"

	"custodyflow/auth"
	"custodyflow/batch"
	"custodyflow/db"
	"custodyflow/dispute"
	"custodyflow/funds"
	"custodyflow/keyring"
	"custodyflow/product"
	"custodyflow/provenance"
	"custodyflow/relay"
	"custodyflow/transfer"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	timeline := provenance.NewWriter()
	outbox := provenance.NewOutbox()
	nonces := keyring.NewNonces()
	accounts := auth.NewRepository(pool)

	authService := auth.NewService(pool, accounts, outbox, jwtSecret)
	fundsService := funds.NewService(pool)
	batchService := batch.NewService(pool, batch.NewRepository(pool), accounts, outbox)
	productService := product.NewService(pool, product.NewRepository(pool), timeline, outbox)
	transferService := transfer.NewService(pool, transfer.NewRepository(pool), nonces, keyring.DefaultDomain, timeline, outbox)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), accounts, timeline, outbox)
	relayService := relay.NewService(pool, relay.NewRepository(pool), accounts, transferService, outbox)
	trail := provenance.NewRepository(pool)

	_ = authService
	_ = fundsService
	_ = batchService
	_ = productService
	_ = disputeService
	_ = relayService
	_ = trail

	log.Printf("custody ledger services ready")
}
