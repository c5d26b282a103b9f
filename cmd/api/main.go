package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"

	"rentflow/agreement"
	"rentflow/arbitration"
	"rentflow/auth"
	"rentflow/db"
	"rentflow/settlement"
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

	var fee uint64 = 4
	if v := os.Getenv("ARBITRATION_FEE"); v != "" {
		fee, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			log.Fatalf("parse ARBITRATION_FEE: %v", err)
		}
	}

	// Value transfers are executed by external wallet infrastructure; until it
	// is wired in, withdrawals are settled on the ledger and logged.
	transfer := settlement.TransfererFunc(func(ctx context.Context, to string, amount uint64) error {
		log.Printf("transfer %d to %s", amount, to)
		return nil
	})

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	agreementService := agreement.NewService(pool, nil, arbitration.NewFixedGateway(fee), transfer)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Printf("rentflow api listening on %s", addr)
	if err := http.ListenAndServe(addr, newRouter(authService, agreementService)); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
