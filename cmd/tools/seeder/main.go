package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-paygate/internal/app"
	"github.com/noah-isme/toko-paygate/internal/auth"
	"github.com/noah-isme/toko-paygate/internal/config"
	"github.com/noah-isme/toko-paygate/internal/db"
	"github.com/noah-isme/toko-paygate/internal/obs"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/repo"
)

// seeder inserts a payable demo order and prints an operator token so the checkout, callback and
// refund routes can be exercised against a sandbox account.
func main() {
	currency := flag.String("currency", "USD", "order currency")
	tokenTTL := flag.Duration("token-ttl", time.Hour, "operator token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger("console", cfg.LogLevel)

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := app.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	demo := order.Order{
		ID:       uuid.NewString(),
		Currency: *currency,
		Status:   order.StatusPending,
		Items: []order.LineItem{
			{Kind: order.ItemProduct, Name: "Ceramic mug", SKU: "MUG-01", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")},
			{Kind: order.ItemProduct, Name: "Coffee beans 250g", SKU: "BEAN-250", Quantity: 1, UnitPrice: decimal.RequireFromString("9.90")},
			{Kind: order.ItemFee, Name: "Gift wrap", Quantity: 1, UnitPrice: decimal.RequireFromString("1.50")},
		},
		ShippingTotal: decimal.RequireFromString("4.00"),
		TaxTotal:      decimal.RequireFromString("2.31"),
	}
	if err := (repo.OrderStore{DB: pool}).Create(ctx, demo); err != nil {
		logger.Fatal().Err(err).Msg("seed order")
	}

	authService, err := auth.NewService(auth.Options{
		Secret:   cfg.OperatorJWTSecret,
		Issuer:   cfg.OperatorJWTIssuer,
		Audience: cfg.OperatorAudience,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("operator auth")
	}
	token, err := authService.Issue("seeder", *tokenTTL, auth.ScopeRefund)
	if err != nil {
		logger.Fatal().Err(err).Msg("issue operator token")
	}

	logger.Info().Str("order_id", demo.ID).Msg("demo order created")
	fmt.Printf("checkout:       POST %s/api/v1/checkout/%s/paypal\n", cfg.PublicBaseURL, demo.ID)
	fmt.Printf("operator token: %s\n", token)
}
