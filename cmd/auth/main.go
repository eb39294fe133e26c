package main

import (
	"fmt"
	"net/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/corepay/payhub/internal/config"
	"github.com/corepay/payhub/internal/identity"
	"github.com/corepay/payhub/internal/logger"
	"github.com/corepay/payhub/internal/model"
	"github.com/corepay/payhub/internal/saga"
	"github.com/corepay/payhub/internal/token"
	httptransport "github.com/corepay/payhub/internal/transport/http"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger("auth")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Auth.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.User{}, &model.RefreshToken{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	users := identity.NewStore(gdb, log)
	issuer := token.NewIssuer(gdb, cfg.Auth.JWT)
	billing := saga.NewHTTPBillingClient(cfg.Auth.Billing, log)
	registration := saga.NewRegistration(users, billing, issuer, gdb, log)

	router := httptransport.NewAuthRouter(registration, users, issuer, cfg.RateLimit, log)

	addr := fmt.Sprintf(":%d", cfg.Auth.Port)
	log.Infof("auth service listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
