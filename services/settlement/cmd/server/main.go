package main

import (
	"log"
	"net/http"

	"github.com/finbridge/ledgerlink/pkg/audit"
	"github.com/finbridge/ledgerlink/pkg/db"
	"github.com/finbridge/ledgerlink/pkg/gateway"
	"github.com/finbridge/ledgerlink/pkg/ledger"
	"github.com/finbridge/ledgerlink/pkg/vault"
	"github.com/finbridge/ledgerlink/services/settlement/internal/config"
	"github.com/finbridge/ledgerlink/services/settlement/internal/identity"
	"github.com/finbridge/ledgerlink/services/settlement/internal/payments"
	"github.com/finbridge/ledgerlink/services/settlement/internal/settle"
	"github.com/finbridge/ledgerlink/services/settlement/internal/store"
	"github.com/finbridge/ledgerlink/services/settlement/internal/webhooks"
	"github.com/go-chi/chi/v5"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	pool := db.MustConnect(cfg.DatabaseURL)
	st := store.New(pool)
	recorder := audit.Safe(st)

	ledgerClient := ledger.New(cfg.Ledger, v, recorder)
	tokens := identity.NewTokenCache(v, ledgerClient, st, st)

	registry := gateway.NewRegistry()
	registry.Register("card", gateway.NewNetpay(cfg.Netpay))

	orchestrator := settle.New(st, st, tokens, ledgerClient, v, st, recorder)
	paymentSvc := payments.NewService(st, registry, orchestrator, recorder)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	webhooks.NewHandler(st, paymentSvc, cfg.WebhookToken).Register(r)

	log.Printf("settlement service listening on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatalf("server: %v", err)
	}
}
