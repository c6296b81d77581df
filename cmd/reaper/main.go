package main

import (
	"context"
	"log"
	"time"

	"cryptosettle/internal/config"
	"cryptosettle/internal/db"
	"cryptosettle/internal/fulfill"
	"cryptosettle/internal/provider"
	"cryptosettle/internal/reaper"
	"cryptosettle/internal/settle"
	"cryptosettle/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	prov := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, provider.Mode(cfg.Provider.Mode))
	machine := &settle.StateMachine{
		Store:         st,
		Fulfiller:     fulfill.NewNotifier(cfg.Orders.FulfillURL),
		Subscriptions: prov,
	}

	r := &reaper.Reaper{
		Store:    st,
		Machine:  machine,
		Interval: time.Duration(cfg.Reaper.IntervalSeconds) * time.Second,
	}

	log.Printf("reaper started (interval=%ds)", cfg.Reaper.IntervalSeconds)
	r.Run(ctx)
}
