package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cryptosettle/internal/config"
	"cryptosettle/internal/db"
	"cryptosettle/internal/detect"
	"cryptosettle/internal/fiat"
	"cryptosettle/internal/fulfill"
	internalhttp "cryptosettle/internal/http"
	"cryptosettle/internal/orders"
	"cryptosettle/internal/pricing"
	"cryptosettle/internal/provider"
	"cryptosettle/internal/registry"
	"cryptosettle/internal/settle"
	"cryptosettle/internal/store"
	"cryptosettle/internal/wallet"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	reg := registry.New()
	prov := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, provider.Mode(cfg.Provider.Mode))
	oracle := pricing.Default(cfg.Pricing.MarketURL, cfg.Pricing.RateURL)

	provisioner := &wallet.Provisioner{
		Store:    st,
		Provider: prov,
		Registry: reg,
		Fallback: wallet.FallbackDeriver{XPub: cfg.Wallet.XPub, Prefix: cfg.Wallet.Bech32Prefix},
	}

	machine := &settle.StateMachine{
		Store:         st,
		Fulfiller:     fulfill.NewNotifier(cfg.Orders.FulfillURL),
		Subscriptions: prov,
	}
	detector := &detect.Detector{
		Store:    st,
		Settler:  machine,
		Chains:   prov,
		Registry: reg,
	}

	orderSvc := &orders.Service{
		Store:       st,
		Oracle:      oracle,
		Wallet:      provisioner,
		Subs:        prov,
		Fiat:        fiat.NewCheckout(cfg.Stripe.Key, cfg.Stripe.SuccessURL, cfg.Stripe.CancelURL),
		Registry:    reg,
		Sandbox:     prov.Sandbox(),
		TTL:         time.Duration(cfg.Orders.TTLMinutes) * time.Minute,
		CallbackURL: cfg.Provider.CallbackURL,
	}

	if cfg.Provider.StreamURL != "" {
		stream := &detect.Stream{
			Endpoint: cfg.Provider.StreamURL,
			APIKey:   cfg.Provider.APIKey,
			Detector: detector,
		}
		go stream.Run(ctx)
	}

	h := internalhttp.NewHandler(orderSvc, detector, machine, cfg.Stripe.SigningSecret)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
