package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aureuma/botctl/core/artifacts"
	"github.com/aureuma/botctl/core/lifecycle"
	"github.com/aureuma/botctl/core/logbroker"
	"github.com/aureuma/botctl/core/registry"
	"github.com/aureuma/botctl/core/sandbox"
	"github.com/aureuma/botctl/internal/audit"
	"github.com/aureuma/botctl/internal/authshim"
	"github.com/aureuma/botctl/internal/config"
	"github.com/aureuma/botctl/internal/httpapi"
	"github.com/aureuma/botctl/internal/ratelimit"
	"github.com/aureuma/botctl/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "botctl-api ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db: %v", err)
	}
	defer st.Close()

	reg := registry.New()
	arts := artifacts.New(cfg.BotStoragePath)
	driver := sandbox.NewDockerDriver(cfg.DockerSocketPath)
	manager := lifecycle.New(reg, arts, driver, st, logger)

	authSvc, err := authshim.New(cfg.JWTSecretKey, time.Duration(cfg.JWTAccessTokenExpireMin)*time.Minute, cfg.JWTAlgorithm)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}
	broker := logbroker.New(manager, driver, authSvc, logger)
	limiter := ratelimit.New(0, 0)

	srv := httpapi.New(
		manager,
		broker,
		authSvc,
		st,
		authshim.NewHandlers(authSvc, st),
		audit.NewHandler(st),
		limiter,
		logger,
	)

	addr := cfg.Host + ":" + cfg.Port
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Printf("shutting down...")
	_ = httpSrv.Close()
}
