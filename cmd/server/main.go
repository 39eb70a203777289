package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campo-sync/internal/config"
	"campo-sync/internal/domain"
	"campo-sync/internal/handler"
	"campo-sync/internal/logging"
	"campo-sync/internal/middleware"
	"campo-sync/internal/repository"
	"campo-sync/internal/service"
	"campo-sync/internal/websocket"

	"github.com/gorilla/mux"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "campo-sync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.OpenLocal(ctx, cfg.Local.Path)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()
	log.Info(ctx, "local store ready", "path", cfg.Local.Path)

	documentRepo := repository.NewDocumentRepository(db)
	conflictRepo := repository.NewConflictRepository(db)
	checkpointRepo := repository.NewCheckpointRepository(db)

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		log,
	)

	engine := service.NewReplicationService(documentRepo, checkpointRepo, conflictRepo, wsManager, service.ReplicationOptions{
		LocalPath:      cfg.Local.Path,
		BatchSize:      cfg.Replication.BatchSize,
		PollInterval:   cfg.Replication.PollInterval,
		InitialBackoff: cfg.Replication.InitialBackoff,
		MaxBackoff:     cfg.Replication.MaxBackoff,
	}, log)
	wsManager.SetStatusSource(engine.Status)

	wsCtx, stopWS := context.WithCancel(context.Background())
	defer stopWS()
	go wsManager.Run(wsCtx)

	var (
		identity  repository.IdentityProvider
		newRemote service.RemoteFactory
	)
	if cfg.Remote.URL != "" {
		sessionRepo, err := repository.NewCouchSessionRepository(cfg.Remote.URL, cfg.Remote.RequestTimeout)
		if err != nil {
			return err
		}
		identity = sessionRepo
		newRemote = remoteFactory(cfg.Remote)
		log.Info(ctx, "remote configured", "address", repository.RedactURL(cfg.Remote.URL)+"/"+cfg.Remote.Database)
	} else {
		log.Warn(ctx, "REMOTE_URL not set, replication disabled")
	}

	documentService := service.NewDocumentService(documentRepo, conflictRepo, wsManager, log)
	documentService.SetChangeNotifier(engine)
	queryService := service.NewQueryService(documentRepo, log)
	sessionService := service.NewSessionService(identity, cfg.Session.TTL, cfg.JWT.Secret, cfg.JWT.Expiration, log)
	controller := service.NewReplicationController(engine, newRemote, log)
	sessionService.AddListener(controller)

	if newRemote != nil && cfg.Replication.AutoStart && repository.HasCredentials(cfg.Remote.URL) {
		if err := controller.Start(ctx); err != nil {
			log.Error(ctx, "replication did not start", "error", err)
		}
	}

	router := newRouter(cfg, log, routes{
		session:     handler.NewSessionHandler(sessionService),
		documents:   handler.NewDocumentHandler(documentService),
		queries:     handler.NewQueryHandler(queryService),
		replication: handler.NewReplicationHandler(controller),
		ws:          handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret, log),
		health:      handler.NewHealthHandler(db, engine.Status),
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting campo-sync", "addr", addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server forced to shutdown", "error", err)
	}
	if err := controller.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "replication did not stop cleanly", "error", err)
	}
	stopWS()

	log.Info(shutdownCtx, "stopped gracefully")
	return nil
}

// remoteFactory prefers session credentials and falls back to those in
// REMOTE_URL.
func remoteFactory(cfg config.RemoteConfig) service.RemoteFactory {
	return func(creds *domain.Credentials) (repository.RemoteRepository, error) {
		if creds == nil && !repository.HasCredentials(cfg.URL) {
			return nil, fmt.Errorf("%w: log in to start replication", domain.ErrUnauthorized)
		}
		remote, err := repository.NewCouchRemoteRepository(cfg.URL, cfg.Database, creds, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		return remote, nil
	}
}

type routes struct {
	session     *handler.SessionHandler
	documents   *handler.DocumentHandler
	queries     *handler.QueryHandler
	replication *handler.ReplicationHandler
	ws          *handler.WebSocketHandler
	health      *handler.HealthHandler
}

func newRouter(cfg *config.Config, log logging.Logger, h routes) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/session/login", h.session.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/session", h.session.Current).Methods("GET", "OPTIONS")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/session/logout", h.session.Logout).Methods("POST", "OPTIONS")

	protected.HandleFunc("/documents", h.documents.Create).Methods("POST", "OPTIONS")
	protected.HandleFunc("/documents", h.queries.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/documents/{id}", h.documents.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/documents/{id}", h.documents.Put).Methods("PUT", "OPTIONS")
	protected.HandleFunc("/documents/{id}", h.documents.Delete).Methods("DELETE", "OPTIONS")
	protected.HandleFunc("/documents/{id}/conflicts", h.documents.Conflicts).Methods("GET", "OPTIONS")
	protected.HandleFunc("/documents/{id}/conflicts/{rev}", h.documents.DiscardConflict).Methods("DELETE", "OPTIONS")
	protected.HandleFunc("/conflicts", h.documents.AllConflicts).Methods("GET", "OPTIONS")

	protected.HandleFunc("/query", h.queries.Query).Methods("POST", "OPTIONS")
	protected.HandleFunc("/indexes", h.queries.CreateIndex).Methods("POST", "OPTIONS")
	protected.HandleFunc("/indexes", h.queries.ListIndexes).Methods("GET", "OPTIONS")

	protected.HandleFunc("/replication/status", h.replication.Status).Methods("GET", "OPTIONS")
	protected.HandleFunc("/replication/start", h.replication.Start).Methods("POST", "OPTIONS")
	protected.HandleFunc("/replication/stop", h.replication.Stop).Methods("POST", "OPTIONS")

	r.HandleFunc("/ws", h.ws.HandleConnection)
	r.HandleFunc("/health", h.health.Health).Methods("GET")

	return r
}
