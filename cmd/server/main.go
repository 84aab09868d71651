package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inkdown-docsync/internal/config"
	"inkdown-docsync/internal/document"
	"inkdown-docsync/internal/events"
	"inkdown-docsync/internal/handler"
	"inkdown-docsync/internal/middleware"
	"inkdown-docsync/internal/repository"
	"inkdown-docsync/internal/service"
	"inkdown-docsync/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load()
	if err != nil {
		glog.Fatalf("Failed to load configuration: %v", err)
	}

	if v := flag.Lookup("v"); v != nil && v.Value.String() == "0" {
		flag.Set("v", cfg.Logging.Verbosity)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	couchURL := cfg.Database.URL()

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		glog.Fatalf("Failed to connect to CouchDB: %v", err)
	}

	exists, err := client.DBExists(ctx, cfg.Database.Name)
	if err != nil {
		glog.Fatalf("Failed to check database existence: %v", err)
	}

	if !exists {
		if err := client.CreateDB(ctx, cfg.Database.Name); err != nil {
			glog.Fatalf("Failed to create database: %v", err)
		}
		glog.Infof("Created database: %s", cfg.Database.Name)
	}

	documentRepo := repository.NewDocumentRepository(client, cfg.Database.Name)
	versionRepo := repository.NewDocumentVersionRepository(fmt.Sprintf("%s/%s", couchURL, cfg.Database.Name))

	store := document.NewStore(documentRepo, versionRepo)

	wsManager := websocket.NewManager(cfg.WebSocket)
	go wsManager.Run(ctx)

	syncService := service.NewSyncService(store, wsManager, cfg.ChangeGuard)
	go syncService.Run(ctx)

	if cfg.Redis.Enabled {
		rdb, err := events.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			glog.Fatalf("Failed to start change feed: %v", err)
		}
		defer rdb.Close()

		feed := events.NewRedisFeed(rdb, store, cfg.Redis)
		syncService.SetChangeObserver(feed.ObserveChange)
		go func() {
			if err := feed.Run(ctx); err != nil {
				glog.Errorf("Change feed stopped: %v", err)
			}
		}()
	}

	wsMessageHandler := handler.NewWebSocketMessageHandler(syncService)
	wsManager.SetMessageHandler(wsMessageHandler)

	wsHandler := handler.NewWebSocketHandler(wsManager, syncService, cfg.JWT.Secret, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize)
	documentHandler := handler.NewDocumentHandler(store, syncService, versionRepo)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	api.HandleFunc("/documents/{id}", documentHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/documents/{id}", documentHandler.Write).Methods("PUT", "OPTIONS")
	api.HandleFunc("/documents/{id}/save", documentHandler.Save).Methods("POST", "OPTIONS")
	api.HandleFunc("/documents/{id}/resync", documentHandler.Resync).Methods("POST", "OPTIONS")
	api.HandleFunc("/documents/{id}/reset", documentHandler.Reset).Methods("POST", "OPTIONS")
	api.HandleFunc("/documents/{id}/sessions", documentHandler.Sessions).Methods("GET", "OPTIONS")
	api.HandleFunc("/documents/{id}/versions", documentHandler.Versions).Methods("GET", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/health", healthHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		glog.Infof("Starting Inkdown DocSync on %s (env: %s)", addr, cfg.Server.Env)
		glog.Infof("Connected to CouchDB at %s:%s", cfg.Database.Host, cfg.Database.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	glog.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Server forced to shutdown: %v", err)
	}
	cancel()
	wsMessageHandler.Wait()

	// hijacked websocket connections outlive Shutdown, so their sessions
	// never detach; persist whatever they left unsaved
	if err := store.SaveAll(shutdownCtx); err != nil {
		glog.Errorf("Failed to save open documents: %v", err)
	}

	glog.Info("Server stopped gracefully")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"inkdown-docsync"}`))
}
