package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/shubhambandhovar/CanvasFlow-AI/board"
	"github.com/shubhambandhovar/CanvasFlow-AI/config"
	"github.com/shubhambandhovar/CanvasFlow-AI/domain"
	"github.com/shubhambandhovar/CanvasFlow-AI/hub"
	"github.com/shubhambandhovar/CanvasFlow-AI/protocol"
	ws "github.com/shubhambandhovar/CanvasFlow-AI/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("store unavailable", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	rooms := hub.New()
	coordinator := board.NewCoordinator(store, rooms)
	handler := protocol.NewHandler(rooms, coordinator)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(cfg, handler))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/stats", statsHandler(rooms))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "store", cfg.Store)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func openStore(cfg *config.Config) (domain.BoardStore, func(), error) {
	if cfg.Store != config.StoreRedis {
		return board.NewMemoryStore(), func() {}, nil
	}

	rdb := redis.NewClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return board.NewRedisStore(rdb), func() {
		if err := rdb.Close(); err != nil {
			slog.Warn("redis close error", "error", err)
		}
	}, nil
}

func wsHandler(cfg *config.Config, handler domain.SessionHandler) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), conn, handler, cfg.SendBuffer)
		wsConn.Start()
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(rooms *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, clients := rooms.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"rooms": count, "clients": clients})
	}
}
