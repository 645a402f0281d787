package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/trndnhan/maiservant/internal/config"
	"github.com/trndnhan/maiservant/internal/hub"
	"github.com/trndnhan/maiservant/internal/provider"
	"github.com/trndnhan/maiservant/internal/ready"
	"github.com/trndnhan/maiservant/internal/store"
	"github.com/trndnhan/maiservant/internal/stream"
	v1 "github.com/trndnhan/maiservant/internal/transport/http/v1"
	"github.com/trndnhan/maiservant/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting maiservant server...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize hub
	connectionHub := hub.NewHub()
	go connectionHub.Run()

	// Initialize readiness coordinator and model resolver
	coordinator := ready.NewCoordinator(cfg.StreamReadyTimeout)
	resolver := provider.NewResolver(cfg, cfg.LLMTimeout)

	// Initialize stream engine
	engine := stream.NewEngine(db, connectionHub, resolver, coordinator, cfg.StreamWorkers)

	// Initialize WebSocket server
	wsServer := ws.NewServer(cfg, connectionHub, engine, coordinator)

	// Initialize CRUD handlers
	h := v1.NewHandler(db)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/ws", wsServer.HandleWebSocket)
	h.RegisterRoutes(e)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Server started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Server stopped")
}
