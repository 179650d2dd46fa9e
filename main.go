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

	"github.com/edaswarm/orchestrator/internal/agent"
	"github.com/edaswarm/orchestrator/internal/config"
	"github.com/edaswarm/orchestrator/internal/domain"
	"github.com/edaswarm/orchestrator/internal/llm"
	"github.com/edaswarm/orchestrator/internal/policy"
	"github.com/edaswarm/orchestrator/internal/sandbox"
	"github.com/edaswarm/orchestrator/internal/scheduler"
	"github.com/edaswarm/orchestrator/internal/store"
	"github.com/edaswarm/orchestrator/internal/tools"
	v1 "github.com/edaswarm/orchestrator/internal/transport/http/v1"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting orchestrator...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Sandbox image: %s (pool=%d)", cfg.DockerImage, cfg.PoolCapacity)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize sandbox manager
	runner := sandbox.NewDockerRunner(cfg.DockerImage, cfg.DataDir, cfg.OutputsDir, cfg.InitPackages, cfg.EgressNetwork)
	limits := domain.ResourceLimits{
		CPUs:        cfg.SandboxCPUs,
		MemoryMB:    cfg.SandboxMemMB,
		ExecTimeout: cfg.ExecTimeout,
	}
	sandboxes := sandbox.NewManager(runner, limits, cfg.PoolCapacity, cfg.ProvisionWait)

	// Initialize LLM client
	var chatClient llm.ChatClient
	if cfg.LLMBaseURL == "" {
		log.Printf("WARN: LLM_BASE_URL not set, using mock LLM client")
		chatClient = llm.NewMockClient()
	} else {
		chatClient = llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	}
	proxy := agent.NewModelProxy(chatClient, cfg.ModelRetries, cfg.ModelBackoff)

	// Initialize tool dispatcher
	registry := tools.NewBuiltinRegistry(cfg.DataDir, cfg.OutputsDir, chatClient, cfg.DefaultModel)
	dispatcher := tools.NewDispatcher(registry, sandboxes, cfg.ToolTimeout)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize scheduler engine
	engine := scheduler.NewEngine(db, sandboxes, dispatcher, policyEngine, proxy, scheduler.Options{
		MaxTurns:           cfg.DefaultMaxTurns,
		InteractionTimeout: cfg.InteractionTimeout,
		MaxConsecutiveErrs: cfg.MaxConsecutiveErrs,
	})

	// Initialize handler
	h := v1.NewHandler(engine, db, v1.Defaults{
		Model:      cfg.DefaultModel,
		EntryAgent: cfg.EntryAgent,
		Agents:     cfg.Agents,
		MaxTurns:   cfg.DefaultMaxTurns,
	})

	// Create Echo server
	server := echo.New()
	server.HideBanner = true

	// Middleware
	server.Use(middleware.Logger())
	server.Use(middleware.Recover())
	server.Use(middleware.CORS())

	h.RegisterRoutes(server)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down orchestrator...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Let in-flight runs reach a boundary before closing the store.
	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("WARN: shutdown timeout reached with runs still active")
	}

	log.Println("Orchestrator stopped")
}
