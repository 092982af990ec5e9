// Package main implements the coordinator service for the minelab
// proof-of-work lab. It owns the current template, arbitrates
// submissions so each generation has exactly one winner, and serves the
// fetch/submit/stats contract over HTTP.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bardlex/minelab/internal/arbiter"
	"github.com/bardlex/minelab/internal/config"
	"github.com/bardlex/minelab/internal/messaging"
	"github.com/bardlex/minelab/internal/notify"
	"github.com/bardlex/minelab/internal/protocol"
	"github.com/bardlex/minelab/internal/registry"
	"github.com/bardlex/minelab/internal/store"
	"github.com/bardlex/minelab/internal/template"
	"github.com/bardlex/minelab/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New("coordinator", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting coordinator",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddress(),
		"difficulty_bits", cfg.DifficultyBits,
	)

	templates, err := template.NewManager(cfg.DifficultyBits)
	if err != nil {
		logger.WithError(err).Error("failed to create template manager")
		os.Exit(1)
	}

	miners := registry.New(cfg.GenerationLogLimit)
	arb := arbiter.New(templates, miners, logger, 64)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	// Template-advance notifications are best effort; the HTTP contract
	// alone keeps workers correct.
	var publisher *notify.Publisher
	if cfg.ZMQPubAddr != "" {
		publisher, err = notify.NewPublisher(cfg.ZMQPubAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("ZMQ publisher unavailable, continuing without notifications")
			publisher = nil
		} else {
			defer func() {
				if err := publisher.Close(); err != nil {
					logger.WithError(err).Error("failed to close ZMQ publisher")
				}
			}()
		}
	}

	var archive generationArchive
	if cfg.ArchiveEnabled {
		a, err := store.NewArchive(&store.Config{
			PostgresURL: cfg.PostgresURL,
			RedisURL:    cfg.RedisURL,
			RecentLimit: cfg.GenerationLogLimit,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("archive unavailable, continuing in memory only")
		} else {
			archive = a
			defer func() {
				if err := a.Close(); err != nil {
					logger.WithError(err).Error("failed to close archive")
				}
			}()
		}
	}

	coordinator := NewCoordinator(cfg, logger, templates, miners, arb, kafkaClient, publisher, archive)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coordinator.consumeEvents(ctx)

	server := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      coordinator.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			cancel()
			sigChan <- syscall.SIGTERM
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("coordinator stopped")
}

// generationArchive is the slice of the persistence layer the event
// fan-out needs. *store.Archive satisfies it.
type generationArchive interface {
	ArchiveGeneration(ctx context.Context, entry registry.GenerationLogEntry) error
	ArchiveMinerTotals(ctx context.Context, records []registry.MinerRecord) error
	MirrorTemplate(ctx context.Context, template any)
}

// Coordinator serves the fetch/submit/stats contract
type Coordinator struct {
	cfg       *config.Config
	logger    *log.Logger
	templates *template.Manager
	miners    *registry.Registry
	arbiter   *arbiter.Arbiter

	kafka     *messaging.KafkaClient
	publisher *notify.Publisher
	archive   generationArchive
}

// NewCoordinator creates the coordinator service
func NewCoordinator(
	cfg *config.Config,
	logger *log.Logger,
	templates *template.Manager,
	miners *registry.Registry,
	arb *arbiter.Arbiter,
	kafka *messaging.KafkaClient,
	publisher *notify.Publisher,
	archive generationArchive,
) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		logger:    logger.WithComponent("coordinator"),
		templates: templates,
		miners:    miners,
		arbiter:   arb,
		kafka:     kafka,
		publisher: publisher,
		archive:   archive,
	}
}

// Routes builds the HTTP mux
func (c *Coordinator) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/template", c.handleTemplate)
	mux.HandleFunc("/submit", c.handleSubmit)
	mux.HandleFunc("/stats", c.handleStats)
	mux.HandleFunc("/chain", c.handleChain)
	return mux
}

// handleTemplate serves the current work template. A miner_id query
// parameter registers the caller in the miner registry.
func (c *Coordinator) handleTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "method not allowed")
		return
	}

	minerID := r.URL.Query().Get("miner_id")
	role := r.URL.Query().Get("role")
	if role != "" && !registry.ValidRole(registry.Role(role)) {
		c.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest,
			fmt.Sprintf("unknown role %q", role))
		return
	}
	if minerID != "" {
		c.miners.Touch(minerID, registry.Role(role), 0)
	}

	tpl := c.templates.Current()
	c.logger.LogTemplateFetch(minerID, tpl.Generation, tpl.DifficultyBits)
	c.writeJSON(w, http.StatusOK, protocol.NewTemplateResponse(tpl))
}

// handleSubmit runs a candidate solution through the arbiter
func (c *Coordinator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "method not allowed")
		return
	}

	var req protocol.SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest,
			fmt.Sprintf("malformed submit request: %v", err))
		return
	}
	if req.MinerID == "" {
		c.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "miner_id is required")
		return
	}

	outcome := c.arbiter.Submit(arbiter.Submission{
		Generation: req.Generation,
		MinerID:    req.MinerID,
		Nonce:      req.Nonce,
		Attempts:   req.Attempts,
	})

	resp := protocol.SubmitResponse{Status: outcome.Result.String()}
	if outcome.Result == arbiter.Accepted {
		resp.BlockHash = hex.EncodeToString(outcome.BlockHash[:])
		resp.NextGeneration = outcome.Generation
	}
	c.writeJSON(w, http.StatusOK, resp)
}

// handleStats serves the aggregate snapshot
func (c *Coordinator) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "method not allowed")
		return
	}

	snap := c.miners.Snapshot(c.templates.Current().Generation)
	c.writeJSON(w, http.StatusOK, protocol.NewStatsResponse(snap))
}

// handleChain serves recently closed generations
func (c *Coordinator) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "method not allowed")
		return
	}

	limit := c.cfg.GenerationLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest,
				fmt.Sprintf("limit must be a positive integer, got %q", raw))
			return
		}
		limit = parsed
	}

	c.writeJSON(w, http.StatusOK, protocol.NewChainResponse(c.miners.Recent(limit)))
}

// consumeEvents fans closed-generation events out to Kafka, ZMQ, and
// the archive. All sinks are best effort and never touch the submit
// path.
func (c *Coordinator) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.arbiter.Events():
			c.publishEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) publishEvent(ctx context.Context, ev arbiter.ClosedGeneration) {
	event := protocol.GenerationClosedEvent{
		Generation:     ev.Entry.Generation,
		WinnerID:       ev.Entry.WinnerID,
		BlockHash:      ev.Entry.BlockHash,
		Nonce:          ev.Entry.Nonce,
		NextGeneration: ev.NextGeneration,
		ClosedAt:       ev.Entry.ClosedAt.UnixMilli(),
	}

	publishCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	key := strconv.FormatUint(ev.Entry.Generation, 10)
	if err := c.kafka.PublishJSON(publishCtx, messaging.TopicGenerations, key, event); err != nil {
		c.logger.WithError(err).Warn("failed to publish generation event", "generation", ev.Entry.Generation)
	}

	if c.publisher != nil {
		if err := c.publisher.PublishTemplateAdvance(ev.NextGeneration); err != nil {
			c.logger.WithError(err).Warn("failed to publish template advance", "generation", ev.NextGeneration)
		}
	}

	if c.archive != nil {
		if err := c.archive.ArchiveGeneration(publishCtx, ev.Entry); err != nil {
			c.logger.WithError(err).Warn("failed to archive generation", "generation", ev.Entry.Generation)
		}
		c.archive.MirrorTemplate(publishCtx, protocol.NewTemplateResponse(c.templates.Current()))

		snap := c.miners.Snapshot(ev.NextGeneration)
		if err := c.archive.ArchiveMinerTotals(publishCtx, snap.Records); err != nil {
			c.logger.WithError(err).Warn("failed to archive miner totals", "generation", ev.Entry.Generation)
		}
	}
}

func (c *Coordinator) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.WithError(err).Error("failed to encode response")
	}
}

func (c *Coordinator) writeError(w http.ResponseWriter, status int, code, message string) {
	c.writeJSON(w, status, protocol.APIError{Code: code, Message: message})
}
