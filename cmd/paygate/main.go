// Command paygate runs the payment-gated job gateway: priced service
// endpoints behind an x402 challenge, a durable job queue with a
// background worker, and the receipt/stats read surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paygate "github.com/x402-labs/paygate"
	"github.com/x402-labs/paygate/config"
	paygatehttp "github.com/x402-labs/paygate/http"
	"github.com/x402-labs/paygate/queue"
	"github.com/x402-labs/paygate/store"
)

func main() {
	configPath := flag.String("config", "paygate.yaml", "path to the yaml config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	receipts, err := store.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("init receipt store: %w", err)
	}

	policy := queue.Policy{
		MaxAttempts:        cfg.Queue.MaxAttempts,
		BackoffBase:        time.Duration(cfg.Queue.BackoffBaseMs) * time.Millisecond,
		ExecTimeout:        time.Duration(cfg.Queue.ExecutionTimeoutMs) * time.Millisecond,
		CompletedRetention: cfg.Queue.CompletedRetention,
		Concurrency:        cfg.Queue.Concurrency,
		MaxQueued:          cfg.Queue.MaxQueued,
	}
	jobs, err := queue.New(db, policy)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	registry := paygate.NewRegistry(demoServices()...)

	facilitator := paygatehttp.NewHTTPFacilitatorClient(&paygatehttp.FacilitatorConfig{
		URL:     cfg.Facilitator.URL,
		Timeout: time.Duration(cfg.Facilitator.TimeoutMs) * time.Millisecond,
	})

	gateCfg := paygatehttp.GateConfig{
		Recipient:      cfg.Payment.Recipient,
		TokenAccount:   cfg.Payment.TokenAccount,
		Mint:           cfg.Payment.Mint,
		Currency:       cfg.Payment.Currency,
		Network:        cfg.Payment.Network,
		TimeoutSeconds: cfg.Payment.TimeoutSeconds,
		SettleTimeout:  time.Duration(cfg.Facilitator.TimeoutMs) * time.Millisecond,
	}
	gateway := paygatehttp.NewGateway(gateCfg, registry, jobs, receipts, facilitator, logger)

	worker := queue.NewWorker(jobs, registry, receipts, logger)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	worker.Start(workerCtx)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: gateway.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Listen, "services", registry.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		stopWorker()
		worker.Stop()
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Leased jobs that do not finish before the deadline are picked up
	// again after the lease expires on the next start.
	stopWorker()
	worker.Stop()
	logger.Info("shutdown complete")
	return nil
}

// demoServices registers the stock priced services. Real deployments
// swap these for their own Service implementations.
func demoServices() []paygate.Service {
	textSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "minLength": 1}
		},
		"required": ["text"],
		"additionalProperties": false
	}`)

	return []paygate.Service{
		&paygate.ServiceFuncs{
			ServiceName:  "sentiment",
			Price:        0.02,
			ValidateFunc: paygate.SchemaValidator(textSchema),
			ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				var req struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, err
				}
				score := sentimentScore(req.Text)
				label := "neutral"
				if score > 0 {
					label = "positive"
				} else if score < 0 {
					label = "negative"
				}
				return json.Marshal(map[string]any{"label": label, "score": score})
			},
		},
		&paygate.ServiceFuncs{
			ServiceName:  "summarize",
			Price:        0.05,
			ValidateFunc: paygate.SchemaValidator(textSchema),
			ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				var req struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, err
				}
				words := strings.Fields(req.Text)
				summary := req.Text
				if len(words) > 25 {
					summary = strings.Join(words[:25], " ") + "..."
				}
				return json.Marshal(map[string]any{
					"summary": summary,
					"words":   len(words),
				})
			},
		},
		&paygate.ServiceFuncs{
			ServiceName: "echo",
			Price:       0,
			ExecuteFunc: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				if len(input) == 0 {
					return json.RawMessage(`{}`), nil
				}
				return input, nil
			},
		},
	}
}

// sentimentScore is a toy lexicon scorer standing in for a real model.
func sentimentScore(text string) int {
	positive := map[string]bool{"good": true, "great": true, "love": true, "excellent": true, "happy": true}
	negative := map[string]bool{"bad": true, "awful": true, "hate": true, "terrible": true, "sad": true}

	score := 0
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?")
		if positive[word] {
			score++
		}
		if negative[word] {
			score--
		}
	}
	return score
}
