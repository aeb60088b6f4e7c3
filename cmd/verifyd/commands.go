// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianVerify/pkg/extensions"
	"github.com/AleutianAI/AleutianVerify/pkg/logging"
	"github.com/AleutianAI/AleutianVerify/services/verify/audit"
	"github.com/AleutianAI/AleutianVerify/services/verify/checks"
	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
	"github.com/AleutianAI/AleutianVerify/services/verify/gate"
	"github.com/AleutianAI/AleutianVerify/services/verify/observability"
	"github.com/AleutianAI/AleutianVerify/services/verify/pipeline"
	"github.com/AleutianAI/AleutianVerify/services/verify/provider"
	"github.com/AleutianAI/AleutianVerify/services/verify/routes"
)

var (
	exportOutput string

	rootCmd = &cobra.Command{
		Use:   "verifyd",
		Short: "Deterministic inference verification and trust gating service",
		Long: `Verifyd audits inference runs for reproducibility and gates
operations behind a weighted trust validation pipeline.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the Decision API server",
		Run:   runServe,
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Export the persisted audit trail as a JSON snapshot",
		Run:   runExport,
	}
)

func runServe(cmd *cobra.Command, args []string) {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(config.Logging.Level),
		LogDir:  config.Logging.Dir,
		Service: "verifyd",
		JSON:    config.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	store, closeStore, err := openStore()
	if err != nil {
		log.Fatalf("Failed to open the audit store: %v", err)
	}
	defer closeStore()

	denylist, err := loadDenylist()
	if err != nil {
		log.Fatalf("Failed to load the content denylist: %v", err)
	}

	gen, err := provider.NewOpenAIProvider()
	if err != nil {
		log.Fatalf("Failed to initialize the generation provider: %v", err)
	}

	orchestrator, err := engine.New(engine.Options{
		Provider: gen,
		Store:    store,
		Denylist: denylist,
		Logger:   logger.Slog(),
		Metrics:  metrics,
		Config:   config.Engine,
	})
	if err != nil {
		log.Fatalf("Failed to build the orchestrator: %v", err)
	}

	registry, crypto := checks.NewRegistry(checks.RegistryOptions{
		AuthorityFloor:       config.Pipeline.AuthorityFloor,
		AllowedAlgorithms:    config.Pipeline.AllowedAlgorithms,
		FreshnessWindow:      config.Pipeline.FreshnessWindow.Std(),
		MaxRequestsPerWindow: config.Pipeline.MaxRequestsPerWindow,
		Trail:                store,
	})
	if err := registerKeys(crypto); err != nil {
		log.Fatalf("Failed to register signing keys: %v", err)
	}

	sink := extensions.NopAuditLogger{}
	basePipe, err := pipeline.New(pipeline.Options{
		Registry:         registry.Without(checks.CheckDeterminism),
		CheckTimeout:     config.Pipeline.CheckTimeout.Std(),
		AggregateTimeout: config.Pipeline.AggregateTimeout.Std(),
		AuditSink:        sink,
		Logger:           logger.Slog(),
		Metrics:          metrics,
	})
	if err != nil {
		log.Fatalf("Failed to build the validation pipeline: %v", err)
	}
	detPipe, err := pipeline.New(pipeline.Options{
		Registry:         registry,
		CheckTimeout:     config.Pipeline.CheckTimeout.Std(),
		AggregateTimeout: config.Pipeline.AggregateTimeout.Std(),
		AuditSink:        sink,
		Logger:           logger.Slog(),
		Metrics:          metrics,
	})
	if err != nil {
		log.Fatalf("Failed to build the deterministic pipeline: %v", err)
	}

	complianceGate, err := gate.New(gate.Options{
		Orchestrator:          orchestrator,
		Pipeline:              basePipe,
		DeterministicPipeline: detPipe,
		Trail:                 store,
		AuditSink:             sink,
		Logger:                logger.Slog(),
		Metrics:               metrics,
	})
	if err != nil {
		log.Fatalf("Failed to build the compliance gate: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("verify-service"))
	routes.SetupRoutes(router, complianceGate, orchestrator)

	slog.Info("Starting the verify server", "port", config.Server.Port)
	if err := router.Run(":" + config.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runExport(cmd *cobra.Command, args []string) {
	if config.Storage.Backend != "badger" {
		log.Fatal("export requires the badger storage backend; the in-memory trail does not outlive the server process")
	}
	store, closeStore, err := openStore()
	if err != nil {
		log.Fatalf("Failed to open the audit store: %v", err)
	}
	defer closeStore()

	data, err := audit.Export(context.Background(), store, config.Engine)
	if err != nil {
		log.Fatalf("Failed to export the audit trail: %v", err)
	}

	if exportOutput == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(exportOutput, data, 0o600); err != nil {
		log.Fatalf("Failed to write %s: %v", exportOutput, err)
	}
	log.Printf("Audit snapshot written to %s", exportOutput)
}

func openStore() (audit.Store, func(), error) {
	if config.Storage.Backend == "badger" {
		store, err := audit.OpenBadgerStore(audit.BadgerConfig{
			Path:       config.Storage.Path,
			SyncWrites: config.Storage.SyncWrites,
			Logger:     slog.Default(),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Error("failed to close the audit store", "error", err)
			}
		}, nil
	}
	return audit.NewMemoryStore(), func() {}, nil
}

func loadDenylist() (*engine.Denylist, error) {
	if config.Denylist.Path == "" {
		return engine.NewDenylist()
	}
	denylist, err := engine.NewDenylistFromFile(config.Denylist.Path)
	if err != nil {
		return nil, err
	}
	if config.Denylist.Watch {
		// The watcher runs for the process lifetime.
		if err := denylist.Watch(config.Denylist.Path, make(chan struct{}), slog.Default()); err != nil {
			return nil, err
		}
	}
	return denylist, nil
}

// registerKeys resolves the configured key ids to their environment-held
// material and loads them into the crypto check's enclaves.
func registerKeys(crypto *checks.CryptoCheck) error {
	for keyID, envVar := range config.Keys {
		material := os.Getenv(envVar)
		if material == "" {
			return fmt.Errorf("key %s: environment variable %s is empty", keyID, envVar)
		}
		raw, err := hex.DecodeString(material)
		if err != nil {
			return fmt.Errorf("key %s: decode hex from %s: %w", keyID, envVar, err)
		}
		crypto.RegisterKey(keyID, raw)
	}
	return nil
}
