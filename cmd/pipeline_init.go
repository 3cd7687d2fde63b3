package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/api"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/approval"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/auth"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/blobstore"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/booking"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/export"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/extract"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/inference"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/memory"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/monitoring"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/rag"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// serverEnv holds every initialized component the serve command needs.
type serverEnv struct {
	Store   store.Store
	API     *api.Server
	Checker *monitoring.Checker
}

// Close releases resources held by the environment.
func (se *serverEnv) Close() {
	if se.Store != nil {
		_ = se.Store.Close()
	}
}

// initServerEnv wires the full C1-C12 dependency graph from cfg.
func initServerEnv(ctx context.Context, addr string) (*serverEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	blobs, err := blobstore.New(cfg.DataDir + "/blobs")
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init blobstore")
	}

	auditLog := audit.New(st)

	users, err := loadUsers(cfg.DataDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	authSvc := auth.New(st, auditLog, auth.Config{
		SessionTTL:             time.Duration(cfg.Auth.SessionTTLHours) * time.Hour,
		RateLimitPerUserPerMin: cfg.Auth.RateLimitPerUserPerMin,
		LockoutThreshold:       cfg.Auth.LockoutThreshold,
		LockoutCooldown:        time.Duration(cfg.Auth.LockoutCooldownMinutes) * time.Minute,
	}, users)

	registry := extract.NewRegistry()
	for _, class := range []model.DocClass{
		model.DocClassInvoiceIn, model.DocClassInvoiceEU, model.DocClassBankStatement,
		model.DocClassPayrollInput, model.DocClassTravelOrder, model.DocClassCashRegister,
		model.DocClassCreditNote, model.DocClassFixedAsset,
	} {
		registry.Register(class, extract.NewXMLExtractor())
		registry.Register(class, extract.NewTemplateExtractor(nil))
		registry.Register(class, extract.NewRegexExtractor(class))
		if cfg.Vision.URL != "" {
			registry.Register(class, extract.NewVisionExtractor(class, cfg.Vision))
		}
	}

	checks := buildCheckRegistry()

	memStore := memory.New(st, memory.Config{
		L1RetentionDays:  cfg.Memory.L1RetentionDays,
		L2HalfLifeDays:   cfg.Memory.L2HalfLifeDays,
		L2ScoreFloor:     cfg.Memory.L2ScoreFloor,
		L2ReinforceAfter: cfg.Memory.L2ReinforceAfter,
		L3DatasetPath:    cfg.Memory.L3DatasetPath,
	})

	var embedder rag.Embedder
	if cfg.Embedding.URL != "" {
		embedder = inference.NewHTTPEmbedder(cfg.Embedding)
	}
	ragIndex := rag.New(st, embedder)

	backend := inference.NewAnthropicBackend(cfg.Inference.Endpoint, cfg.Inference.APIKey, zap.L())
	orchestrator := inference.New(cfg.Inference, cfg.Vision, backend, zap.L())
	classifier := inference.NewClassifier(orchestrator)

	amlThreshold, err := money.Parse(cfg.AML.CashThreshold)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "parse aml cash threshold")
	}
	standardVATRate, err := money.Parse(cfg.Home.StandardVATRate)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "parse home standard vat rate")
	}

	pipeline := booking.New(st, blobs, registry, checks, memStore, ragIndex, classifier, auditLog, booking.Config{
		AMLCashThreshold: amlThreshold,
		HomeCurrency:     cfg.Home.Currency,
		StandardVATRate:  standardVATRate,
		AutoAdvanceFloor: 0.95,
	}, zap.L())

	approvalGateway := approval.New(pipeline, st)

	exportTargets := make(map[string]export.TargetBinding, len(cfg.Export.Targets))
	for name, t := range cfg.Export.Targets {
		binding, err := buildExportTarget(t)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrapf(err, "build export target %q", name)
		}
		exportTargets[name] = binding
	}
	exporter := export.New(st, auditLog, export.Config{
		Targets:             exportTargets,
		MaxTransientRetries: cfg.Export.MaxTransientRetries,
	}, zap.L())

	collector := monitoring.NewCollector(st, auditLog)
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring, func(reason string) {
		// zap.Fatal logs then calls os.Exit(1) itself, satisfying the refuse-
		// further-writes contract for a broken audit chain.
		zap.L().Fatal("audit chain integrity failure, refusing further writes", zap.String("reason", reason))
	})

	apiServer := api.New(addr, api.Deps{
		Auth:      authSvc,
		Approval:  approvalGateway,
		Pipeline:  pipeline,
		Exporter:  exporter,
		Blobs:     blobs,
		RAG:       ragIndex,
		AuditLog:  auditLog,
		Store:     st,
		Inference: orchestrator,
		Log:       zap.L(),
	})

	return &serverEnv{Store: st, API: apiServer, Checker: checker}, nil
}

// buildExportTarget constructs the Renderer+Target pair for one configured
// export destination.
func buildExportTarget(t config.ExportTarget) (export.TargetBinding, error) {
	var target export.Target
	var renderer export.Renderer

	switch t.Kind {
	case "xml_file":
		renderer = export.NewXMLRenderer()
		target = export.NewFileTarget(t.Dest)
	case "csv_file":
		renderer = export.NewCSVRenderer()
		target = export.NewFileTarget(t.Dest)
	case "http":
		renderer = export.NewXMLRenderer()
		target = export.NewHTTPTarget(t.Dest, nil)
	default:
		return export.TargetBinding{}, eris.Errorf("unsupported export target kind: %s", t.Kind)
	}

	return export.TargetBinding{Renderer: renderer, Target: target}, nil
}
