package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/claims"
	"github.com/brandon/claim-intake/internal/config"
	"github.com/brandon/claim-intake/internal/decision"
	"github.com/brandon/claim-intake/internal/email"
	"github.com/brandon/claim-intake/internal/ias"
	"github.com/brandon/claim-intake/internal/intake"
	"github.com/brandon/claim-intake/internal/ledger"
	"github.com/brandon/claim-intake/internal/llm"
	"github.com/brandon/claim-intake/internal/logging"
	"github.com/brandon/claim-intake/internal/normalize"
	"github.com/brandon/claim-intake/internal/raster"
	"github.com/brandon/claim-intake/internal/reply"
	"github.com/brandon/claim-intake/internal/scanner"
	"github.com/brandon/claim-intake/internal/telemetry"
)

// app holds the wired pipeline.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	scanner  *scanner.Scanner
	workflow *claims.Workflow
	ledger   *ledger.Ledger
	shutdown func(context.Context) error
}

// newApp loads configuration and wires every component. Callers must close
// the returned app. On error nothing is left running.
func newApp() (_ *app, err error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Logs go to stderr so poll output on stdout stays parseable.
	logger := logging.New(os.Stderr, cfg.LogLevel)
	logger.WithFields(logrus.Fields{
		"imap_host": cfg.IMAP.Host,
		"imap_user": logging.Mask(cfg.IMAP.User),
		"mailbox":   cfg.IMAP.Mailbox,
		"model":     cfg.LLM.Model,
		"ias_url":   cfg.IAS.URL,
	}).Info("Configuration loaded")

	shutdown, err := telemetry.InitTracer("claim-intake", cfg.OTelStdout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err != nil {
			if serr := shutdown(context.Background()); serr != nil {
				logger.WithError(serr).Warn("Failed to stop tracing")
			}
		}
	}()

	prompts, err := claims.LoadPrompts(cfg.Assets.PromptsDir)
	if err != nil {
		return nil, err
	}
	insurers, err := normalize.LoadInsurers(cfg.Assets.InsurerListPath)
	if err != nil {
		logger.WithError(err).Warn("Insurer list unavailable, insurer names will not be corrected")
	}

	llmClient := llm.NewClient(cfg.LLM.BaseURL(), cfg.LLM.Model, cfg.LLM.AssistantModel,
		llm.WithAPIKey(cfg.LLM.APIKey),
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithLogger(logger),
	)
	iasClient := ias.NewClient(cfg.IAS.URL, ias.Endpoints{
		MemberInfo:    cfg.IAS.MemberInfoPath,
		ProviderClaim: cfg.IAS.ProviderClaimPath,
		Reimbursement: cfg.IAS.ReimbursementPath,
		PreApproval:   cfg.IAS.PreApprovalPath,
		ClaimStatus:   cfg.IAS.ClaimStatusPath,
		FileDownload:  cfg.IAS.FileDownloadPath,
	}, cfg.IAS.Timeout, logger)
	converter := raster.NewConverter(cfg.Raster.Tool, cfg.Raster.DPI, cfg.Raster.Quality, cfg.Raster.TempDir, logger)
	resolver := normalize.NewBenefitResolver(llmClient, prompts.Benefit, prompts.BenefitStrict, prompts.BenefitSchema,
		normalize.DefaultOverrides, logger)

	workflow := claims.NewWorkflow(converter, llmClient, iasClient, resolver, insurers, prompts, claims.Options{
		StatusPollAttempts: cfg.IAS.StatusPollAttempts,
		StatusPollInterval: cfg.IAS.StatusPollInterval,
		SubmitPreApproval:  cfg.IAS.SubmitPreApproval,
		DownloadDir:        filepath.Join(cfg.IMAP.ImportBaseDir, "downloads"),
	}, logger)

	composer, err := reply.NewComposer(llmClient, prompts.Reply, cfg.Reply.Signature, cfg.Reply.UseLLM, logger)
	if err != nil {
		return nil, err
	}
	account := email.NewAccount(cfg, logger)
	dispatcher := reply.NewDispatcher(composer, account.SMTP, logger)

	l, err := ledger.Open(cfg.LedgerPath, logger)
	if err != nil {
		return nil, err
	}

	s := scanner.New(
		func() (scanner.Mailbox, error) {
			mbox, err := account.OpenMailbox()
			if err != nil {
				return nil, err
			}
			return mbox, nil
		},
		intake.NewStore(cfg.IMAP.ImportBaseDir, logger),
		decision.NewRouter(llmClient, prompts.Decision, logger),
		workflow,
		dispatcher,
		l,
		scanner.Config{
			Mailbox:        cfg.IMAP.Mailbox,
			Limit:          cfg.IMAP.ImportLimit,
			MessageTimeout: cfg.IMAP.MessageTimeout(),
			MaxTimeouts:    cfg.IMAP.MaxTimeouts,
		},
		logger,
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		scanner:  s,
		workflow: workflow,
		ledger:   l,
		shutdown: shutdown,
	}, nil
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close ledger")
	}
	if err := a.shutdown(context.Background()); err != nil {
		a.logger.WithError(err).Warn("Failed to flush traces")
	}
}
