package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	approvalhandler "escrow/internal/approval/handler"
	approvalmetrics "escrow/internal/approval/metrics"
	approvalmodels "escrow/internal/approval/models"
	approvalservice "escrow/internal/approval/service"
	approvalstore "escrow/internal/approval/store"
	"escrow/internal/approval/verifier"
	confirmhandler "escrow/internal/confirm/handler"
	confirmmodels "escrow/internal/confirm/models"
	confirmservice "escrow/internal/confirm/service"
	confirmstore "escrow/internal/confirm/store"
	contracthandler "escrow/internal/contract/handler"
	contractmetrics "escrow/internal/contract/metrics"
	contractmodels "escrow/internal/contract/models"
	contractservice "escrow/internal/contract/service"
	contractstore "escrow/internal/contract/store"
	escrowhandler "escrow/internal/escrow/handler"
	escrowmetrics "escrow/internal/escrow/metrics"
	escrowservice "escrow/internal/escrow/service"
	escrowstore "escrow/internal/escrow/store"
	jwttoken "escrow/internal/jwt_token"
	ledgerhandler "escrow/internal/ledger/handler"
	ledgermetrics "escrow/internal/ledger/metrics"
	ledgerservice "escrow/internal/ledger/service"
	ledgerstore "escrow/internal/ledger/store"
	"escrow/internal/milestone/catalog"
	milestonehandler "escrow/internal/milestone/handler"
	milestonemetrics "escrow/internal/milestone/metrics"
	milestoneservice "escrow/internal/milestone/service"
	milestonestore "escrow/internal/milestone/store"
	"escrow/internal/notify"
	"escrow/internal/platform/config"
	"escrow/internal/platform/kafka"
	"escrow/internal/platform/metrics"
	"escrow/internal/platform/postgres"
	"escrow/internal/platform/redis"
	ratelimitmetrics "escrow/internal/ratelimit/metrics"
	ratelimitmw "escrow/internal/ratelimit/middleware"
	ratelimitmodels "escrow/internal/ratelimit/models"
	ratelimitstore "escrow/internal/ratelimit/store"
	reimbursementhandler "escrow/internal/reimbursement/handler"
	reimbursementmetrics "escrow/internal/reimbursement/metrics"
	reimbursementservice "escrow/internal/reimbursement/service"
	reimbursementstore "escrow/internal/reimbursement/store"
	"escrow/internal/scheduler"
	httptransport "escrow/internal/transport/http"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/audit/publisher"
	"escrow/pkg/platform/audit/publishers/compliance"
	auditmemory "escrow/pkg/platform/audit/store/memory"
	auditpostgres "escrow/pkg/platform/audit/store/postgres"
	"escrow/pkg/platform/circuit"
	txcontext "escrow/pkg/platform/tx"
)

const auditBuffer = 1024

// app holds everything main starts and stops.
type app struct {
	handler   http.Handler
	scheduler *scheduler.Scheduler
	relay     *kafka.OutboxRelay
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// backends are the optional external systems. A nil field selects the
// in-memory implementation of whatever would have used it.
type backends struct {
	db    *sql.DB
	redis *redis.Client
	kafka *kgo.Client
}

func connect(ctx context.Context, cfg config.Config) (*backends, error) {
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if db != nil {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		closeDB(db)
		return nil, err
	}
	kc, err := kafka.NewClient(cfg.Kafka)
	if err != nil {
		closeDB(db)
		closeRedis(rc)
		return nil, err
	}
	if kc != nil {
		topics := []string{cfg.Kafka.NotificationsTopic, cfg.Kafka.AuditTopic}
		if err := kafka.EnsureTopics(ctx, kc, 3, 1, topics...); err != nil {
			kc.Close()
			closeDB(db)
			closeRedis(rc)
			return nil, err
		}
	}
	return &backends{db: db, redis: rc, kafka: kc}, nil
}

func closeDB(db *sql.DB) {
	if db != nil {
		_ = db.Close()
	}
}

func closeRedis(rc *redis.Client) {
	if rc != nil {
		_ = rc.Close()
	}
}

func (b *backends) runner() txcontext.Runner {
	if b.db != nil {
		return txcontext.NewSQLRunner(b.db)
	}
	return txcontext.LocalRunner{}
}

func (b *backends) checks() map[string]httptransport.HealthCheck {
	checks := make(map[string]httptransport.HealthCheck)
	if b.db != nil {
		checks["postgres"] = b.db.PingContext
	}
	if b.redis != nil {
		checks["redis"] = b.redis.Health
	}
	if b.kafka != nil {
		checks["kafka"] = func(ctx context.Context) error { return kafka.Health(ctx, b.kafka) }
	}
	return checks
}

// build wires the modules. Construction order follows the lock order of the
// services: approvals call subjects, subjects call the ledger.
func build(ctx context.Context, cfg config.Config, b *backends, log *slog.Logger) (*app, error) {
	a := &app{}
	if b.db != nil {
		a.closers = append(a.closers, func() { closeDB(b.db) })
	}
	if b.redis != nil {
		a.closers = append(a.closers, func() { closeRedis(b.redis) })
	}
	if b.kafka != nil {
		a.closers = append(a.closers, b.kafka.Close)
	}
	tx := b.runner()

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	var auditStore audit.Store = auditmemory.NewInMemoryStore()
	if b.db != nil {
		auditStore = auditpostgres.New(b.db)
	}
	complianceAuditor := compliance.New(auditStore,
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics()),
	)
	auditor := publisher.NewPublisher(auditStore, publisher.WithAsyncBuffer(auditBuffer), publisher.WithLogger(log))
	a.closers = append(a.closers, auditor.Close)

	var sink notify.Sink = notify.NewLogSink(log)
	if b.kafka != nil {
		sink = notify.NewKafkaSink(b.kafka, cfg.Kafka.NotificationsTopic)
		if b.db != nil {
			a.relay = kafka.NewOutboxRelay(b.db, b.kafka, cfg.Kafka.AuditTopic, cfg.Kafka.RelayInterval, log)
		}
	}

	var proposalStore confirmservice.Store = confirmstore.NewInMemoryStore()
	if b.redis != nil {
		proposalStore = confirmstore.NewRedis(b.redis.Client)
	}
	confirms, err := confirmservice.New(proposalStore, confirmservice.WithLogger(log))
	if err != nil {
		return nil, err
	}

	// Milestones are built after contracts; the hook reaches them through this variable.
	var milestones *milestoneservice.Service
	var sched *scheduler.Scheduler
	var contractStore contractservice.Store = contractstore.NewInMemoryStore()
	if b.db != nil {
		contractStore = contractstore.NewPostgres(b.db)
	}
	contracts, err := contractservice.New(contractStore,
		contractservice.WithLogger(log),
		contractservice.WithMetrics(contractmetrics.New()),
		contractservice.WithTx(tx),
		contractservice.WithComplianceAuditor(complianceAuditor),
		contractservice.WithAuditPublisher(auditor),
		contractservice.WithProposer(confirms),
		contractservice.WithConfirmationHook(func(ctx context.Context, c *contractmodels.Contract) error {
			if err := milestones.OnContractConfirmed(ctx, c); err != nil {
				return err
			}
			if sched != nil {
				sched.Wake()
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	confirms.Register(confirmmodels.ActionJourneyEnd, contracts.CommitJourneyEnd)

	var ledgerStore ledgerservice.Store = ledgerstore.NewInMemoryStore()
	if b.db != nil {
		ledgerStore = ledgerstore.NewPostgres(b.db)
	}
	ledger, err := ledgerservice.New(ledgerStore,
		ledgerservice.WithLogger(log),
		ledgerservice.WithMetrics(ledgermetrics.New()),
		ledgerservice.WithTx(tx),
		ledgerservice.WithContracts(contracts),
		ledgerservice.WithComplianceAuditor(complianceAuditor),
		ledgerservice.WithAuditPublisher(auditor),
	)
	if err != nil {
		return nil, err
	}

	var balanceStore escrowservice.Store = escrowstore.NewInMemoryStore()
	if b.redis != nil {
		balanceStore = escrowstore.NewRedis(b.redis.Client)
	}
	monitor, err := escrowservice.New(ledger, contracts, balanceStore,
		escrowservice.WithLogger(log),
		escrowservice.WithMetrics(escrowmetrics.New()),
		escrowservice.WithSink(sink),
		escrowservice.WithWarningBuffer(cfg.Monitor.WarningBuffer),
	)
	if err != nil {
		return nil, err
	}
	ledger.AddObserver(monitor)
	ledger.AddObserver(notify.NewPaymentObserver(sink, log))

	var approvalStore approvalservice.Store = approvalstore.NewInMemoryStore()
	if b.db != nil {
		approvalStore = approvalstore.NewPostgres(b.db)
	}
	engine, err := approvalservice.New(approvalStore, contracts,
		approvalservice.WithLogger(log),
		approvalservice.WithMetrics(approvalmetrics.New()),
		approvalservice.WithTx(tx),
		approvalservice.WithVerifier(newVerifier(cfg.Verifier, log)),
		approvalservice.WithPaymentNotifier(ledger),
		approvalservice.WithSink(sink),
		approvalservice.WithComplianceAuditor(complianceAuditor),
		approvalservice.WithAuditPublisher(auditor),
	)
	if err != nil {
		return nil, err
	}

	var milestoneStore milestoneservice.Store = milestonestore.NewInMemoryStore()
	if b.db != nil {
		milestoneStore = milestonestore.NewPostgres(b.db)
	}
	milestones, err = milestoneservice.New(milestoneStore, cat, contracts, ledger,
		milestoneservice.WithLogger(log),
		milestoneservice.WithMetrics(milestonemetrics.New()),
		milestoneservice.WithTx(tx),
		milestoneservice.WithApprovals(engine),
		milestoneservice.WithProposer(confirms),
		milestoneservice.WithComplianceAuditor(complianceAuditor),
		milestoneservice.WithAuditPublisher(auditor),
	)
	if err != nil {
		return nil, err
	}
	engine.RegisterSubject(approvalmodels.SubjectMilestone, milestones)
	confirms.Register(confirmmodels.ActionMilestoneFlag, milestones.CommitFlag)

	var reimbursementStore reimbursementservice.Store = reimbursementstore.NewInMemoryStore()
	if b.db != nil {
		reimbursementStore = reimbursementstore.NewPostgres(b.db)
	}
	reimbursements, err := reimbursementservice.New(reimbursementStore, contracts, ledger,
		reimbursementservice.WithLogger(log),
		reimbursementservice.WithMetrics(reimbursementmetrics.New()),
		reimbursementservice.WithTx(tx),
		reimbursementservice.WithApprovals(engine),
		reimbursementservice.WithComplianceAuditor(complianceAuditor),
		reimbursementservice.WithAuditPublisher(auditor),
	)
	if err != nil {
		return nil, err
	}
	engine.RegisterSubject(approvalmodels.SubjectReimbursement, reimbursements)

	// Milestones of contracts confirmed before a restart are instantiated idempotently.
	if err := contracts.ReplayConfirmationHooks(ctx); err != nil {
		return nil, fmt.Errorf("replay confirmation hooks: %w", err)
	}
	sched = scheduler.New(milestones, cfg.Scheduler.MaxSleep, scheduler.WithLogger(log))
	a.scheduler = sched

	a.handler = httptransport.NewRouter(httptransport.Deps{
		Logger:    log,
		Tokens:    jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer),
		Metrics:   metrics.New(),
		Checks:    b.checks(),
		RateLimit: newRateLimiter(cfg.RateLimit, b, log).PerActor,
		Handlers: []httptransport.Registrar{
			contracthandler.New(contracts, log),
			milestonehandler.New(milestones, log),
			approvalhandler.New(engine, log),
			reimbursementhandler.New(reimbursements, log),
			ledgerhandler.New(ledger, log),
			escrowhandler.New(monitor, log),
			confirmhandler.New(confirms, log),
		},
	})
	return a, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load milestone catalog: %w", err)
	}
	return cat, nil
}

func newVerifier(cfg config.VerifierConfig, log *slog.Logger) *verifier.Client {
	breaker := circuit.New("verifier",
		circuit.WithFailureThreshold(cfg.FailureThreshold),
		circuit.WithCooldown(cfg.Cooldown),
	)
	return verifier.New(cfg.URL,
		verifier.WithAttempts(cfg.MaxAttempts),
		verifier.WithBackoff(cfg.Backoff),
		verifier.WithTimeout(cfg.Timeout),
		verifier.WithBreaker(breaker),
		verifier.WithLogger(log),
	)
}

func newRateLimiter(cfg config.RateLimitConfig, b *backends, log *slog.Logger) *ratelimitmw.Middleware {
	var store ratelimitmw.Store = ratelimitstore.NewInMemoryStore()
	if b.redis != nil {
		store = ratelimitstore.NewRedis(b.redis.Client)
	}
	return ratelimitmw.New(store, log,
		ratelimitmw.WithDisabled(cfg.Disabled),
		ratelimitmw.WithPolicy(ratelimitmodels.ClassRead, ratelimitmodels.Policy{Limit: cfg.ReadsPerMin, Window: time.Minute}),
		ratelimitmw.WithPolicy(ratelimitmodels.ClassWrite, ratelimitmodels.Policy{Limit: cfg.WritesPerMin, Window: time.Minute}),
		ratelimitmw.WithMetrics(ratelimitmetrics.New()),
	)
}
