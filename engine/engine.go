// Package engine wires every component into one running process —
// the orchestrator spec §5 describes in prose: Master feed → Executor
// → Follower venue, with the Startup Reconciler, Rebalancer, and
// Periodic Order Validator running alongside. Grounded on the
// teacher's core.Engine, generalized from a single strategy→risk→trade
// pipeline to the copy-trading event flow.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/calculator"
	"github.com/uykb/hypefollow/executor"
	"github.com/uykb/hypefollow/follower"
	"github.com/uykb/hypefollow/internal/alert"
	"github.com/uykb/hypefollow/internal/config"
	"github.com/uykb/hypefollow/internal/obsv"
	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/journal"
	"github.com/uykb/hypefollow/ledger"
	"github.com/uykb/hypefollow/mapper"
	"github.com/uykb/hypefollow/master"
	"github.com/uykb/hypefollow/reconcile"
	"github.com/uykb/hypefollow/rebalancer"
	"github.com/uykb/hypefollow/risk"
	"github.com/uykb/hypefollow/store"
	"github.com/uykb/hypefollow/store/gormkv"
	"github.com/uykb/hypefollow/store/memkv"
	"github.com/uykb/hypefollow/validator"
)

var engineLog = log.With().Str("component", "engine").Logger()

// drainTimeout bounds how long Run waits for in-flight handlers before
// closing the store out from under them — spec §5 "drain in-flight
// executor tasks up to a deadline".
const drainTimeout = 5 * time.Second

// equitySource adapts the Master snapshot client and Follower client
// into calculator.EquitySource, scoped to the primary followed account.
type equitySource struct {
	master     *master.SnapshotClient
	masterUser string
	follower   *follower.Client
}

func (e equitySource) MasterEquity(ctx context.Context) (decimal.Decimal, error) {
	return e.master.Equity(ctx, e.masterUser)
}

func (e equitySource) FollowerEquity(ctx context.Context) (decimal.Decimal, error) {
	return e.follower.AccountEquity(ctx)
}

// Engine owns every long-running component and the goroutines that
// drive them.
type Engine struct {
	cfg *config.Config

	kv        store.KV
	mapper    *mapper.Mapper
	ledger    *ledger.Ledger
	journal   *journal.Journal
	calc      *calculator.Calculator
	gate      *risk.Gate
	emergency *risk.EmergencyStop

	masterFeed     *master.Feed
	masterSnapshot *master.SnapshotClient
	masterUser     string

	followerClient *follower.Client
	followerFeed   *follower.ExecutionFeed

	orphans     *reconcile.Recorder
	fillHandler *reconcile.FillHandler
	startup     *reconcile.StartupReconciler

	rebalancer *rebalancer.Rebalancer
	validator  *validator.Validator
	executor   *executor.Executor

	notifier alert.Notifier

	wg sync.WaitGroup
}

// New constructs every component from cfg, wiring dependencies exactly
// as spec §5 lists them: store first, then Mapper/Ledger/Journal atop
// it, then Calculator/Risk Gate, then the venue clients, then the
// Executor and its satellites (Rebalancer, Validator, Startup
// Reconciler).
func New(cfg *config.Config) (*Engine, error) {
	if len(cfg.FollowedUsers) == 0 {
		return nil, fmt.Errorf("engine: no followed users configured")
	}
	masterUser := cfg.FollowedUsers[0]

	kv, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	instruments := cfg.InstrumentsDomain()
	symbols := make([]string, 0, len(instruments))
	for symbol := range instruments {
		symbols = append(symbols, symbol)
	}

	m := mapper.New(kv)
	l := ledger.New(kv)
	j := journal.New(kv)

	emergency := risk.NewEmergencyStop(cfg.EmergencyStop)
	gate := risk.New(instruments, emergency)

	masterSnapshot := master.NewSnapshotClient(cfg.MasterSnapshotURL)
	masterFeed := master.New(cfg.MasterWSURL, cfg.FollowedUsers)
	positionSource := master.NewPositionSource(masterSnapshot, masterUser)

	followerClient := follower.New(cfg.FollowerBaseURL, cfg.FollowerAPIKey, cfg.FollowerAPISecret)
	followerFeed := follower.NewExecutionFeed(cfg.FollowerWSURL, followerClient.ListenKey)

	eq := equitySource{master: masterSnapshot, masterUser: masterUser, follower: followerClient}
	calc := calculator.New(cfg, instruments, eq)

	orphans := reconcile.NewRecorder(kv)
	fillHandler := reconcile.NewFillHandler(m, l, orphans, calc)

	var notifier alert.Notifier = alert.NopNotifier{}
	if cfg.TelegramToken != "" {
		tg, err := alert.NewTelegramNotifier()
		if err != nil {
			engineLog.Warn().Err(err).Msg("telegram notifier unavailable, falling back to no-op")
		} else {
			notifier = tg
		}
	}

	reb := rebalancer.New(cfg, instruments, positionSource, followerClient, followerClient, kv)
	val := validator.New(m, followerClient)

	exec := executor.New(kv, m, l, j, calc, gate, followerClient, followerClient, reb, orphans, followerClient)

	startup := reconcile.NewStartupReconciler(masterSnapshot, positionSource, followerClient, m, l, calc, exec, masterUser, symbols)

	return &Engine{
		cfg: cfg,

		kv:      kv,
		mapper:  m,
		ledger:  l,
		journal: j,
		calc:    calc,
		gate:    gate,

		emergency: emergency,

		masterFeed:     masterFeed,
		masterSnapshot: masterSnapshot,
		masterUser:     masterUser,

		followerClient: followerClient,
		followerFeed:   followerFeed,

		orphans:     orphans,
		fillHandler: fillHandler,
		startup:     startup,

		rebalancer: reb,
		validator:  val,
		executor:   exec,

		notifier: notifier,
	}, nil
}

func newStore(cfg *config.Config) (store.KV, error) {
	switch cfg.StoreDriver {
	case "memory", "":
		return memkv.New(), nil
	case "sqlite", "postgres":
		return gormkv.New(cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("engine: unknown store driver %q", cfg.StoreDriver)
	}
}

// Run starts every background loop and blocks until ctx is canceled,
// then drains and shuts down in the order spec §5 prescribes: stop
// ingest, stop the periodic validator, drain in-flight executor work,
// close the store.
func (e *Engine) Run(ctx context.Context) error {
	obsv.MustRegister()
	e.reportEmergencyGauge()

	if e.cfg.MetricsAddr != "" {
		e.startMetricsServer()
	}

	if err := e.followerClient.SetOneWayMode(ctx); err != nil {
		return fmt.Errorf("engine: set one-way position mode: %w", err)
	}

	engineLog.Info().Str("masterUser", e.masterUser).Msg("running startup reconciliation")
	synced, recovered, placed, zombies, err := e.startup.Run(ctx)
	if err != nil {
		engineLog.Error().Err(err).Msg("startup reconciliation failed")
	} else {
		engineLog.Info().Int("synced", synced).Int("recovered", recovered).
			Int("placed", placed).Int("zombiesCanceled", zombies).
			Msg("startup reconciliation complete")
	}

	e.notifier.NotifyStartup(string(e.cfg.TradingMode))

	orderCh := e.masterFeed.SubscribeOrders()
	fillCh := e.masterFeed.SubscribeFills()
	execCh := e.followerFeed.Subscribe()

	e.wg.Add(5)
	go e.runLoop(func() { e.masterFeed.Run(ctx) })
	go e.runLoop(func() { e.followerFeed.Run(ctx) })
	go e.runLoop(func() { e.rebalancer.Run(ctx) })
	go e.runLoop(func() { e.validator.Run(ctx) })
	go e.dispatchLoop(ctx, orderCh, fillCh, execCh)

	<-ctx.Done()
	engineLog.Info().Msg("shutdown signal received")
	e.notifier.NotifyShutdown("context canceled")

	e.masterFeed.Stop()
	e.followerFeed.Stop()
	e.rebalancer.Stop()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		engineLog.Warn().Dur("timeout", drainTimeout).Msg("drain timeout exceeded, closing store anyway")
	}

	return e.kv.Close()
}

// runLoop runs fn as a supervised background task: a panic is recovered,
// logged, and fn is started again; a normal return ends the task.
func (e *Engine) runLoop(fn func()) {
	defer e.wg.Done()
	for {
		panicked := func() (panicked bool) {
			defer func() {
				if r := recover(); r != nil {
					engineLog.Error().Interface("panic", r).Msg("background task panicked, restarting")
					panicked = true
				}
			}()
			fn()
			return false
		}()
		if !panicked {
			return
		}
	}
}

// dispatchLoop routes every classified event from both venues to the
// Executor and the orphan-fill reconciler — spec §5's main event flow.
func (e *Engine) dispatchLoop(
	ctx context.Context,
	orderCh <-chan types.MasterOrderEvent,
	fillCh <-chan types.MasterFillEvent,
	execCh <-chan types.FollowerExecReport,
) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-orderCh:
			if !ok {
				continue
			}
			if err := e.executor.HandleMasterOrder(ctx, ev); err != nil {
				engineLog.Error().Err(err).Str("masterOid", ev.Oid).Msg("handle master order failed")
				e.notifier.NotifyError("executor", err)
			}
			obsv.DeltaLedger.WithLabelValues(ev.Instrument).Set(e.currentDelta(ctx, ev.Instrument))
			e.reportEmergencyGauge()
		case fill, ok := <-fillCh:
			if !ok {
				continue
			}
			if err := e.executor.HandleMasterFill(ctx, fill); err != nil {
				engineLog.Error().Err(err).Str("instrument", fill.Instrument).Msg("handle master fill failed")
				e.notifier.NotifyError("executor", err)
			}
		case report, ok := <-execCh:
			if !ok {
				continue
			}
			if err := e.fillHandler.HandleFollowerFill(ctx, report); err != nil {
				engineLog.Error().Err(err).Str("followerOrderID", report.FollowerOrderID).Msg("handle follower fill failed")
				e.notifier.NotifyError("reconcile", err)
			}
		}
	}
}

func (e *Engine) reportEmergencyGauge() {
	if e.emergency.Active() {
		obsv.EmergencyStopActive.Set(1)
	} else {
		obsv.EmergencyStopActive.Set(0)
	}
}

func (e *Engine) currentDelta(ctx context.Context, instrument string) float64 {
	d, err := e.ledger.Get(ctx, instrument)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func (e *Engine) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			engineLog.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	engineLog.Info().Str("addr", e.cfg.MetricsAddr).Msg("metrics server listening")
}
