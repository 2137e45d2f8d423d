// Package cmd wires the ambient stack and the core compile/execute
// pipeline into the cobra commands the binary exposes. Each subcommand
// is a small cobra.Command builder plus a Run* function that does the
// real work and is callable directly, so wiring logic stays out of
// main.go and is exercised by tests instead of by running the binary.
package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ob-poc/runbook-engine/internal/authoring"
	"github.com/ob-poc/runbook-engine/internal/bpmnclient"
	"github.com/ob-poc/runbook-engine/internal/config"
	"github.com/ob-poc/runbook-engine/internal/events"
	"github.com/ob-poc/runbook-engine/internal/exec"
	"github.com/ob-poc/runbook-engine/internal/gateway"
	"github.com/ob-poc/runbook-engine/internal/logging"
	"github.com/ob-poc/runbook-engine/internal/planner"
	"github.com/ob-poc/runbook-engine/internal/policy"
	"github.com/ob-poc/runbook-engine/internal/registry"
	"github.com/ob-poc/runbook-engine/internal/resolve"
	"github.com/ob-poc/runbook-engine/internal/runbooks"
	"github.com/ob-poc/runbook-engine/internal/session"
	"github.com/ob-poc/runbook-engine/internal/statemachine"
	"github.com/ob-poc/runbook-engine/internal/tasks"
	"github.com/ob-poc/runbook-engine/internal/verbs"
)

// App holds every long-lived dependency a subcommand needs, built once
// from EngineConfig at process start.
type App struct {
	Config    *config.EngineConfig
	Log       *zap.SugaredLogger
	DB        *sql.DB
	Registry  *registry.Store
	Cache     *registry.CachedStore
	Verbs     *verbs.Registry
	Pipeline  *authoring.Pipeline
	Builder   *planner.Builder
	Gate      *exec.Gate
	Policy    *policy.Engine
	Pending   *tasks.PendingDispatchStore
	Jobs      *tasks.JobFrameStore
	Runbooks  *runbooks.Store
	Sessions  *session.Manager
	Resolver  *resolve.EntityResolver
	Callbacks *tasks.CallbackHandler
	BPMN      *bpmnclient.Client
	Gateway   *gateway.Client
	Emitter   *events.Emitter
	Machines  map[string]*statemachine.Machine

	redis *redis.Client
}

// verbRegistryExecutor routes every compiled step through the Task
// Queue instead of running it in-process: each step is recorded as a
// PendingDispatch and the gate reports Parked — the Execution Gate
// stays the sole path to verb execution while dispatch to the BPMN
// engine is asynchronous (internal/tasks.Worker drains the queue
// against internal/bpmnclient in the background).
type verbRegistryExecutor struct {
	pending *tasks.PendingDispatchStore
}

func newBootstrap(ctx context.Context, cfg *config.EngineConfig, log *zap.SugaredLogger) (*App, error) {
	db, err := sql.Open("postgres", cfg.DBConnString)
	if err != nil {
		return nil, fmt.Errorf("cmd: open database: %w", err)
	}

	regStore := registry.NewStore(db)
	snaps, err := regStore.ActiveSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("cmd: load active snapshots: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cached := registry.NewCachedStore(regStore, rdb, 30*time.Second)
	activeSet, err := cached.ActiveSnapshotSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("cmd: load active snapshot set: %w", err)
	}

	contracts, warnings, err := contractsFromSnapshots(snaps)
	if err != nil {
		return nil, fmt.Errorf("cmd: load verb contracts: %w", err)
	}
	for _, w := range warnings {
		log.Warnw("verb registry load warning", "warning", w)
	}
	verbReg := verbs.NewRegistry()
	verbReg.Rebuild(contracts)

	machines, err := machinesFromSnapshots(snaps)
	if err != nil {
		return nil, fmt.Errorf("cmd: load entity lifecycles: %w", err)
	}

	pipeline := authoring.NewPipeline(regStore, db)

	engine, err := policy.NewEngine(ctx, policy.DefaultBundle)
	if err != nil {
		return nil, fmt.Errorf("cmd: build policy engine: %w", err)
	}

	builder := planner.NewBuilder(verbReg, nil, &policyFilterAdapter{engine: engine}, log)
	builder.SetSnapshotSetVersion(activeSet.Version)

	rbStore := runbooks.NewStore(db)
	pendingStore := tasks.NewPendingDispatchStore(db)
	emitter := events.NewEmitter(events.DefaultBatchSize)
	gate := exec.NewGate(db, exec.NewCursorStore(db), &verbRegistryExecutor{pending: pendingStore}).
		WithStore(rbStore).
		WithEmitter(emitter)

	bpmn, err := bpmnclient.Dial(cfg.BPMNGRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("cmd: dial BPMN engine: %w", err)
	}
	gw, err := gateway.Dial(cfg.GatewayAddr)
	if err != nil {
		return nil, fmt.Errorf("cmd: dial entity gateway: %w", err)
	}

	jobs := tasks.NewJobFrameStore(db)

	return &App{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Registry:  regStore,
		Cache:     cached,
		redis:     rdb,
		Verbs:     verbReg,
		Pipeline:  pipeline,
		Builder:   builder,
		Gate:      gate,
		Policy:    engine,
		Pending:   pendingStore,
		Jobs:      jobs,
		Runbooks:  rbStore,
		Sessions:  session.NewManager(),
		Resolver:  resolve.NewEntityResolver(gw),
		Callbacks: tasks.NewCallbackHandler(jobs, gate, log),
		BPMN:      bpmn,
		Gateway:   gw,
		Emitter:   emitter,
		Machines:  machines,
	}, nil
}

// NewApp loads EngineConfig from the given search paths and wires every
// dependency a subcommand needs. Callers must call App.Close when done.
func NewApp(ctx context.Context, searchPaths ...string) (*App, error) {
	cfg, err := config.LoadEngineConfig(searchPaths...)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return newBootstrap(ctx, cfg, log)
}

func (a *App) Close() error {
	if a.BPMN != nil {
		_ = a.BPMN.Close()
	}
	if a.Gateway != nil {
		_ = a.Gateway.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	return a.DB.Close()
}

// contractsFromSnapshots turns the active Semantic Registry snapshots
// into verb contracts: verb_contract payloads parse as primitive verb
// YAML, macro payloads as operator-macro YAML, and the merged set goes
// through the registry load rules (primitive precedence, macro
// collision and macro-of-macro rejection, unknown-expansion warnings).
func contractsFromSnapshots(snaps []registry.Snapshot) ([]verbs.Contract, []string, error) {
	var primitives, macros []verbs.Contract
	for _, snap := range snaps {
		switch snap.Kind {
		case registry.KindVerbContract:
			c, err := verbs.ParseVerbYAML(snap.Payload)
			if err != nil {
				return nil, nil, fmt.Errorf("snapshot %s: %w", snap.Name, err)
			}
			primitives = append(primitives, c)
		case registry.KindMacro:
			m, err := verbs.ParseMacroYAML(snap.Payload)
			if err != nil {
				return nil, nil, fmt.Errorf("snapshot %s: %w", snap.Name, err)
			}
			macros = append(macros, m)
		}
	}

	result, err := verbs.Load(primitives, macros)
	if err != nil {
		return nil, nil, err
	}
	return result.Contracts, result.Warnings, nil
}

// machinesFromSnapshots builds one lifecycle Machine per entity_type
// snapshot, keyed by entity type, for exec.StateGuard and audit use.
func machinesFromSnapshots(snaps []registry.Snapshot) (map[string]*statemachine.Machine, error) {
	machines := make(map[string]*statemachine.Machine)
	for _, snap := range snaps {
		if snap.Kind != registry.KindEntityType {
			continue
		}
		m, err := statemachine.ParseDefinitionYAML(snap.Payload)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", snap.Name, err)
		}
		machines[snap.Name] = m
	}
	return machines, nil
}

type policyFilterAdapter struct {
	engine *policy.Engine
}

func (p *policyFilterAdapter) Allow(ctx context.Context, actorClearance, verb string) (bool, error) {
	clearance, err := policy.ParseClearance(actorClearance)
	if err != nil {
		// An unparseable clearance is an explicit deny, not an
		// availability failure: the planner's fail-open path must not
		// see it as an error.
		return false, nil
	}
	return p.engine.Allow(ctx, policy.Decision{
		ActorClearance:    clearance,
		RequiredClearance: clearance,
		Purpose:           verb,
		AllowedPurpose:    verb,
	})
}
