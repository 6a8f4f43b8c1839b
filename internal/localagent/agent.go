// Package localagent implements the per-node executor described in spec
// §4.4: mkdir batching, per-executable retries with progress reporting,
// cooperative cancellation, and output resolution.
package localagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/pkg/otelhelper"
)

// defaultOutputLinesToCollect is K in spec §4.4 point 3.
const defaultOutputLinesToCollect = 100

// Config configures one LocalAgent instance (spec §6's `agent.*` keys).
type Config struct {
	ID                   string
	Capabilities         []string
	OutPath              string
	OutputLinesToCollect int
	BusyTimeout          time.Duration
	IdleTimeout          time.Duration
}

// Agent executes one process chain at a time on behalf of the cluster,
// per spec §4.4's public contract.
type Agent struct {
	cfg Config

	runtimes   *RuntimeRegistry
	outputs    *OutputAdapterRegistry
	estimator  *ProgressEstimatorRegistry
	mkdirs     *mkdirCache
	retryGauge *otelhelper.RetryGauge
	bus        clusterbus.Bus
	logger     *slog.Logger

	mu        sync.Mutex
	cancelRun context.CancelFunc
}

// New builds an Agent. retryGauge may be nil (metrics become no-ops).
func New(cfg Config, runtimes *RuntimeRegistry, outputs *OutputAdapterRegistry, estimator *ProgressEstimatorRegistry, retryGauge *otelhelper.RetryGauge, bus clusterbus.Bus, logger *slog.Logger) (*Agent, error) {
	if cfg.OutputLinesToCollect <= 0 {
		cfg.OutputLinesToCollect = defaultOutputLinesToCollect
	}

	cache, err := newMkdirCache(4096)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		cfg:        cfg,
		runtimes:   runtimes,
		outputs:    outputs,
		estimator:  estimator,
		mkdirs:     cache,
		retryGauge: retryGauge,
		bus:        bus,
		logger:     logger.With("module", "localagent", "agent_address", clusterbus.AgentAddress(cfg.ID)),
	}, nil
}

// Serve registers this agent's request/reply handler at agent.<id> and
// blocks (in a goroutine) processing allocate/execute/cancel/getProgress
// requests until ctx is cancelled.
func (a *Agent) Serve(ctx context.Context) error {
	replier := clusterbus.NewReplier(a.bus, clusterbus.AgentAddress(a.cfg.ID))

	leased := false

	var leaseMu sync.Mutex

	return replier.Serve(ctx, func(ctx context.Context, action string, chain json.RawMessage) clusterbus.AgentReply {
		switch action {
		case clusterbus.ActionAllocate:
			leaseMu.Lock()
			defer leaseMu.Unlock()

			if leased {
				return clusterbus.AgentReply{OK: false, Error: "already leased"}
			}

			leased = true

			return clusterbus.AgentReply{OK: true}
		case clusterbus.ActionCancel:
			a.Cancel()

			return clusterbus.AgentReply{OK: true}
		case clusterbus.ActionExecute:
			var pc domain.ProcessChain
			if err := unmarshalChain(chain, &pc); err != nil {
				return clusterbus.AgentReply{OK: false, Error: err.Error()}
			}

			results, execErr := a.Execute(ctx, pc)

			leaseMu.Lock()
			leased = false
			leaseMu.Unlock()

			if execErr != nil {
				return clusterbus.AgentReply{OK: false, Error: execErr.Error()}
			}

			payload, err := marshalResults(results)
			if err != nil {
				return clusterbus.AgentReply{OK: false, Error: err.Error()}
			}

			return clusterbus.AgentReply{OK: true, Payload: payload}
		default:
			return clusterbus.AgentReply{OK: false, Error: "unsupported action " + action}
		}
	})
}

// Cancel interrupts the executable currently running, if any.
func (a *Agent) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancelRun != nil {
		a.cancelRun()
	}
}

// Execute runs chain's executables strictly in order, per spec §4.4.
func (a *Agent) Execute(ctx context.Context, chain domain.ProcessChain) (map[string][]string, error) {
	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.cancelRun = cancel
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.cancelRun = nil
		a.mu.Unlock()
		cancel()
	}()

	values := make(map[string]domain.Value, len(chain.Bindings))
	for k, v := range chain.Bindings {
		values[k] = v
	}

	if err := a.runMkdirPhase(runCtx, chain, values); err != nil {
		return nil, err
	}

	total := len(chain.Executables)

	for i, ex := range chain.Executables {
		if runCtx.Err() != nil {
			return nil, domain.ErrCancelled
		}

		if err := a.runExecutable(runCtx, chain.ID, i, total, ex, values); err != nil {
			return nil, err
		}
	}

	return a.resolveOutputs(runCtx, chain.Executables, values)
}

// runMkdirPhase computes parent directories for every OUTPUT argument
// across the chain, assigns each OUTPUT variable its path value, and
// dispatches batched mkdir executables through the "other" runtime.
func (a *Agent) runMkdirPhase(ctx context.Context, chain domain.ProcessChain, values map[string]domain.Value) error {
	var dirs []string

	for _, ex := range chain.Executables {
		for _, out := range ex.ArgumentsOfType(domain.ArgumentOutput) {
			path := filepath.Join(a.cfg.OutPath, chain.SubmissionID, out.VariableID)
			values[out.VariableID] = domain.NewPathValue(path)
			dirs = append(dirs, filepath.Dir(path))
		}
	}

	batches := batchMkdirPaths(a.mkdirs, dirs)
	if len(batches) == 0 {
		return nil
	}

	other, ok := a.runtimes.Lookup("other")
	if !ok {
		return domain.NewIOExecutionError("localagent: no \"other\" runtime registered for mkdir")
	}

	for _, batch := range batches {
		if ctx.Err() != nil {
			return domain.ErrCancelled
		}

		argv := append([]string{"-p"}, batch...)

		result, err := other.Invoke(ctx, Invocation{Path: "mkdir", Argv: argv}, nil)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return domain.ErrCancelled
			}

			return domain.NewIOExecutionError(fmt.Sprintf("localagent: mkdir batch failed: %v", err))
		}

		if result.ExitCode != 0 {
			return domain.NewExecutionError("localagent: mkdir batch returned non-zero", "", result.ExitCode)
		}
	}

	return nil
}

// runExecutable invokes one executable under its retry policy, reporting
// progress as output lines arrive and once more when the executable
// succeeds.
func (a *Agent) runExecutable(ctx context.Context, chainID string, index, total int, ex domain.Executable, values map[string]domain.Value) error {
	policy := ex.Retries
	if policy.MaxAttempts <= 0 {
		policy = domain.DefaultRetryPolicy()
	}

	rt, ok := a.runtimes.Lookup(ex.Runtime)
	if !ok {
		return domain.NewIOExecutionError(fmt.Sprintf("localagent: unknown runtime %q", ex.Runtime))
	}

	argv := resolveArgv(ex, values)
	ring := NewRing(a.cfg.OutputLinesToCollect)

	var lastErr error

	var lastProgress float64 = -1

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(policy.DelayForAttempt(attempt - 1))
			a.retryGauge.Add(ctx, ex.ServiceID, 1)
		}

		if ctx.Err() != nil {
			return domain.ErrCancelled
		}

		result, err := rt.Invoke(ctx, Invocation{Path: ex.Path, Argv: argv}, func(line string) {
			ring.Push(line)
			a.publishProgress(ctx, chainID, index, total, ring, &lastProgress, ex.ServiceID)
		})

		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.ErrCancelled
		}

		if err != nil {
			lastErr = domain.NewIOExecutionError(err.Error())

			if !policy.ShouldRetry("io") {
				return lastErr
			}

			continue
		}

		if result.ExitCode != 0 {
			lastErr = domain.NewExecutionError(fmt.Sprintf("executable %q failed", ex.ServiceID), ring.Last(), result.ExitCode)

			if !policy.ShouldRetry("execution") {
				return lastErr
			}

			continue
		}

		a.publishProgress(ctx, chainID, index+1, total, ring, &lastProgress, ex.ServiceID)

		return nil
	}

	return lastErr
}

// publishProgress recomputes progress = (index + fractional)/total,
// rounds to two decimals, and publishes only when the rounded value
// changed (spec §4.4 point 5, §8 invariant 5: monotonic within an
// attempt, <= 1.0).
func (a *Agent) publishProgress(ctx context.Context, chainID string, index, total int, ring *Ring, last *float64, serviceID string) {
	if total <= 0 {
		return
	}

	fractional := 0.0
	if estimate, ok := a.estimator.Estimate(serviceID, ring.Snapshot()); ok {
		fractional = estimate
	}

	raw := (float64(index) + fractional) / float64(total)
	if raw > 1.0 {
		raw = 1.0
	}

	rounded := float64(int(raw*100+0.5)) / 100

	if rounded <= *last {
		return
	}

	*last = rounded

	if err := a.bus.Publish(ctx, clusterbus.AddressProcessChainProgress, clusterbus.ProgressEvent{
		ProcessChainID:    chainID,
		EstimatedProgress: &rounded,
	}); err != nil {
		a.logger.WarnContext(ctx, "failed to publish progress", "error", err, "chain_id", chainID)
	}
}

// resolveOutputs maps every OUTPUT argument across the chain to its
// produced values via the registered adapter or filesystem enumeration.
func (a *Agent) resolveOutputs(ctx context.Context, executables []domain.Executable, values map[string]domain.Value) (map[string][]string, error) {
	out := make(map[string][]string)

	for _, ex := range executables {
		for _, arg := range ex.ArgumentsOfType(domain.ArgumentOutput) {
			v, ok := values[arg.VariableID]
			if !ok || v.Kind != domain.ValueKindPath {
				continue
			}

			results, err := a.outputs.Resolve(ctx, arg.DataType, v.Path)
			if err != nil {
				return nil, domain.NewIOExecutionError(fmt.Sprintf("localagent: enumerate output %q: %v", arg.VariableID, err))
			}

			out[arg.VariableID] = results
		}
	}

	return out, nil
}

// resolveArgv substitutes every INPUT/ARGUMENT argument's bound value
// into the invocation's argv, in declared order.
func resolveArgv(ex domain.Executable, values map[string]domain.Value) []string {
	var argv []string

	for _, arg := range ex.Args {
		if arg.Type != domain.ArgumentInput && arg.Type != domain.ArgumentParameter {
			continue
		}

		if v, ok := values[arg.VariableID]; ok {
			argv = append(argv, v.String())
		} else {
			argv = append(argv, arg.VariableID)
		}
	}

	return argv
}
