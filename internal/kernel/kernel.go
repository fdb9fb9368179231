// Package kernel boots the simulated kernel: it builds the scheduler and
// every subsystem layered on it, wires their hooks together and drives the
// periodic tick.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/config"
	"github.com/me/kcore/internal/rcu"
	"github.com/me/kcore/internal/resdomain"
	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/softirq"
	"github.com/me/kcore/internal/spin"
	"github.com/me/kcore/internal/timer"
	"github.com/me/kcore/internal/workqueue"
)

// Option configures Boot.
type Option func(*Kernel)

// WithClock replaces the host monotonic clock, typically with an
// arch.ManualClock.
func WithClock(c arch.Clock) Option {
	return func(k *Kernel) { k.clock = c }
}

// WithManualTicks disables the tick source; the caller drives time with
// Kernel.Tick.
func WithManualTicks() Option {
	return func(k *Kernel) { k.manualTicks = true }
}

// Kernel owns one booted instance.
type Kernel struct {
	cfg         config.Config
	logger      *slog.Logger
	bootID      string
	bootedAt    time.Time
	manualTicks bool

	clock arch.Clock
	ipi   *arch.IPIBus
	mmu   *arch.CountingMMU
	event *arch.OneShot

	sched   *sched.Scheduler
	softirq *softirq.Engine
	timers  *timer.Wheel
	rcu     *rcu.RCU
	srcu    *rcu.SRCU
	domains *resdomain.Hierarchy

	mu      sync.Mutex
	queues  []*workqueue.Queue
	events  *workqueue.Queue
	started bool
	cancel  context.CancelFunc
	tickWG  sync.WaitGroup
}

// Boot validates cfg and builds every subsystem. Nothing runs until Start.
func Boot(cfg config.Config, logger *slog.Logger, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	k := &Kernel{
		cfg:      cfg,
		logger:   logger.With("component", "kernel"),
		bootID:   uuid.New().String(),
		bootedAt: time.Now().UTC(),
	}
	for _, o := range opts {
		o(k)
	}
	if k.clock == nil {
		k.clock = arch.NewMonotonicClock()
	}
	spin.SetLogger(logger)
	k.ipi = arch.NewIPIBus(cfg.CPUs)
	k.mmu = arch.NewCountingMMU(cfg.CPUs)
	k.event = arch.NewOneShot(cfg.CPUs)

	s, err := sched.New(schedConfig(cfg), logger,
		sched.WithClock(k.clock),
		sched.WithController(k.ipi),
		sched.WithMMU(k.mmu),
	)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	k.sched = s
	k.softirq = softirq.New(s, cfg.Softirq.MaxRestart, logger)
	k.timers = timer.New(s, k.event, k.softirq, logger)
	k.rcu = rcu.New(s, k.softirq, cfg.RCU.Fanout, logger)
	k.srcu = rcu.NewSRCU(s, logger)
	k.domains = resdomain.New(s, k.timers, logger)

	k.logger.Info("kernel booted", "boot_id", k.bootID, "cpus", cfg.CPUs, "tick_hz", cfg.TickHz)
	return k, nil
}

func schedConfig(cfg config.Config) sched.Config {
	return sched.Config{
		NrCPUs:            cfg.CPUs,
		Latency:           cfg.Sched.Latency,
		MinGranularity:    cfg.Sched.MinGranularity,
		WakeupGranularity: cfg.Sched.WakeupGranularity,
		BalanceInterval:   cfg.Sched.BalanceInterval,
		MaxPIChainDepth:   cfg.Sched.MaxPIChainDepth,
	}
}

// Start brings the CPUs online, starts ksoftirqd and the system workqueue,
// and unless ticks are manual starts the tick source. The tick source stops
// when ctx is cancelled or on Shutdown.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("kernel %s already started", k.bootID)
	}
	k.started = true

	k.sched.Start()
	k.softirq.Start()
	k.events = k.newQueueLocked("events", -1)

	if !k.manualTicks {
		ctx, k.cancel = context.WithCancel(ctx)
		k.tickWG.Add(1)
		go func() {
			defer k.tickWG.Done()
			k.timers.Run(ctx, k.cfg.TickPeriod())
		}()
	}
	k.logger.Info("kernel started", "boot_id", k.bootID)
	return nil
}

// Shutdown stops the tick source, destroys every workqueue and takes the
// CPUs offline. Tasks still blocked stay parked.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		k.sched.Shutdown()
		return
	}
	cancel := k.cancel
	queues := k.queues
	k.queues = nil
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	k.tickWG.Wait()
	for _, q := range queues {
		if err := q.Destroy(nil); err != nil {
			k.logger.Debug("workqueue already destroyed", "name", q.Name())
		}
	}
	k.softirq.Stop()
	k.sched.Shutdown()
	k.logger.Info("kernel shut down", "boot_id", k.bootID, "uptime", k.Uptime())
}

// Tick delivers one tick of period to every CPU. With a manual clock the
// clock advances first.
func (k *Kernel) Tick() {
	if m, ok := k.clock.(*arch.ManualClock); ok {
		m.Advance(k.cfg.TickPeriod())
	}
	for cpu := range k.cfg.CPUs {
		k.timers.Handle(cpu)
	}
}

// NewWorkqueue creates a workqueue whose worker is bound to cpu, or
// unbound if cpu is negative. It is destroyed on Shutdown.
func (k *Kernel) NewWorkqueue(name string, cpu int) *workqueue.Queue {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.newQueueLocked(name, cpu)
}

func (k *Kernel) newQueueLocked(name string, cpu int) *workqueue.Queue {
	q := workqueue.New(k.sched, name, cpu, k.logger)
	k.queues = append(k.queues, q)
	return q
}

// SystemQueue returns the "events" workqueue created by Start.
func (k *Kernel) SystemQueue() *workqueue.Queue {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.events
}

// BootID returns the random identifier of this boot.
func (k *Kernel) BootID() string { return k.bootID }

// Config returns the configuration the kernel was booted with.
func (k *Kernel) Config() config.Config { return k.cfg }

// Clock returns the kernel clock.
func (k *Kernel) Clock() arch.Clock { return k.clock }

// Scheduler returns the task scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Softirq returns the softirq engine.
func (k *Kernel) Softirq() *softirq.Engine { return k.softirq }

// Timers returns the per-CPU timer wheel.
func (k *Kernel) Timers() *timer.Wheel { return k.timers }

// RCU returns the tree RCU instance.
func (k *Kernel) RCU() *rcu.RCU { return k.rcu }

// SRCU returns the kernel-wide sleepable RCU domain.
func (k *Kernel) SRCU() *rcu.SRCU { return k.srcu }

// Hierarchy returns the resource-domain tree.
func (k *Kernel) Hierarchy() *resdomain.Hierarchy { return k.domains }

// Logger returns the kernel component logger.
func (k *Kernel) Logger() *slog.Logger { return k.logger }

// IPIs returns the inter-processor interrupt bus.
func (k *Kernel) IPIs() *arch.IPIBus { return k.ipi }

// MMU returns the address-space switch counter.
func (k *Kernel) MMU() *arch.CountingMMU { return k.mmu }

// Uptime returns the kernel clock's reading.
func (k *Kernel) Uptime() time.Duration { return time.Duration(k.clock.Now()) }
