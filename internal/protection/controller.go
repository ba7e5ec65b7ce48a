// Package protection keeps the worker from being scaled in mid-job. On
// on-demand capacity it marks the task protected while jobs are active and
// releases protection when idle; on preemptible capacity every call is a
// no-op and interruption handling falls to the queue drain path.
package protection

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"vodcast-worker/internal/config"
	"vodcast-worker/internal/observability/logging"
)

// ECSAPI is the subset of the ECS client the controller depends on.
type ECSAPI interface {
	UpdateTaskProtection(ctx context.Context, params *ecs.UpdateTaskProtectionInput, optFns ...func(*ecs.Options)) (*ecs.UpdateTaskProtectionOutput, error)
}

// Drainer returns in-flight work to the queue and stops the receive loop.
type Drainer interface {
	RequeueAllInFlightAndStop(ctx context.Context)
}

// Options tune the protection window.
type Options struct {
	Window        time.Duration // default 60 min
	RenewInterval time.Duration // default 30 min
}

func (o Options) normalize() Options {
	if o.Window <= 0 {
		o.Window = 60 * time.Minute
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = 30 * time.Minute
	}
	return o
}

// Controller implements the poller's Lifecycle contract. The renewal
// goroutine is the only mutator outside JobStarted/JobFinished.
type Controller struct {
	mode    config.CapacityMode
	api     ECSAPI
	task    *TaskIdentity
	opts    Options
	logger  *slog.Logger
	exit    func(int)
	drainer Drainer

	mu         sync.Mutex
	activeJobs int
	protected  bool
	stopRenew  chan struct{}
}

// NewController builds the controller. api and task may be nil, in which case
// (as on preemptible or outside the container agent) protection is disabled.
func NewController(mode config.CapacityMode, api ECSAPI, task *TaskIdentity, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		mode:   mode,
		api:    api,
		task:   task,
		opts:   opts.normalize(),
		logger: logging.WithComponent(logger, "protection"),
	}
}

// SetDrainer wires the poller in after construction; the poller needs the
// controller as its lifecycle and the controller needs the poller to drain.
func (c *Controller) SetDrainer(d Drainer) { c.drainer = d }

// SetExit overrides process exit, for tests.
func (c *Controller) SetExit(fn func(int)) { c.exit = fn }

func (c *Controller) enabled() bool {
	return c.mode == config.CapacityOnDemand && c.api != nil && c.task != nil
}

// JobStarted raises protection when the active set becomes non-empty.
func (c *Controller) JobStarted() {
	c.mu.Lock()
	c.activeJobs++
	first := c.activeJobs == 1
	c.mu.Unlock()
	if !first || !c.enabled() {
		return
	}
	c.setProtection(context.Background(), true)
	c.startRenewal()
}

// JobFinished releases protection when the active set becomes empty.
func (c *Controller) JobFinished() {
	c.mu.Lock()
	if c.activeJobs > 0 {
		c.activeJobs--
	}
	idle := c.activeJobs == 0
	c.mu.Unlock()
	if !idle || !c.enabled() {
		return
	}
	c.stopRenewal()
	c.setProtection(context.Background(), false)
}

// Bump re-extends the protection window from within a long stage.
func (c *Controller) Bump(ctx context.Context) {
	c.mu.Lock()
	protected := c.protected
	c.mu.Unlock()
	if !protected || !c.enabled() {
		return
	}
	c.setProtection(ctx, true)
}

// Active reports whether the task is currently protected, for the health
// endpoint.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protected
}

// ActiveJobs returns the tracked active-job count.
func (c *Controller) ActiveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeJobs
}

// DrainAndExit handles a fatal downloader signature: stop polling, requeue
// everything in flight, drop protection, and exit 1 so the orchestrator
// replaces this instance.
func (c *Controller) DrainAndExit(ctx context.Context, cause error) {
	c.logger.Error("fatal signature, draining", "error", cause)
	if c.drainer != nil {
		c.drainer.RequeueAllInFlightAndStop(ctx)
	}
	if c.enabled() {
		c.stopRenewal()
		c.setProtection(ctx, false)
	}
	exit := c.exit
	if exit == nil {
		exit = defaultExit
	}
	exit(1)
}

func defaultExit(code int) { os.Exit(code) }

func (c *Controller) setProtection(ctx context.Context, on bool) {
	input := &ecs.UpdateTaskProtectionInput{
		Cluster:           aws.String(c.task.Cluster),
		Tasks:             []string{c.task.TaskARN},
		ProtectionEnabled: on,
	}
	if on {
		input.ExpiresInMinutes = aws.Int32(int32(c.opts.Window / time.Minute))
	}
	_, err := c.api.UpdateTaskProtection(ctx, input)
	if err != nil {
		c.logger.Error("task protection update failed", "enabled", on, "error", err)
		return
	}
	c.mu.Lock()
	c.protected = on
	c.mu.Unlock()
	c.logger.Info("task protection updated", "enabled", on)
}

func (c *Controller) startRenewal() {
	c.mu.Lock()
	if c.stopRenew != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopRenew = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.opts.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				busy := c.activeJobs > 0
				c.mu.Unlock()
				if busy {
					c.setProtection(context.Background(), true)
				}
			}
		}
	}()
}

func (c *Controller) stopRenewal() {
	c.mu.Lock()
	if c.stopRenew != nil {
		close(c.stopRenew)
		c.stopRenew = nil
	}
	c.mu.Unlock()
}
