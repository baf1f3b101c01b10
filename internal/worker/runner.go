package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/analytics"
	"github.com/mailkite/mailkite/internal/campaigns"
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/delivery"
	"github.com/mailkite/mailkite/internal/imports"
	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/pkg/distlock"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/queue"
	"github.com/mailkite/mailkite/internal/subscribers"
)

// reclaimAfter is how long a task may sit in 'running' before the beat
// assumes its worker died and returns it to the queue.
const reclaimAfter = 15 * time.Minute

// heartbeatInterval is how often the pool logs its counters.
const heartbeatInterval = 30 * time.Second

// Reclaimer is implemented by durable queues that can recover tasks
// stranded by a crashed worker. The in-memory queue has nothing to
// reclaim.
type Reclaimer interface {
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Runner drains the task queue with a pool of goroutines and drives the
// 60s scheduler beat that moves due SCHEDULED campaigns into QUEUED.
type Runner struct {
	consumer   queue.Consumer
	enqueuer   queue.Queue
	driver     *delivery.Driver
	importer   *imports.Importer
	aggregator *analytics.Aggregator

	campaigns   *campaigns.Store
	subscribers *subscribers.Store
	lists       *lists.Store

	site config.SiteConfig
	cfg  config.WorkerConfig

	// beatLock, when set, elects a single beat runner across hosts.
	beatLock distlock.Lock

	processed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunner wires up a worker pool. The consumer and enqueuer are
// usually the same PostgresQueue.
func NewRunner(
	consumer queue.Consumer,
	enqueuer queue.Queue,
	driver *delivery.Driver,
	importer *imports.Importer,
	aggregator *analytics.Aggregator,
	campaignStore *campaigns.Store,
	subscriberStore *subscribers.Store,
	listStore *lists.Store,
	site config.SiteConfig,
	cfg config.WorkerConfig,
) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	if cfg.BeatIntervalSeconds <= 0 {
		cfg.BeatIntervalSeconds = 60
	}
	return &Runner{
		consumer:    consumer,
		enqueuer:    enqueuer,
		driver:      driver,
		importer:    importer,
		aggregator:  aggregator,
		campaigns:   campaignStore,
		subscribers: subscriberStore,
		lists:       listStore,
		site:        site,
		cfg:         cfg,
	}
}

// SetBeatLock installs a distributed lock around the scheduler beat so
// only one worker process fires it per tick. Call before Start.
func (r *Runner) SetBeatLock(l distlock.Lock) {
	r.beatLock = l
}

// Start launches the pool, the beat and the heartbeat.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("worker: already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	logger.Info("worker pool starting",
		"concurrency", r.cfg.Concurrency,
		"poll_interval", r.cfg.PollInterval().String(),
		"beat_interval", r.cfg.BeatInterval().String())

	for i := 0; i < r.cfg.Concurrency; i++ {
		r.wg.Add(1)
		go r.workerLoop(i)
	}
	r.wg.Add(1)
	go r.beatLoop()
	r.wg.Add(1)
	go r.heartbeatLoop()
	return nil
}

// Stop cancels every loop and waits for in-flight tasks to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	logger.Info("worker pool stopped",
		"processed", atomic.LoadInt64(&r.processed),
		"failed", atomic.LoadInt64(&r.failed))
}

func (r *Runner) workerLoop(id int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		task, err := r.consumer.Claim(r.ctx)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval()):
			}
			continue
		}
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			logger.Error("claiming task", "worker", id, "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval()):
			}
			continue
		}

		r.Handle(r.ctx, task)
	}
}

// Handle dispatches one claimed task and acknowledges it. Exported so a
// single-binary development setup can drain a MemoryQueue inline.
func (r *Runner) Handle(ctx context.Context, task *queue.Task) {
	err := r.dispatch(ctx, task)
	if err != nil {
		atomic.AddInt64(&r.failed, 1)
		logger.Error("task failed",
			"task_id", task.ID, "kind", task.Kind, "attempt", task.Attempts, "error", err)
		if failErr := r.consumer.Fail(ctx, task, err.Error()); failErr != nil {
			logger.Error("recording task failure", "task_id", task.ID, "error", failErr)
		}
		return
	}
	atomic.AddInt64(&r.processed, 1)
	if doneErr := r.consumer.Done(ctx, task); doneErr != nil {
		logger.Error("acknowledging task", "task_id", task.ID, "error", doneErr)
	}
}

func (r *Runner) dispatch(ctx context.Context, task *queue.Task) error {
	switch task.Kind {
	case queue.TaskCampaignDelivery:
		var p queue.CampaignDeliveryPayload
		if err := task.Decode(&p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.driver.Run(ctx, p.CampaignID)

	case queue.TaskRunImport:
		var p queue.RunImportPayload
		if err := task.Decode(&p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.importer.Run(ctx, p.ImportID)

	case queue.TaskSendFormEmail:
		var p queue.SendFormEmailPayload
		if err := task.Decode(&p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.sendFormEmail(ctx, p)

	case queue.TaskRecomputeEmail:
		var p queue.RecomputePayload
		if err := task.Decode(&p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.aggregator.RecomputeEmail(ctx, p.ID)

	case queue.TaskRecomputeLink:
		var p queue.RecomputePayload
		if err := task.Decode(&p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.aggregator.RecomputeLink(ctx, p.ID)

	case queue.TaskRecomputeSubscriber:
		var p queue.RecomputePayload
		if err := task.Decode(&p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, _, err := r.aggregator.RecomputeSubscriber(ctx, p.ID)
		return err

	case queue.TaskRecomputeCampaign:
		var p queue.RecomputePayload
		if err := task.Decode(&p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.aggregator.RecomputeCampaign(ctx, p.ID)

	case queue.TaskRecomputeList:
		var p queue.RecomputePayload
		if err := task.Decode(&p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.aggregator.RecomputeList(ctx, p.ID)

	default:
		// A kind this build does not know cannot succeed on retry either.
		logger.Error("dropping task of unknown kind", "task_id", task.ID, "kind", task.Kind)
		return nil
	}
}

// beatLoop fires the scheduler beat: due SCHEDULED campaigns become
// QUEUED and get a delivery task, and tasks stranded by dead workers are
// returned to the queue.
func (r *Runner) beatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.BeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.beatLock != nil {
				ok, err := r.beatLock.Acquire(r.ctx)
				if err != nil {
					logger.Error("acquiring beat lock", "error", err)
					continue
				}
				if !ok {
					continue
				}
			}
			r.Beat(r.ctx, time.Now().UTC())
			if r.beatLock != nil {
				if err := r.beatLock.Release(r.ctx); err != nil {
					logger.Warn("releasing beat lock", "error", err)
				}
			}
		}
	}
}

// Beat runs one scheduler tick. Exported for tests and for inline
// development setups.
func (r *Runner) Beat(ctx context.Context, now time.Time) {
	ids, err := r.campaigns.QueueDueScheduled(ctx, now)
	if err != nil {
		logger.Error("queueing due campaigns", "error", err)
	}
	for _, id := range ids {
		if !r.preflightDue(ctx, id) {
			continue
		}
		payload := queue.CampaignDeliveryPayload{CampaignID: id}
		if err := r.enqueuer.Enqueue(ctx, queue.TaskCampaignDelivery, payload); err != nil {
			logger.Error("enqueueing campaign delivery", "campaign_id", id, "error", err)
			continue
		}
		logger.Info("scheduled campaign queued", "campaign_id", id)
	}

	if rec, ok := r.consumer.(Reclaimer); ok {
		n, err := rec.ReclaimStuck(ctx, reclaimAfter)
		if err != nil {
			logger.Error("reclaiming stuck tasks", "error", err)
		} else if n > 0 {
			logger.Warn("reclaimed stuck tasks", "count", n)
		}
	}
}

// preflightDue runs the delivery checklist on a due campaign. A
// failing campaign goes back to DRAFT instead of entering delivery.
// Checklist errors fail open: the delivery run has its own guards.
func (r *Runner) preflightDue(ctx context.Context, id uuid.UUID) bool {
	campaign, err := r.campaigns.GetCampaign(ctx, id)
	if err != nil {
		logger.Error("loading due campaign", "campaign_id", id, "error", err)
		return true
	}
	cl, err := r.driver.Preflight(ctx, campaign)
	if err != nil {
		logger.Error("due campaign preflight", "campaign_id", id, "error", err)
		return true
	}
	if cl.OK() {
		return true
	}
	logger.Warn("due campaign failed the delivery checklist, returning to draft",
		"campaign_id", id, "checklist", cl)
	err = r.campaigns.TransitionStatus(ctx, id, campaigns.StatusDraft, campaigns.StatusQueued)
	if err != nil && !errors.Is(err, campaigns.ErrInvalidTransition) {
		logger.Error("returning campaign to draft", "campaign_id", id, "error", err)
	}
	return false
}

func (r *Runner) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("worker heartbeat",
				"processed", atomic.LoadInt64(&r.processed),
				"failed", atomic.LoadInt64(&r.failed))
		}
	}
}
