package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"vodcast-worker/internal/media/ytdlp"
	"vodcast-worker/internal/observability/logging"
)

// SQSAPI is the subset of the SQS client the poller depends on.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Dispatcher runs one parsed message to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, msg *Message) error
}

// Lifecycle receives job start/finish notifications; the platform-protection
// controller implements it.
type Lifecycle interface {
	JobStarted()
	JobFinished()
}

// PollerConfig tunes the receive loop.
type PollerConfig struct {
	QueueURL          string
	PollingInterval   time.Duration // sleep while at capacity
	WaitTime          time.Duration // long-poll wait, default 20s
	ExtendInterval    time.Duration // visibility extender cadence
	ExtendDelta       time.Duration // visibility extension amount
	RequeueVisibility time.Duration // drain requeue visibility, default 5s
	ReceiveBatch      int           // default 10
}

func (c PollerConfig) normalize() PollerConfig {
	if c.PollingInterval <= 0 {
		c.PollingInterval = 5 * time.Second
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.ExtendInterval <= 0 {
		c.ExtendInterval = 120 * time.Second
	}
	if c.ExtendDelta <= 0 {
		c.ExtendDelta = 900 * time.Second
	}
	if c.RequeueVisibility <= 0 {
		c.RequeueVisibility = 5 * time.Second
	}
	if c.ReceiveBatch <= 0 || c.ReceiveBatch > 10 {
		c.ReceiveBatch = 10
	}
	return c
}

// Poller drains the queue with at most the tracker's cap of concurrent
// pipeline invocations. Messages stay invisible while their job runs (the
// extender renews visibility) and are deleted on completion; an interruption
// drain returns them to visibility quickly instead.
type Poller struct {
	cfg       PollerConfig
	sqs       SQSAPI
	tracker   *JobTracker
	dedup     *Deduper
	dispatch  Dispatcher
	lifecycle Lifecycle
	onFatal   func(error)
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]string // jobID -> receipt handle
	draining bool

	wg sync.WaitGroup
}

// NewPoller wires the receive loop. dedup, lifecycle, and onFatal may be nil.
func NewPoller(cfg PollerConfig, api SQSAPI, tracker *JobTracker, dedup *Deduper, dispatch Dispatcher, lifecycle Lifecycle, onFatal func(error), logger *slog.Logger) *Poller {
	return &Poller{
		cfg:       cfg.normalize(),
		sqs:       api,
		tracker:   tracker,
		dedup:     dedup,
		dispatch:  dispatch,
		lifecycle: lifecycle,
		onFatal:   onFatal,
		logger:    logging.WithComponent(logger, "poller"),
		inflight:  make(map[string]string),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (p *Poller) Run(ctx context.Context) {
	if p.logger != nil {
		p.logger.Info("poller started", "queue_url", p.cfg.QueueURL)
	}
	for {
		if ctx.Err() != nil {
			break
		}
		if p.isDraining() {
			break
		}
		if !p.tracker.CanAcceptMoreJobs() {
			p.sleep(ctx, p.cfg.PollingInterval)
			continue
		}
		p.pollOnce(ctx)
	}
	p.wg.Wait()
	if p.logger != nil {
		p.logger.Info("poller stopped")
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	out, err := p.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.cfg.QueueURL),
		MaxNumberOfMessages: int32(p.cfg.ReceiveBatch),
		WaitTimeSeconds:     int32(p.cfg.WaitTime / time.Second),
	})
	if err != nil {
		if ctx.Err() == nil && p.logger != nil {
			p.logger.Error("receive failed", "error", err)
		}
		p.sleep(ctx, p.cfg.PollingInterval)
		return
	}

	for _, raw := range out.Messages {
		if ctx.Err() != nil || p.isDraining() {
			return
		}
		body := aws.ToString(raw.Body)
		receipt := aws.ToString(raw.ReceiptHandle)

		msg, err := ParseMessage([]byte(body))
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("deleting poison message", "error", err)
			}
			p.deleteMessage(ctx, receipt)
			continue
		}

		if seen, err := p.dedup.Seen(ctx, msg.VideoID()); err != nil {
			if p.logger != nil {
				p.logger.Warn("dedup check failed, proceeding", "error", err)
			}
		} else if seen {
			if p.logger != nil {
				p.logger.Info("suppressing duplicate message", "video_id", msg.VideoID())
			}
			p.deleteMessage(ctx, receipt)
			continue
		}

		jobID := jobIDFor(msg)
		if !p.tracker.StartJob(jobID) {
			// At capacity between receives; leave the message to become
			// visible again for another worker.
			return
		}
		p.trackInflight(jobID, receipt)
		if p.lifecycle != nil {
			p.lifecycle.JobStarted()
		}

		p.wg.Add(1)
		go p.runJob(ctx, jobID, receipt, msg)
	}
}

func (p *Poller) runJob(ctx context.Context, jobID, receipt string, msg *Message) {
	defer p.wg.Done()

	extenderDone := make(chan struct{})
	go p.extendVisibility(ctx, receipt, extenderDone)

	ctx = logging.ContextWithJobID(ctx, jobID)
	err := p.dispatch.Dispatch(ctx, jobID, msg)
	close(extenderDone)

	requeued := p.untrackInflight(jobID)
	switch {
	case requeued:
		// Drain already returned the message to visibility; do not delete.
		p.dedup.Forget(context.Background(), msg.VideoID())
	case errors.Is(err, context.Canceled):
		// Interrupted mid-job without an explicit requeue; let the
		// visibility timeout re-deliver it.
		p.dedup.Forget(context.Background(), msg.VideoID())
	default:
		// Completed or terminal per-job error: delete either way, the batch
		// integrity scan re-drives lost work.
		p.deleteMessage(context.Background(), receipt)
		if err != nil {
			p.dedup.Forget(context.Background(), msg.VideoID())
		}
	}

	p.tracker.CompleteJob(jobID)
	if p.lifecycle != nil {
		p.lifecycle.JobFinished()
	}
	if err != nil && p.onFatal != nil && isFatalDispatch(err) {
		p.onFatal(err)
	}
}

// extendVisibility renews the message's invisibility window on a timer until
// the job completes.
func (p *Poller) extendVisibility(ctx context.Context, receipt string, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.ExtendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := p.sqs.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(p.cfg.QueueURL),
				ReceiptHandle:     aws.String(receipt),
				VisibilityTimeout: int32(p.cfg.ExtendDelta / time.Second),
			})
			if err != nil && ctx.Err() == nil && p.logger != nil {
				p.logger.Warn("visibility extension failed", "error", err)
			}
		}
	}
}

// RequeueAllInFlightAndStop resets every tracked message's visibility to the
// configured requeue window so another worker picks the work up, then stops
// the receive loop. Used on spot interruption.
func (p *Poller) RequeueAllInFlightAndStop(ctx context.Context) {
	p.mu.Lock()
	p.draining = true
	receipts := make(map[string]string, len(p.inflight))
	for jobID, receipt := range p.inflight {
		receipts[jobID] = receipt
	}
	p.inflight = make(map[string]string)
	p.mu.Unlock()

	for jobID, receipt := range receipts {
		_, err := p.sqs.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(p.cfg.QueueURL),
			ReceiptHandle:     aws.String(receipt),
			VisibilityTimeout: int32(p.cfg.RequeueVisibility / time.Second),
		})
		if err != nil && p.logger != nil {
			p.logger.Warn("requeue failed", "job_id", jobID, "error", err)
		} else if p.logger != nil {
			p.logger.Info("requeued in-flight message", "job_id", jobID)
		}
	}
}

// Stop halts the receive loop without touching in-flight messages.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
}

func (p *Poller) isDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

func (p *Poller) trackInflight(jobID, receipt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight[jobID] = receipt
}

// untrackInflight removes the job's receipt and reports whether the message
// was already handed back by a drain.
func (p *Poller) untrackInflight(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		_, present := p.inflight[jobID]
		delete(p.inflight, jobID)
		return !present
	}
	delete(p.inflight, jobID)
	return false
}

func (p *Poller) deleteMessage(ctx context.Context, receipt string) {
	_, err := p.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.cfg.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil && p.logger != nil {
		p.logger.Warn("delete message failed", "error", err)
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func jobIDFor(msg *Message) string {
	if msg.Kind == KindLegacy && msg.Legacy.JobID != "" {
		return msg.Legacy.JobID
	}
	return uuid.NewString()
}

func isFatalDispatch(err error) bool {
	return ytdlp.IsFatalSignature(err)
}
