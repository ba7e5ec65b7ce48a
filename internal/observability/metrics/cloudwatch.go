package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchAPI is the subset of the CloudWatch client used by the publisher.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	// PutMetricData accepts at most 1000 datums; 20 keeps payloads small and
	// matches the flush cadence of a busy worker.
	cloudwatchBatchSize    = 20
	cloudwatchFlushEvery   = 30 * time.Second
	cloudwatchQueueLimit   = 2048
	cloudwatchFlushTimeout = 10 * time.Second
)

// CloudWatchPublisher buffers datapoints and ships them to CloudWatch in
// batches. Publishing never blocks the caller; when the buffer is full the
// datapoint is dropped.
type CloudWatchPublisher struct {
	client    CloudWatchAPI
	namespace string
	logger    *slog.Logger

	mu     sync.Mutex
	buf    []types.MetricDatum
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewCloudWatchPublisher starts a publisher flushing to the given namespace.
// Call Close to flush remaining datapoints and stop the background loop.
func NewCloudWatchPublisher(client CloudWatchAPI, namespace string, logger *slog.Logger) *CloudWatchPublisher {
	p := &CloudWatchPublisher{
		client:    client,
		namespace: namespace,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go p.loop()
	return p
}

// Publish enqueues a datapoint for the next batch.
func (p *CloudWatchPublisher) Publish(name string, value float64, unit Unit, dims map[string]string) {
	datum := types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       standardUnit(unit),
		Timestamp:  aws.Time(time.Now().UTC()),
		Dimensions: dimensions(dims),
	}

	p.mu.Lock()
	if p.closed || len(p.buf) >= cloudwatchQueueLimit {
		p.mu.Unlock()
		return
	}
	p.buf = append(p.buf, datum)
	full := len(p.buf) >= cloudwatchBatchSize
	p.mu.Unlock()

	if full {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Close flushes buffered datapoints and stops the background loop.
func (p *CloudWatchPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.wake)
	<-p.done
}

func (p *CloudWatchPublisher) loop() {
	defer close(p.done)
	ticker := time.NewTicker(cloudwatchFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case _, ok := <-p.wake:
			p.flush()
			if !ok {
				return
			}
		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *CloudWatchPublisher) flush() {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buf
	p.buf = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cloudwatchFlushTimeout)
	defer cancel()
	for start := 0; start < len(batch); start += cloudwatchBatchSize {
		end := start + cloudwatchBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(p.namespace),
			MetricData: batch[start:end],
		})
		if err != nil && p.logger != nil {
			p.logger.Warn("cloudwatch flush failed", "error", err, "datums", end-start)
		}
	}
}

func standardUnit(unit Unit) types.StandardUnit {
	switch unit {
	case UnitMilliseconds:
		return types.StandardUnitMilliseconds
	default:
		return types.StandardUnitCount
	}
}

func dimensions(dims map[string]string) []types.Dimension {
	if len(dims) == 0 {
		return nil
	}
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]types.Dimension, 0, len(names))
	for _, name := range names {
		out = append(out, types.Dimension{Name: aws.String(name), Value: aws.String(dims[name])})
	}
	return out
}
