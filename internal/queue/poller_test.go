package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeSQS struct {
	mu         sync.Mutex
	queue      []sqstypes.Message
	deleted    []string
	visibility map[string]int32
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: f.queue}
	f.queue = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visibility == nil {
		f.visibility = make(map[string]int32)
	}
	f.visibility[aws.ToString(params.ReceiptHandle)] = params.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) deletedReceipts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeSQS) visibilityOf(receipt string) (int32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.visibility[receipt]
	return v, ok
}

type fakeDispatcher struct {
	mu      sync.Mutex
	jobs    []string
	err     error
	block   chan struct{} // when set, Dispatch waits for close
	started chan string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, jobID string, _ *Message) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, jobID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- jobID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func msgOf(body, receipt string) sqstypes.Message {
	return sqstypes.Message{Body: aws.String(body), ReceiptHandle: aws.String(receipt)}
}

func shortConfig() PollerConfig {
	return PollerConfig{
		QueueURL:          "q",
		PollingInterval:   10 * time.Millisecond,
		WaitTime:          time.Second,
		ExtendInterval:    20 * time.Millisecond,
		ExtendDelta:       900 * time.Second,
		RequeueVisibility: 5 * time.Second,
	}
}

func TestPollerDeletesMessageAfterSuccess(t *testing.T) {
	api := &fakeSQS{queue: []sqstypes.Message{
		msgOf(`{"url":"https://youtu.be/Z"}`, "r1"),
	}}
	dispatcher := &fakeDispatcher{}
	poller := NewPoller(shortConfig(), api, NewJobTracker(2, nil), nil, dispatcher, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { poller.Run(ctx); close(done) }()

	waitFor(t, func() bool { return len(api.deletedReceipts()) == 1 })
	cancel()
	<-done

	if got := api.deletedReceipts(); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("deleted = %v", got)
	}
	if len(dispatcher.jobs) != 1 {
		t.Fatalf("dispatched jobs = %v", dispatcher.jobs)
	}
}

func TestPollerDeletesPoisonWithoutDispatch(t *testing.T) {
	api := &fakeSQS{queue: []sqstypes.Message{
		msgOf(`{"garbage":true}`, "poison"),
	}}
	dispatcher := &fakeDispatcher{}
	poller := NewPoller(shortConfig(), api, NewJobTracker(1, nil), nil, dispatcher, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { poller.Run(ctx); close(done) }()

	waitFor(t, func() bool { return len(api.deletedReceipts()) == 1 })
	cancel()
	<-done

	if len(dispatcher.jobs) != 0 {
		t.Fatalf("poison message must not dispatch, got %v", dispatcher.jobs)
	}
}

func TestPollerDeletesOnTerminalJobError(t *testing.T) {
	api := &fakeSQS{queue: []sqstypes.Message{
		msgOf(`{"url":"https://youtu.be/Z"}`, "r-err"),
	}}
	dispatcher := &fakeDispatcher{err: errors.New("video unavailable")}
	poller := NewPoller(shortConfig(), api, NewJobTracker(1, nil), nil, dispatcher, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { poller.Run(ctx); close(done) }()

	waitFor(t, func() bool { return len(api.deletedReceipts()) == 1 })
	cancel()
	<-done
}

func TestPollerUsesLegacyJobID(t *testing.T) {
	api := &fakeSQS{queue: []sqstypes.Message{
		msgOf(`{"url":"https://youtu.be/Z","jobId":"job-42"}`, "r1"),
	}}
	dispatcher := &fakeDispatcher{}
	poller := NewPoller(shortConfig(), api, NewJobTracker(1, nil), nil, dispatcher, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { poller.Run(ctx); close(done) }()

	waitFor(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return len(dispatcher.jobs) == 1
	})
	cancel()
	<-done

	if dispatcher.jobs[0] != "job-42" {
		t.Fatalf("jobID = %q", dispatcher.jobs[0])
	}
}

func TestPollerExtendsVisibilityForLongJobs(t *testing.T) {
	api := &fakeSQS{queue: []sqstypes.Message{
		msgOf(`{"url":"https://youtu.be/Z"}`, "r-long"),
	}}
	dispatcher := &fakeDispatcher{block: make(chan struct{})}
	poller := NewPoller(shortConfig(), api, NewJobTracker(1, nil), nil, dispatcher, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { poller.Run(ctx); close(done) }()

	waitFor(t, func() bool {
		v, ok := api.visibilityOf("r-long")
		return ok && v == 900
	})
	close(dispatcher.block)
	waitFor(t, func() bool { return len(api.deletedReceipts()) == 1 })
	cancel()
	<-done
}

func TestRequeueAllInFlightAndStop(t *testing.T) {
	api := &fakeSQS{queue: []sqstypes.Message{
		msgOf(`{"url":"https://youtu.be/A"}`, "r-a"),
		msgOf(`{"url":"https://youtu.be/B"}`, "r-b"),
	}}
	dispatcher := &fakeDispatcher{block: make(chan struct{}), started: make(chan string, 2)}
	poller := NewPoller(shortConfig(), api, NewJobTracker(2, nil), nil, dispatcher, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { poller.Run(ctx); close(done) }()

	<-dispatcher.started
	<-dispatcher.started

	poller.RequeueAllInFlightAndStop(context.Background())
	cancel() // interrupt the blocked dispatches
	<-done

	for _, receipt := range []string{"r-a", "r-b"} {
		v, ok := api.visibilityOf(receipt)
		if !ok || v != 5 {
			t.Fatalf("receipt %s visibility = %d (present %v), want 5", receipt, v, ok)
		}
	}
	if len(api.deletedReceipts()) != 0 {
		t.Fatalf("requeued messages must not be deleted, got %v", api.deletedReceipts())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
