package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ExpiryScheduler arranges for a ticket's deadline to be enforced even if
// the process that opened it never comes back up — Expire must still run.
// Grounded on internal/webhooks/cloud_dispatcher.go's CloudDispatcher: wrap
// a real client, enqueue non-blocking, fall back to an in-process mechanism
// for local development.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, ticketID string, at time.Time) error
}

// CloudTasksScheduler enqueues an HTTP callback to the HITL expiry endpoint
// for durable, at-least-once deadline enforcement.
type CloudTasksScheduler struct {
	client       *cloudtasks.Client
	queuePath    string
	callbackURL  string
	logger       *slog.Logger
}

// NewCloudTasksScheduler dials Cloud Tasks. callbackURL is the service's own
// "/internal/hitl/expire" endpoint, invoked with the ticket id as a query
// parameter when the task fires.
func NewCloudTasksScheduler(projectID, locationID, queueID, callbackURL string, logger *slog.Logger) (*CloudTasksScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	return &CloudTasksScheduler{
		client:      client,
		queuePath:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		callbackURL: callbackURL,
		logger:      logger,
	}, nil
}

func (c *CloudTasksScheduler) ScheduleExpiry(ctx context.Context, ticketID string, at time.Time) error {
	req := &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(at),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        fmt.Sprintf("%s?ticket_id=%s", c.callbackURL, ticketID),
				},
			},
		},
	}
	_, err := c.client.CreateTask(ctx, req)
	if err != nil {
		c.logger.Warn("cloud tasks expiry enqueue failed", "ticket_id", ticketID, "error", err)
	}
	return err
}

func (c *CloudTasksScheduler) Close() error { return c.client.Close() }

// TimerScheduler fires expiry in-process via time.AfterFunc. Used for local
// development and tests, and as the teacher's CloudDispatcher does, as a
// fallback when Cloud Tasks is unavailable — the tradeoff is that a process
// restart loses any scheduled timer, which the durable ticket-status check
// on gate startup covers for.
type TimerScheduler struct {
	onExpire func(ticketID string)
}

// NewTimerScheduler takes the callback to invoke when a ticket's timer fires.
func NewTimerScheduler(onExpire func(ticketID string)) *TimerScheduler {
	return &TimerScheduler{onExpire: onExpire}
}

func (t *TimerScheduler) ScheduleExpiry(_ context.Context, ticketID string, at time.Time) error {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() { t.onExpire(ticketID) })
	return nil
}
