package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/config"
	"github.com/mohitkumar/engage/lock"
	"github.com/mohitkumar/engage/logger"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence"
	"github.com/mohitkumar/engage/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// ChannelSender delivers a message over a messaging channel and returns the
// provider's message id. Send should return once ctx is done: the queue stops
// waiting at the send timeout and retries the job, and a result arriving
// after that is discarded.
type ChannelSender interface {
	Send(ctx context.Context, channelId string, destination string, payload model.MessagePayload) (string, error)
}

// ConversationNotifier is told about every delivered message, e.g. to update
// the conversation's last message preview.
type ConversationNotifier interface {
	MessageSent(ctx context.Context, job *model.DispatchJob) error
}

type Sleeper func(ctx context.Context, d time.Duration) error

type TickReport struct {
	Channels int
	Sent     int
	Retried  int
	Failed   int
	Deferred int
}

type Queue struct {
	store    persistence.Storage
	sender   ChannelSender
	notifier ConversationNotifier
	locker   lock.Locker
	conf     config.DispatchConfig
	lanes    *laneRing
	now      func() time.Time
	sleep    Sleeper
	rndMu    sync.Mutex
	rnd      *rand.Rand
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func WithSleeper(s Sleeper) Option {
	return func(q *Queue) {
		q.sleep = s
	}
}

func WithNotifier(n ConversationNotifier) Option {
	return func(q *Queue) {
		q.notifier = n
	}
}

func NewQueue(store persistence.Storage, sender ChannelSender, locker lock.Locker, conf config.DispatchConfig, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		sender: sender,
		locker: locker,
		conf:   conf,
		lanes:  newLaneRing(conf.Lanes),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates and stores a pending job. Id, status and schedule are
// filled in when missing.
func (q *Queue) Enqueue(ctx context.Context, job *model.DispatchJob) error {
	switch {
	case job.OrganizationId == "":
		return api.ValidationError{Field: "organizationId", Message: "required"}
	case job.ChannelId == "":
		return api.ValidationError{Field: "channelId", Message: "required"}
	case job.ContactId == "":
		return api.ValidationError{Field: "contactId", Message: "required"}
	}
	p := job.Payload.Data()
	if p.Text == "" && p.MediaUrl == "" {
		return api.ValidationError{Field: "payload", Message: "text or media url required"}
	}
	if job.Id == "" {
		job.Id = newJobId()
	}
	if job.Destination == "" {
		job.Destination = job.ContactId
	}
	if job.Source == "" {
		job.Source = model.SOURCE_FLOW
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = q.now()
	}
	job.Status = model.DISPATCH_PENDING
	return q.store.CreateJobs(ctx, []*model.DispatchJob{job})
}

// SendNow queues a manual message that is due immediately. It still goes
// through pacing, the daily cap and retries.
func (q *Queue) SendNow(ctx context.Context, organizationId string, channelId string, contactId string, destination string, payload model.MessagePayload) (*model.DispatchJob, error) {
	job := &model.DispatchJob{
		OrganizationId: organizationId,
		ChannelId:      channelId,
		ContactId:      contactId,
		Destination:    destination,
		Payload:        datatypes.NewJSONType(payload),
		Source:         model.SOURCE_MANUAL,
		ScheduledAt:    q.now(),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Tick sends at most one due job per channel. Lanes run in parallel and each
// lane works through its channels in order.
func (q *Queue) Tick(ctx context.Context) (report TickReport, err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Tick")
	defer func() { span.End(err) }()

	channels, err := q.store.DueChannels(ctx, q.now())
	if err != nil {
		return report, err
	}
	report.Channels = len(channels)
	if len(channels) == 0 {
		return report, nil
	}
	var sent, retried, failed, deferred atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for laneName, laneChannels := range q.lanes.Group(channels) {
		g.Go(func() error {
			for _, ch := range laneChannels {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				outcome, err := q.processChannel(gctx, ch)
				if err != nil {
					logger.Error("error while dispatching channel", zap.String("lane", laneName), zap.String("channel", ch), zap.Error(err))
					continue
				}
				switch outcome {
				case outcomeSent:
					sent.Add(1)
				case outcomeRetried:
					retried.Add(1)
				case outcomeFailed:
					failed.Add(1)
				case outcomeDeferred:
					deferred.Add(1)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	report.Sent = int(sent.Load())
	report.Retried = int(retried.Load())
	report.Failed = int(failed.Load())
	report.Deferred = int(deferred.Load())
	span.SetAttributes(attribute.Int("sent", report.Sent), attribute.Int("channels", report.Channels))
	return report, err
}

// Purge deletes terminal jobs older than the retention window.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	n, err := q.store.PurgeTerminal(ctx, q.now().Add(-q.conf.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("purged dispatch jobs", zap.Int64("count", n))
	}
	return n, nil
}

type outcome int

const (
	outcomeIdle outcome = iota
	outcomeSent
	outcomeRetried
	outcomeFailed
	outcomeDeferred
)

func (q *Queue) leaseTTL() time.Duration {
	return q.conf.SendTimeout + q.conf.MaxHumanDelay + 10*time.Second
}

func (q *Queue) processChannel(ctx context.Context, channelId string) (outcome, error) {
	lease, err := q.locker.TryAcquire(ctx, lock.ChannelKey(channelId), q.leaseTTL())
	if errors.Is(err, lock.ErrNotAcquired) {
		return outcomeIdle, nil
	}
	if err != nil {
		return outcomeIdle, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("error while releasing channel lease", zap.String("channel", channelId), zap.Error(err))
		}
	}()

	now := q.now()
	if q.conf.DailyCap > 0 {
		start, next := window(now, q.conf.CapLocation)
		count, err := q.store.CountSentSince(ctx, channelId, start)
		if err != nil {
			return outcomeIdle, err
		}
		if count >= int64(q.conf.DailyCap) {
			n, err := q.store.DeferDue(ctx, channelId, now, next)
			if err != nil {
				return outcomeIdle, err
			}
			logger.Info("daily cap reached, deferring jobs",
				zap.String("channel", channelId),
				zap.Int64("sent", count),
				zap.Int64("deferred", n),
				zap.Time("until", next))
			return outcomeDeferred, nil
		}
	}

	job, err := q.store.NextDueJob(ctx, channelId, now)
	if api.IsNotFound(err) {
		return outcomeIdle, nil
	}
	if err != nil {
		return outcomeIdle, err
	}
	if err := q.sleep(ctx, q.humanDelay()); err != nil {
		return outcomeIdle, err
	}
	return q.deliver(ctx, job)
}

func (q *Queue) deliver(ctx context.Context, job *model.DispatchJob) (res outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.send",
		attribute.String("channel", job.ChannelId), attribute.String("job", job.Id))
	defer func() { span.End(err) }()

	providerId, sendErr := q.send(ctx, job)
	if sendErr == nil {
		if err := q.store.MarkSent(ctx, job.Id, providerId, q.now()); err != nil {
			return outcomeIdle, err
		}
		job.Status = model.DISPATCH_SENT
		job.ProviderMessageId = providerId
		if q.notifier != nil {
			if err := q.notifier.MessageSent(ctx, job); err != nil {
				logger.Warn("error while notifying conversation", zap.String("job", job.Id), zap.Error(err))
			}
		}
		return outcomeSent, nil
	}

	retry := job.RetryCount + 1
	if retry < q.conf.MaxRetries {
		at := q.now().Add(RetryDelay(q.conf, retry))
		if err := q.store.Reschedule(ctx, job.Id, retry, at, sendErr.Error()); err != nil {
			return outcomeIdle, err
		}
		logger.Warn("send failed, rescheduled",
			zap.String("job", job.Id),
			zap.String("channel", job.ChannelId),
			zap.Int("retry", retry),
			zap.Time("at", at),
			zap.Error(sendErr))
		return outcomeRetried, nil
	}
	failure := api.DeliveryFailedError{JobId: job.Id, Attempts: retry, Err: sendErr}
	if err := q.store.MarkFailed(ctx, job.Id, retry, failure.Error()); err != nil {
		return outcomeIdle, err
	}
	logger.Error("delivery failed", zap.String("job", job.Id), zap.String("channel", job.ChannelId), zap.Error(failure))
	return outcomeFailed, nil
}

type sendResult struct {
	providerId string
	err        error
}

// send calls the channel sender with a bounded timeout. A timeout is a
// transient failure, whether or not the sender gave up on its own.
func (q *Queue) send(ctx context.Context, job *model.DispatchJob) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, q.conf.SendTimeout)
	defer cancel()
	done := make(chan sendResult, 1)
	go func() {
		providerId, err := q.sender.Send(sendCtx, job.ChannelId, job.Destination, job.Payload.Data())
		done <- sendResult{providerId: providerId, err: err}
	}()
	var res sendResult
	select {
	case res = <-done:
	case <-sendCtx.Done():
		select {
		case res = <-done:
		default:
			res.err = sendCtx.Err()
		}
	}
	if res.err == nil {
		return res.providerId, nil
	}
	if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return "", api.TransientDeliveryError{ChannelId: job.ChannelId, Err: context.DeadlineExceeded}
	}
	return "", res.err
}

func (q *Queue) humanDelay() time.Duration {
	lo, hi := q.conf.MinHumanDelay, q.conf.MaxHumanDelay
	if hi <= lo {
		return lo
	}
	q.rndMu.Lock()
	defer q.rndMu.Unlock()
	return lo + time.Duration(q.rnd.Int63n(int64(hi-lo)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newJobId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
