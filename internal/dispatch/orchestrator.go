package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alertforge/notify-core/internal/channel"
	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/observability"
	"github.com/alertforge/notify-core/internal/ratelimit"
	"github.com/alertforge/notify-core/internal/repository"
	"github.com/alertforge/notify-core/internal/routing"
	"github.com/alertforge/notify-core/internal/tracker"
)

const (
	// DefaultSendTimeout bounds one provider call when the notification
	// does not carry its own.
	DefaultSendTimeout = 10 * time.Second

	// minRateLimitWait keeps denied sends from spinning when the limiter
	// reports an immediate retry.
	minRateLimitWait = 100 * time.Millisecond
)

// Outcome is the final state of one (channel, recipient) delivery loop.
type Outcome struct {
	Channel     domain.Channel
	RecipientID string
	Address     string
	Attempts    int
	Success     bool
	Expired     bool
	Error       string
}

// Summary reports what happened to a dispatched notification across all
// of its delivery loops.
type Summary struct {
	NotificationID string
	Suppressed     bool
	Emergency      bool
	Escalated      bool
	MatchedRules   []string
	Outcomes       []Outcome
	Succeeded      int
	Failed         int
}

// AnySuccess reports whether at least one delivery loop reached the
// provider.
func (s *Summary) AnySuccess() bool {
	return s != nil && s.Succeeded > 0
}

// Orchestrator drives a routed notification through rate limiting,
// channel sends, retries with backoff, expiry, and escalation. Attempts
// on the same (channel, recipient) pair run strictly sequentially;
// distinct pairs run concurrently.
type Orchestrator struct {
	router   *routing.Router
	limiter  *ratelimit.Manager
	tracker  *tracker.Tracker
	registry *channel.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger

	sendTimeout      time.Duration
	escalateCritical bool

	now       func() time.Time
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(
	router *routing.Router,
	limiter *ratelimit.Manager,
	trk *tracker.Tracker,
	registry *channel.Registry,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limit manager is required")
	}
	if trk == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("channel registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		router:           router,
		limiter:          limiter,
		tracker:          trk,
		registry:         registry,
		metrics:          metrics,
		logger:           logger,
		sendTimeout:      DefaultSendTimeout,
		escalateCritical: true,
		now:              time.Now,
		randFloat:        rand.Float64,
		sleep:            sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch routes the notification and runs every delivery loop the plan
// calls for. It returns once all loops settle or the context ends.
func (o *Orchestrator) Dispatch(ctx context.Context, n *domain.Notification) (*Summary, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	plan := o.router.Route(n)

	summary := &Summary{
		NotificationID: n.ID,
		Emergency:      plan.Emergency,
		MatchedRules:   plan.MatchedRules,
	}

	if plan.Suppressed {
		summary.Suppressed = true
		o.logger.Info("notification suppressed by routing rule",
			zap.String("notificationId", n.ID),
			zap.Strings("matchedRules", plan.MatchedRules),
		)
		return summary, nil
	}

	if plan.Delay > 0 {
		if err := o.sleep(ctx, plan.Delay); err != nil {
			return summary, err
		}
	}

	o.deliverPlan(ctx, plan, summary)

	if o.shouldEscalate(plan, summary) {
		o.metrics.IncEscalation()
		o.logger.Warn("delivery exhausted, escalating to emergency contacts",
			zap.String("notificationId", n.ID),
			zap.String("severity", n.Severity.String()),
		)
		emergency := o.router.EmergencyRoute(n)
		summary.Escalated = true
		summary.Emergency = true
		o.deliverPlan(ctx, emergency, summary)
	}

	return summary, nil
}

func (o *Orchestrator) shouldEscalate(plan routing.Result, summary *Summary) bool {
	if summary.AnySuccess() || plan.Emergency {
		return false
	}
	if plan.Escalate {
		return true
	}
	return o.escalateCritical && plan.Notification.Severity == domain.SeverityCritical
}

func (o *Orchestrator) deliverPlan(ctx context.Context, plan routing.Result, summary *Summary) {
	routed := plan.Notification
	retry := routed.Delivery.Retry.Normalize()

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)

	var g errgroup.Group
	for _, ch := range routed.Delivery.Channels {
		for _, rcpt := range routed.Recipients {
			ch, rcpt := ch, rcpt
			g.Go(func() error {
				outcome := o.runLoop(ctx, routed, ch, rcpt, retry, plan.Emergency)
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, outcome := range outcomes {
		summary.Outcomes = append(summary.Outcomes, outcome)
		if outcome.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
}

// runLoop owns every attempt for one (channel, recipient) pair. A panic
// anywhere inside is contained to this loop.
func (o *Orchestrator) runLoop(
	ctx context.Context,
	routed *domain.Notification,
	ch domain.Channel,
	rcpt domain.Recipient,
	retry domain.RetryPolicy,
	emergency bool,
) (outcome Outcome) {
	outcome = Outcome{Channel: ch, RecipientID: rcpt.ID}

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("delivery loop panicked",
				zap.Any("panic", rec),
				zap.String("notificationId", routed.ID),
				zap.String("channel", ch.String()),
				zap.String("recipientId", rcpt.ID),
			)
			outcome.Success = false
			outcome.Error = fmt.Sprintf("panic: %v", rec)
		}
	}()

	o.metrics.IncDispatchInFlight(ch.String())
	defer o.metrics.DecDispatchInFlight(ch.String())

	address := o.addressFor(rcpt, ch, routed.Severity, emergency)
	if address == "" {
		outcome.Error = fmt.Sprintf("recipient %s has no usable address on channel %s", rcpt.ID, ch)
		o.recordImmediateFailure(ctx, routed, ch, rcpt, outcome.Error)
		o.metrics.IncDeliveryFailed(ch.String(), "no_address")
		return outcome
	}
	outcome.Address = address

	sender, err := o.registry.Lookup(ch)
	if err != nil {
		outcome.Error = err.Error()
		o.recordImmediateFailure(ctx, routed, ch, rcpt, outcome.Error)
		o.metrics.IncDeliveryFailed(ch.String(), "no_sender")
		return outcome
	}

	timeout := routed.Delivery.SendTimeout
	if timeout <= 0 {
		timeout = o.sendTimeout
	}

	// Tracks the attempt whose retry is still scheduled, so an expiry
	// between retries can mark that attempt expired instead of leaving
	// it failed with a stale retry timestamp.
	var pendingRetryID string

	for attemptNo := 1; attemptNo <= retry.MaxAttempts; {
		if routed.Expired(o.now()) {
			outcome.Expired = true
			outcome.Error = "notification expired before delivery completed"
			if pendingRetryID != "" {
				err := o.tracker.UpdateStatus(ctx, pendingRetryID, domain.AttemptExpired,
					repository.AttemptUpdate{ClearRetry: true})
				if err != nil {
					o.logger.Error("failed to expire cancelled retry",
						zap.String("attemptId", pendingRetryID),
						zap.Error(err),
					)
				}
			}
			o.metrics.IncNotificationExpired()
			return outcome
		}

		// A denied send waits out the limiter without consuming an
		// attempt slot.
		decision, checkErr := o.limiter.Check(ctx, ch, ch.String())
		if checkErr != nil {
			var limitErr *ratelimit.RateLimitError
			if errors.As(checkErr, &limitErr) {
				o.metrics.IncRateLimitDenied(ch.String())
				wait := limitErr.RetryAfter
				if wait < minRateLimitWait {
					wait = minRateLimitWait
				}
				o.logger.Debug("send held back by rate limiter",
					zap.String("channel", ch.String()),
					zap.Duration("retryAfter", wait),
					zap.Int("remaining", decision.Remaining),
				)
				if err := o.sleep(ctx, wait); err != nil {
					outcome.Error = err.Error()
					return outcome
				}
				continue
			}
			// Limiter backend trouble fails open so alerts keep flowing.
			o.logger.Warn("rate limiter check failed, allowing send",
				zap.String("channel", ch.String()),
				zap.Error(checkErr),
			)
		}

		attempt := &domain.DeliveryAttempt{
			NotificationID: routed.ID,
			Channel:        ch,
			RecipientID:    rcpt.ID,
			Address:        address,
		}
		if err := o.tracker.TrackAttempt(ctx, attempt); err != nil {
			outcome.Error = fmt.Sprintf("tracking attempt: %v", err)
			return outcome
		}
		outcome.Attempts = attempt.AttemptNumber

		if err := o.tracker.UpdateStatus(ctx, attempt.ID, domain.AttemptSending, repository.AttemptUpdate{}); err != nil {
			outcome.Error = fmt.Sprintf("marking attempt sending: %v", err)
			return outcome
		}

		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		start := o.now()
		result, sendErr := sender.Send(sendCtx, channel.Message{
			Notification:  *routed,
			Channel:       ch,
			RecipientID:   rcpt.ID,
			RecipientName: rcpt.Name,
			Address:       address,
			AttemptNumber: attempt.AttemptNumber,
		})
		cancel()
		latency := o.now().Sub(start)

		if sendErr == nil {
			update := repository.AttemptUpdate{Latency: &latency, ClearRetry: true}
			if result != nil {
				if result.ProviderID != "" {
					update.ProviderID = &result.ProviderID
				}
				if result.Body != "" {
					update.Response = &result.Body
				}
			}
			if err := o.tracker.UpdateStatus(ctx, attempt.ID, domain.AttemptSent, update); err != nil {
				o.logger.Error("failed to mark attempt sent",
					zap.String("attemptId", attempt.ID),
					zap.Error(err),
				)
			}
			o.metrics.IncDeliverySent(ch.String())
			o.metrics.ObserveSendDuration(ch.String(), latency)
			outcome.Success = true
			return outcome
		}

		errText := sendErr.Error()
		transient := channel.IsTransient(sendErr)
		willRetry := transient && attemptNo < retry.MaxAttempts

		update := repository.AttemptUpdate{Latency: &latency, Error: &errText}
		var delay time.Duration
		if willRetry {
			delay = o.backoffDelay(retry, attemptNo)
			retryAt := o.now().Add(delay)
			update.NextRetryAt = &retryAt
		}
		if err := o.tracker.UpdateStatus(ctx, attempt.ID, domain.AttemptFailed, update); err != nil {
			o.logger.Error("failed to mark attempt failed",
				zap.String("attemptId", attempt.ID),
				zap.Error(err),
			)
		}
		pendingRetryID = ""
		if willRetry {
			pendingRetryID = attempt.ID
		}

		if !willRetry {
			reason := "permanent_error"
			if transient {
				reason = "retries_exhausted"
			}
			o.metrics.IncDeliveryFailed(ch.String(), reason)
			outcome.Error = errText
			return outcome
		}

		o.metrics.IncRetryScheduled(ch.String())
		o.logger.Info("delivery attempt failed, retry scheduled",
			zap.String("notificationId", routed.ID),
			zap.String("channel", ch.String()),
			zap.Int("attempt", attempt.AttemptNumber),
			zap.Duration("delay", delay),
			zap.String("error", errText),
		)
		if err := o.sleep(ctx, delay); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		attemptNo++
	}

	return outcome
}

// addressFor resolves the delivery address one recipient exposes for a
// channel. Emergency plans only require the channel to match; severity
// filters and quiet hours are overridden.
func (o *Orchestrator) addressFor(rcpt domain.Recipient, ch domain.Channel, severity domain.Severity, emergency bool) string {
	target := domain.NormalizeChannel(ch.String())

	if emergency {
		for _, pref := range rcpt.Preferences {
			if domain.NormalizeChannel(pref.Channel.String()) == target && strings.TrimSpace(pref.Address) != "" {
				return strings.TrimSpace(pref.Address)
			}
		}
		return ""
	}

	for _, pref := range rcpt.EffectiveChannels(severity, o.now()) {
		if domain.NormalizeChannel(pref.Channel.String()) == target && strings.TrimSpace(pref.Address) != "" {
			return strings.TrimSpace(pref.Address)
		}
	}
	return ""
}

// recordImmediateFailure leaves an audit row for deliveries that never
// reached a provider. The row is born failed; it was never in flight, so
// it does not pass through the state machine.
func (o *Orchestrator) recordImmediateFailure(ctx context.Context, routed *domain.Notification, ch domain.Channel, rcpt domain.Recipient, reason string) {
	attempt := &domain.DeliveryAttempt{
		NotificationID: routed.ID,
		Channel:        ch,
		RecipientID:    rcpt.ID,
		Status:         domain.AttemptFailed,
		Error:          &reason,
	}
	if err := o.tracker.TrackAttempt(ctx, attempt); err != nil {
		o.logger.Error("failed to record delivery failure",
			zap.String("notificationId", routed.ID),
			zap.String("channel", ch.String()),
			zap.Error(err),
		)
	}
}

// backoffDelay grows exponentially with the attempt number, caps at the
// policy maximum, then stretches by up to the configured jitter fraction.
func (o *Orchestrator) backoffDelay(retry domain.RetryPolicy, attemptNo int) time.Duration {
	base := float64(retry.InitialDelay) * math.Pow(retry.BackoffMultiplier, float64(attemptNo-1))
	if capped := float64(retry.MaxDelay); base > capped {
		base = capped
	}
	jittered := base * (1 + retry.Jitter*o.randFloat())
	return time.Duration(jittered)
}
