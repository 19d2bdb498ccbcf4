package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSLAThreshold is the latency under which a delivery counts as
// SLA-compliant unless configured otherwise.
const DefaultSLAThreshold = 5 * time.Second

// DeliveryStatus is the reconstructed view of one notification: the
// derived status plus the full newest-first history.
type DeliveryStatus struct {
	NotificationID  string                         `json:"notificationId"`
	Status          domain.NotificationStatus      `json:"status"`
	Attempts        []domain.DeliveryAttempt       `json:"attempts"`
	Receipts        []domain.DeliveryReceipt       `json:"receipts"`
	Acknowledgments []domain.AcknowledgmentReceipt `json:"acknowledgments"`
}

// GroupStats aggregates attempts for one channel or one severity.
type GroupStats struct {
	Total         int64         `json:"total"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	SuccessRate   float64       `json:"successRate"`
	AvgLatency    time.Duration `json:"avgLatency"`
	SLACompliance float64       `json:"slaCompliance"`
}

// TimePoint is one bucket of the statistics series.
type TimePoint struct {
	Bucket    time.Time `json:"bucket"`
	Total     int64     `json:"total"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
}

// Statistics is the read-only aggregate consumers poll.
type Statistics struct {
	From         time.Time                      `json:"from"`
	To           time.Time                      `json:"to"`
	SLAThreshold time.Duration                  `json:"slaThreshold"`
	Channels     map[domain.Channel]GroupStats  `json:"channels"`
	Severities   map[domain.Severity]GroupStats `json:"severities"`
	Series       []TimePoint                    `json:"series"`
}

// Tracker records every attempt, receipt, and acknowledgment and derives
// notification-level state. All writes are append-only or single-field
// status updates; history is never destroyed.
type Tracker struct {
	attempts     repository.AttemptRepository
	receipts     repository.ReceiptRepository
	acks         repository.AcknowledgmentRepository
	stats        repository.StatsRepository
	logger       *zap.Logger
	slaThreshold time.Duration
	now          func() time.Time
}

func New(
	attempts repository.AttemptRepository,
	receipts repository.ReceiptRepository,
	acks repository.AcknowledgmentRepository,
	stats repository.StatsRepository,
	slaThreshold time.Duration,
	logger *zap.Logger,
) (*Tracker, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if slaThreshold <= 0 {
		slaThreshold = DefaultSLAThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracker{
		attempts:     attempts,
		receipts:     receipts,
		acks:         acks,
		stats:        stats,
		logger:       logger,
		slaThreshold: slaThreshold,
		now:          time.Now,
	}, nil
}

// TrackAttempt opens a new attempt record. The repository allocates the
// attempt number under the parent notification's lock, which keeps numbers
// gapless when channels report concurrently.
func (t *Tracker) TrackAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("%w: attempt is nil", domain.ErrValidation)
	}
	if strings.TrimSpace(attempt.NotificationID) == "" {
		return fmt.Errorf("%w: attempt notification id is required", domain.ErrValidation)
	}
	if !attempt.Channel.IsValid() {
		return fmt.Errorf("%w: attempt channel is required", domain.ErrValidation)
	}

	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Status == "" {
		attempt.Status = domain.AttemptPending
	}
	now := t.now().UTC()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = now
	}
	attempt.UpdatedAt = now

	return t.attempts.Create(ctx, attempt)
}

// UpdateStatus moves one attempt through its state machine.
func (t *Tracker) UpdateStatus(ctx context.Context, attemptID string, status domain.AttemptStatus, update repository.AttemptUpdate) error {
	return t.attempts.UpdateStatus(ctx, attemptID, status, update)
}

// RecordReceipt stores an asynchronous provider confirmation and, when it
// reports delivery, promotes the underlying attempt from sent to
// delivered. A receipt racing a concurrent update loses quietly.
func (t *Tracker) RecordReceipt(ctx context.Context, receipt *domain.DeliveryReceipt) error {
	if receipt == nil {
		return fmt.Errorf("%w: receipt is nil", domain.ErrValidation)
	}
	if strings.TrimSpace(receipt.NotificationID) == "" || strings.TrimSpace(receipt.AttemptID) == "" {
		return fmt.Errorf("%w: receipt requires notification and attempt ids", domain.ErrValidation)
	}
	if !receipt.Status.IsValid() {
		return fmt.Errorf("%w: invalid receipt status %q", domain.ErrValidation, receipt.Status)
	}

	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = t.now().UTC()
	}

	if err := t.receipts.Create(ctx, receipt); err != nil {
		return err
	}

	if receipt.Status == domain.AttemptDelivered {
		err := t.attempts.UpdateStatus(ctx, receipt.AttemptID, domain.AttemptDelivered, repository.AttemptUpdate{})
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if errors.Is(err, domain.ErrConflict) {
			t.logger.Debug("receipt arrived for attempt no longer in sent state",
				zap.String("attemptId", receipt.AttemptID),
			)
		}
	}

	return nil
}

// RecordAcknowledgment stores a user acknowledgment. Replays of the same
// receipt id are absorbed; the returned flag reports whether a new row was
// written.
func (t *Tracker) RecordAcknowledgment(ctx context.Context, ack *domain.AcknowledgmentReceipt) (bool, error) {
	if ack == nil {
		return false, fmt.Errorf("%w: acknowledgment is nil", domain.ErrValidation)
	}
	if strings.TrimSpace(ack.NotificationID) == "" {
		return false, fmt.Errorf("%w: acknowledgment notification id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(ack.UserID) == "" {
		return false, fmt.Errorf("%w: acknowledging user is required", domain.ErrValidation)
	}

	if ack.ID == "" {
		ack.ID = uuid.NewString()
	}
	if ack.AcknowledgedAt.IsZero() {
		ack.AcknowledgedAt = t.now().UTC()
	}

	created, err := t.acks.Create(ctx, ack)
	if err != nil {
		return false, err
	}
	if !created {
		t.logger.Debug("duplicate acknowledgment ignored",
			zap.String("acknowledgmentId", ack.ID),
			zap.String("notificationId", ack.NotificationID),
		)
	}
	return created, nil
}

// GetStatus reconstructs the attempt/receipt/acknowledgment history,
// newest first, and derives the notification-level status.
func (t *Tracker) GetStatus(ctx context.Context, notificationID string) (*DeliveryStatus, error) {
	attempts, err := t.attempts.GetByNotificationID(ctx, notificationID)
	if err != nil {
		return nil, err
	}

	var receipts []domain.DeliveryReceipt
	if t.receipts != nil {
		receipts, err = t.receipts.GetByNotificationID(ctx, notificationID)
		if err != nil {
			return nil, err
		}
	}

	var acks []domain.AcknowledgmentReceipt
	if t.acks != nil {
		acks, err = t.acks.GetByNotificationID(ctx, notificationID)
		if err != nil {
			return nil, err
		}
	}

	return &DeliveryStatus{
		NotificationID:  notificationID,
		Status:          domain.DeriveNotificationStatus(attempts, len(acks) > 0),
		Attempts:        attempts,
		Receipts:        receipts,
		Acknowledgments: acks,
	}, nil
}

// GetStatistics aggregates per channel and per severity over the filter
// window plus a time-bucketed series.
func (t *Tracker) GetStatistics(ctx context.Context, filters repository.StatsFilters, bucket time.Duration) (*Statistics, error) {
	if t.stats == nil {
		return nil, fmt.Errorf("statistics repository is not configured")
	}

	rows, err := t.stats.Aggregate(ctx, filters, t.slaThreshold)
	if err != nil {
		return nil, err
	}
	buckets, err := t.stats.TimeBuckets(ctx, filters, bucket)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		From:         filters.From,
		To:           filters.To,
		SLAThreshold: t.slaThreshold,
		Channels:     make(map[domain.Channel]GroupStats),
		Severities:   make(map[domain.Severity]GroupStats),
	}

	for _, row := range rows {
		mergeGroup(stats.Channels, row.Channel, row)
		mergeGroup(stats.Severities, row.Severity, row)
	}
	finalizeGroups(stats.Channels)
	finalizeGroups(stats.Severities)

	stats.Series = make([]TimePoint, 0, len(buckets))
	for _, b := range buckets {
		stats.Series = append(stats.Series, TimePoint{
			Bucket:    b.Bucket,
			Total:     b.Total,
			Succeeded: b.Succeeded,
			Failed:    b.Failed,
		})
	}

	return stats, nil
}

func mergeGroup[K comparable](groups map[K]GroupStats, key K, row repository.StatsRow) {
	g := groups[key]
	// Weighted latency merge: rows arrive per (channel, severity) pair and
	// fold into both group maps.
	totalSucceeded := g.Succeeded + row.Succeeded
	if totalSucceeded > 0 {
		g.AvgLatency = time.Duration(
			(float64(g.AvgLatency)*float64(g.Succeeded) +
				row.AvgLatencyMillis*float64(time.Millisecond)*float64(row.Succeeded)) /
				float64(totalSucceeded))
	}
	g.Total += row.Total
	g.Succeeded += row.Succeeded
	g.Failed += row.Failed
	g.SLACompliance += float64(row.SLACompliant) // raw count until finalize
	groups[key] = g
}

func finalizeGroups[K comparable](groups map[K]GroupStats) {
	for key, g := range groups {
		if g.Total > 0 {
			g.SuccessRate = float64(g.Succeeded) / float64(g.Total)
		}
		if g.Succeeded > 0 {
			g.SLACompliance = g.SLACompliance / float64(g.Succeeded)
		} else {
			g.SLACompliance = 0
		}
		groups[key] = g
	}
}
