package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"yield-pilot/internal/alerting"
	"yield-pilot/internal/config"
	"yield-pilot/internal/recon"
	"yield-pilot/internal/scheduler"
	"yield-pilot/internal/storage"
)

// Service orchestrates reconciliation cycles, persistence, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    *recon.Engine
	store     storage.CycleStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	channels []string
	alertsOn bool
	locker   storage.AdvisoryLocker
	lockKey  int64
}

// New constructs the reconciliation service.
func New(cfg *config.Config, sched *scheduler.Scheduler, engine *recon.Engine, store storage.CycleStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		engine:    engine,
		store:     store,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		channels:  cfg.Alerting.Channels,
		alertsOn:  cfg.Alerting.Enabled,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned reconciliation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket executes one reconciliation cycle for a scheduled bucket.
// The advisory lock guarantees the single-writer precondition when several
// agent instances share a database; without a database, deployments must
// exclude concurrent writers by other means (one authority key per record).
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	report, err := s.engine.RunCycle(ctx)
	report.Bucket = bucket

	s.persist(ctx, report)
	s.alert(ctx, report)

	return err
}

func (s *Service) persist(ctx context.Context, report recon.CycleReport) {
	if s.store == nil {
		return
	}
	record, err := toRecord(report)
	if err != nil {
		s.logger.Error().Err(err).Time("bucket", report.Bucket).Msg("failed to encode cycle record")
		return
	}
	if err := s.store.UpsertCycle(ctx, record); err != nil {
		s.logger.Error().Err(err).Time("bucket", report.Bucket).Msg("failed to upsert cycle record")
	}
}

func (s *Service) alert(ctx context.Context, report recon.CycleReport) {
	if !s.alertsOn || s.notifier == nil {
		return
	}

	var note alerting.Notification
	switch {
	case report.Err != nil && report.Outcome == recon.OutcomeFailed:
		note = alerting.Notification{
			Event:  alerting.EventCycleFailed,
			Stage:  string(report.Stage),
			Detail: report.Err.Error(),
		}
	case report.Outcome == recon.OutcomeSwitched && report.Err != nil:
		note = alerting.Notification{
			Event:  alerting.EventVerifyAnomaly,
			Stage:  string(report.Stage),
			TxHash: report.Receipt.TxHash,
			Detail: report.Anomaly,
		}
	case report.Outcome == recon.OutcomeSwitched:
		note = alerting.Notification{
			Event:        alerting.EventSwitchExecuted,
			Stage:        string(report.Stage),
			FromProtocol: report.Current.CurrentProtocolID,
			ToProtocol:   report.Decision.TargetID,
			ToName:       report.Decision.TargetName,
			DiffPct:      report.Decision.DiffPct,
			TargetAPYBps: report.Decision.TargetAPYBps,
			TxHash:       report.Receipt.TxHash,
			Detail:       report.Anomaly,
		}
	default:
		return
	}

	note.Bucket = report.Bucket
	note.Channels = s.channels

	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", report.Bucket).Msg("failed to dispatch alert")
	}
}

func toRecord(report recon.CycleReport) (storage.CycleRecord, error) {
	rates := make([]storage.ObservedRate, 0, len(report.Observations))
	for _, obs := range report.Observations {
		rates = append(rates, storage.ObservedRate{
			ProtocolID:   obs.ProtocolID,
			ProtocolName: obs.ProtocolName,
			APYPct:       obs.APYPercent.String(),
		})
	}
	ratesJSON, err := json.Marshal(rates)
	if err != nil {
		return storage.CycleRecord{}, fmt.Errorf("marshal observed rates: %w", err)
	}

	record := storage.CycleRecord{
		Bucket:          report.Bucket,
		Stage:           string(report.Stage),
		Outcome:         string(report.Outcome),
		CurrentProtocol: report.Current.CurrentProtocolID,
		CurrentAPYBps:   report.Current.CurrentAPYBps,
		TargetProtocol:  report.Decision.TargetID,
		TargetAPYBps:    report.Decision.TargetAPYBps,
		DiffPct:         report.Decision.DiffPct.String(),
		Rates:           ratesJSON,
		CreatedAt:       time.Now().UTC(),
	}

	if report.Receipt.TxHash != "" {
		tx := report.Receipt.TxHash
		record.TxHash = &tx
	}
	if report.Anomaly != "" {
		anomaly := report.Anomaly
		record.Anomaly = &anomaly
	}
	if report.Err != nil {
		msg := report.Err.Error()
		record.Error = &msg
	}

	return record, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
