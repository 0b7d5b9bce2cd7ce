package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/agent-guard/agentguard/internal/domain/audit"
	"github.com/agent-guard/agentguard/internal/storage"
)

// Auditor cadence and detection window.
const (
	auditorInterval = 5 * time.Second
	auditorWindow   = time.Minute
	blockThreshold  = 3
)

// AuditorService periodically scans recent audit rows for agents with an
// abnormal BLOCK rate and records anomalies. Detection windows are
// rolling, so the same burst of blocks would trip every cycle; a
// per-agent suppression key bounds that to one anomaly per minute.
type AuditorService struct {
	store    *storage.Store
	logger   *slog.Logger
	interval time.Duration
	window   time.Duration

	// seen maps xxhash(agent_id|window_bucket) to the bucket it was
	// recorded in, for pruning. Run is single-goroutine so no lock.
	seen map[uint64]time.Time

	// observe, when set, is called with the number of anomalies
	// persisted in a cycle.
	observe func(count int)
}

// SetAnomalyObserver installs a persistence hook, used for metrics.
// Must be called before Run.
func (s *AuditorService) SetAnomalyObserver(fn func(count int)) {
	s.observe = fn
}

// NewAuditorService creates the anomaly scanner with default cadence.
func NewAuditorService(store *storage.Store, logger *slog.Logger) *AuditorService {
	return &AuditorService{
		store:    store,
		logger:   logger,
		interval: auditorInterval,
		window:   auditorWindow,
		seen:     make(map[uint64]time.Time),
	}
}

// Run scans on a fixed cadence until the context is cancelled. Scan
// failures are logged and the loop continues; a failing database should
// not take the auditor down while the gate itself may recover.
func (s *AuditorService) Run(ctx context.Context) {
	s.logger.Info("auditor started", "interval", s.interval, "window", s.window, "block_threshold", blockThreshold)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("auditor stopped")
			return
		case <-ticker.C:
			if err := s.scanOnce(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("auditor scan failed", "error", err)
			}
		}
	}
}

// scanOnce performs one detection pass at the given instant.
func (s *AuditorService) scanOnce(ctx context.Context, now time.Time) error {
	cutoff := storage.FormatTime(now.Add(-s.window))
	counts, err := s.store.RecentBlocks(ctx, cutoff, blockThreshold)
	if err != nil {
		return fmt.Errorf("query recent blocks: %w", err)
	}

	bucket := now.Truncate(time.Minute)
	var anomalies []audit.Anomaly
	for _, c := range counts {
		key := suppressionKey(c.AgentID, bucket)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = bucket
		anomalies = append(anomalies, audit.Anomaly{
			AgentID:   c.AgentID,
			Detail:    map[string]any{"blocks_last_minute": c.Count},
			CreatedAt: storage.FormatTime(now),
		})
		s.logger.Warn("anomaly detected", "agent_id", c.AgentID, "blocks_last_minute", c.Count)
	}
	s.pruneSeen(bucket)

	if len(anomalies) == 0 {
		return nil
	}
	if err := s.store.InsertAnomalies(ctx, anomalies); err != nil {
		return fmt.Errorf("record anomalies: %w", err)
	}
	if s.observe != nil {
		s.observe(len(anomalies))
	}
	return nil
}

// pruneSeen drops suppression keys from buckets older than the previous
// minute; they can never match again.
func (s *AuditorService) pruneSeen(current time.Time) {
	horizon := current.Add(-2 * time.Minute)
	for key, bucket := range s.seen {
		if bucket.Before(horizon) {
			delete(s.seen, key)
		}
	}
}

func suppressionKey(agentID string, bucket time.Time) uint64 {
	return xxhash.Sum64String(agentID + "|" + bucket.Format(time.RFC3339))
}
