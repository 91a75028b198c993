package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// recordQueueSize bounds the async append queue. Records are dropped with a
// warning when the queue is full so the request path never blocks on the
// ledger.
const recordQueueSize = 256

// Service is the append-only cost and outcome ledger. Records are queued and
// written by a background drainer so the orchestrator's completion path does
// not wait on storage.
type Service struct {
	db      *sql.DB
	tracker *Tracker
	logger  *slog.Logger

	records  chan *models.RequestRun
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a ledger service writing to db and feeding tracker.
func NewService(db *sql.DB, tracker *Tracker, logger *slog.Logger) *Service {
	return &Service{
		db:      db,
		tracker: tracker,
		logger:  logger.With("component", "ledger"),
		records: make(chan *models.RequestRun, recordQueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background drainer.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.drain()
}

// Stop flushes queued records and stops the drainer.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Record queues a finished run for persistence and updates the per-tier
// tracker immediately. Never blocks.
func (s *Service) Record(run *models.RequestRun) {
	for _, attempt := range run.Attempts {
		s.tracker.RecordAttempt(attempt.Tier, attempt.Error == "")
	}

	select {
	case s.records <- run:
	default:
		s.logger.Warn("ledger queue full, dropping record", "run_id", run.RunID)
	}
}

func (s *Service) drain() {
	defer s.wg.Done()
	for {
		select {
		case run := <-s.records:
			s.persist(run)
		case <-s.stopCh:
			// Flush whatever is still queued.
			for {
				select {
				case run := <-s.records:
					s.persist(run)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) persist(run *models.RequestRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.insertRun(ctx, run); err != nil {
		s.logger.Error("failed to persist run", "run_id", run.RunID, "error", err)
	}
}

func (s *Service) insertRun(ctx context.Context, run *models.RequestRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chain := make([]string, len(run.ModelDecision.Chain))
	for i, tier := range run.ModelDecision.Chain {
		chain[i] = string(tier)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO request_runs (run_id, conversation_id, agent, confidence, forced,
			fallback_from, primary_tier, chain, outcome, warning, total_cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.RunID, run.ConversationID, run.Classification.Agent, run.Classification.Confidence,
		run.Classification.Forced, run.Classification.FallbackFrom,
		run.ModelDecision.PrimaryTier, strings.Join(chain, ","),
		run.Outcome, run.Warning, run.TotalCost, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, attempt := range run.Attempts {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attempts (run_id, tier, started_at, ended_at, tokens_in, tokens_out, error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			run.RunID, attempt.Tier, attempt.StartedAt, attempt.EndedAt,
			attempt.TokensIn, attempt.TokensOut, attempt.Error)
		if err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// OwnerCost is the aggregated spend of one owner over a window.
type OwnerCost struct {
	OwnerID   string  `json:"owner_id"`
	TotalCost float64 `json:"total_cost"`
	RunCount  int     `json:"run_count"`
}

// CostForOwner sums spend across an owner's conversations since the cutoff.
func (s *Service) CostForOwner(ctx context.Context, ownerID string, since time.Time) (*OwnerCost, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(r.total_cost), 0), COUNT(*)
		 FROM request_runs r
		 JOIN conversations c ON c.id = r.conversation_id
		 WHERE c.owner_id = $1 AND r.created_at >= $2`,
		ownerID, since)

	cost := &OwnerCost{OwnerID: ownerID}
	if err := row.Scan(&cost.TotalCost, &cost.RunCount); err != nil {
		return nil, fmt.Errorf("failed to aggregate owner cost: %w", err)
	}
	return cost, nil
}

// TierStats is the stored failure rate of one tier over a window.
type TierStats struct {
	Tier        models.Tier `json:"tier"`
	Attempts    int         `json:"attempts"`
	Failures    int         `json:"failures"`
	FailureRate float64     `json:"failure_rate"`
}

// TierFailureRates aggregates per-tier attempt failures since the cutoff.
func (s *Service) TierFailureRates(ctx context.Context, since time.Time) ([]TierStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, COUNT(*), COUNT(*) FILTER (WHERE error <> '')
		 FROM attempts WHERE started_at >= $1 GROUP BY tier ORDER BY tier`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tier failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []TierStats
	for rows.Next() {
		var ts TierStats
		if err := rows.Scan(&ts.Tier, &ts.Attempts, &ts.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan tier stats: %w", err)
		}
		if ts.Attempts > 0 {
			ts.FailureRate = float64(ts.Failures) / float64(ts.Attempts)
		}
		stats = append(stats, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tier stats: %w", err)
	}
	return stats, nil
}

// AgentLatency is the latency distribution of successful runs for one agent.
type AgentLatency struct {
	Agent models.AgentType `json:"agent"`
	Runs  int              `json:"runs"`
	P50Ms float64          `json:"p50_ms"`
	P95Ms float64          `json:"p95_ms"`
}

// AgentLatencies aggregates per-agent run latency percentiles since the
// cutoff. Latency spans the first attempt start to the last attempt end.
func (s *Service) AgentLatencies(ctx context.Context, since time.Time) ([]AgentLatency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.agent, COUNT(*),
			PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY spans.ms),
			PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY spans.ms)
		 FROM request_runs r
		 JOIN (
			SELECT run_id,
				EXTRACT(EPOCH FROM (MAX(ended_at) - MIN(started_at))) * 1000 AS ms
			FROM attempts GROUP BY run_id
		 ) spans ON spans.run_id = r.run_id
		 WHERE r.created_at >= $1 AND r.outcome = 'ok'
		 GROUP BY r.agent ORDER BY r.agent`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate agent latencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var latencies []AgentLatency
	for rows.Next() {
		var al AgentLatency
		if err := rows.Scan(&al.Agent, &al.Runs, &al.P50Ms, &al.P95Ms); err != nil {
			return nil, fmt.Errorf("failed to scan agent latency: %w", err)
		}
		latencies = append(latencies, al)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent latencies: %w", err)
	}
	return latencies, nil
}
