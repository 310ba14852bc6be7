package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ThreatArchive persists threat events to SQLite with bounded retention
// (age and count), backing the dashboard's history view. The archive is
// optional and always best-effort: an insert failure never touches the
// request path.
type ThreatArchive struct {
	db        *sqlx.DB
	maxEvents int
	maxAge    time.Duration
	logger    *zap.Logger
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS threats (
	id            TEXT PRIMARY KEY,
	created_at    TIMESTAMP NOT NULL,
	source        TEXT NOT NULL,
	threat_type   TEXT NOT NULL,
	severity      TEXT NOT NULL,
	anomaly_score REAL NOT NULL,
	confidence    REAL NOT NULL,
	action        TEXT NOT NULL,
	detail        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threats_created_at ON threats(created_at);
CREATE INDEX IF NOT EXISTS idx_threats_source ON threats(source);
`

type archiveRow struct {
	ID           string    `db:"id"`
	CreatedAt    time.Time `db:"created_at"`
	Source       string    `db:"source"`
	ThreatType   string    `db:"threat_type"`
	Severity     string    `db:"severity"`
	AnomalyScore float64   `db:"anomaly_score"`
	Confidence   float64   `db:"confidence"`
	Action       string    `db:"action"`
	Detail       string    `db:"detail"`
}

func NewThreatArchive(cfg ArchiveConfig, logger *zap.Logger) (*ThreatArchive, error) {
	db, err := sqlx.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open threat archive %s: %w", cfg.Path, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize threat archive schema: %w", err)
	}

	logger.Info("threat archive initialized",
		zap.String("path", cfg.Path),
		zap.Int("max_events", cfg.MaxEvents),
		zap.Duration("max_age", cfg.MaxAge))

	return &ThreatArchive{
		db:        db,
		maxEvents: cfg.MaxEvents,
		maxAge:    cfg.MaxAge,
		logger:    logger,
	}, nil
}

func (a *ThreatArchive) Insert(ctx context.Context, threat *ThreatEvent) error {
	detail, err := json.Marshal(threat.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal threat detail: %w", err)
	}
	row := archiveRow{
		ID:           threat.ID,
		CreatedAt:    threat.CreatedAt,
		Source:       threat.Event.Source,
		ThreatType:   threat.ThreatType,
		Severity:     threat.Severity.String(),
		AnomalyScore: threat.AnomalyScore,
		Confidence:   threat.Confidence,
		Action:       string(threat.Action),
		Detail:       string(detail),
	}
	_, err = a.db.NamedExecContext(ctx, `
		INSERT INTO threats (id, created_at, source, threat_type, severity, anomaly_score, confidence, action, detail)
		VALUES (:id, :created_at, :source, :threat_type, :severity, :anomaly_score, :confidence, :action, :detail)`,
		row)
	if err != nil {
		return fmt.Errorf("failed to archive threat %s: %w", threat.ID, err)
	}
	return nil
}

// Recent returns the newest archived threats, capped at limit.
func (a *ThreatArchive) Recent(ctx context.Context, limit int) ([]ThreatEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []archiveRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, created_at, source, threat_type, severity, anomaly_score, confidence, action, detail
		FROM threats ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query threat archive: %w", err)
	}

	events := make([]ThreatEvent, 0, len(rows))
	for _, row := range rows {
		severity, err := ParseSeverity(row.Severity)
		if err != nil {
			severity = SeverityLow
		}
		event := ThreatEvent{
			ID:           row.ID,
			ThreatType:   row.ThreatType,
			Severity:     severity,
			AnomalyScore: row.AnomalyScore,
			Confidence:   row.Confidence,
			Action:       ResponseAction(row.Action),
			CreatedAt:    row.CreatedAt,
		}
		if err := json.Unmarshal([]byte(row.Detail), &event.Event); err != nil {
			a.logger.Warn("corrupt archived threat detail", zap.String("id", row.ID), zap.Error(err))
		}
		events = append(events, event)
	}
	return events, nil
}

// Prune enforces the retention bounds: rows older than maxAge go first,
// then the oldest rows beyond maxEvents.
func (a *ThreatArchive) Prune(ctx context.Context) error {
	if a.maxAge > 0 {
		cutoff := time.Now().Add(-a.maxAge)
		if _, err := a.db.ExecContext(ctx, `DELETE FROM threats WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("failed to prune aged threats: %w", err)
		}
	}
	if a.maxEvents > 0 {
		_, err := a.db.ExecContext(ctx, `
			DELETE FROM threats WHERE id NOT IN (
				SELECT id FROM threats ORDER BY created_at DESC LIMIT ?
			)`, a.maxEvents)
		if err != nil {
			return fmt.Errorf("failed to prune excess threats: %w", err)
		}
	}
	return nil
}

func (a *ThreatArchive) HealthCheck(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *ThreatArchive) Close() error {
	return a.db.Close()
}
