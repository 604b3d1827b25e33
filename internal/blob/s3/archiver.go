package s3blob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// Archiver moves closed trades and signal audits past the retention window
// out of Postgres and into object storage. Rows are deleted only after the
// archive object is written, so a failed upload leaves the data in place for
// the next run.
type Archiver struct {
	writer    domain.BlobWriter
	trades    domain.TradeStore
	audits    domain.SignalAuditStore
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver with the given retention window.
func NewArchiver(writer domain.BlobWriter, trades domain.TradeStore, audits domain.SignalAuditStore, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		trades:    trades,
		audits:    audits,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Archive performs one archival pass. Trades and audits fail independently
// so a broken audit table does not block trade archival.
func (a *Archiver) Archive(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.retention)

	var firstErr error
	if err := a.archiveTrades(ctx, cutoff); err != nil {
		a.logger.Error("trade archival failed", slog.Any("error", err))
		firstErr = err
	}
	if err := a.archiveAudits(ctx, cutoff); err != nil {
		a.logger.Error("audit archival failed", slog.Any("error", err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Archiver) archiveTrades(ctx context.Context, cutoff time.Time) error {
	trades, err := a.trades.ListClosedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: list closed trades: %w", err)
	}
	if len(trades) == 0 {
		a.logger.Debug("no trades past retention", slog.Time("cutoff", cutoff))
		return nil
	}

	body, err := json.Marshal(trades)
	if err != nil {
		return fmt.Errorf("s3blob: marshal trades: %w", err)
	}

	key := archiveKey("trades", cutoff)
	if err := a.writer.Put(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("s3blob: upload trade archive: %w", err)
	}

	deleted, err := a.trades.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: delete archived trades: %w", err)
	}

	a.logger.Info("archived trades",
		slog.String("key", key),
		slog.Int("archived", len(trades)),
		slog.Int64("deleted", deleted))
	return nil
}

func (a *Archiver) archiveAudits(ctx context.Context, cutoff time.Time) error {
	audits, err := a.audits.ListBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: list signal audits: %w", err)
	}
	if len(audits) == 0 {
		a.logger.Debug("no audits past retention", slog.Time("cutoff", cutoff))
		return nil
	}

	body, err := json.Marshal(audits)
	if err != nil {
		return fmt.Errorf("s3blob: marshal audits: %w", err)
	}

	key := archiveKey("audits", cutoff)
	if err := a.writer.Put(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("s3blob: upload audit archive: %w", err)
	}

	deleted, err := a.audits.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: delete archived audits: %w", err)
	}

	a.logger.Info("archived signal audits",
		slog.String("key", key),
		slog.Int("archived", len(audits)),
		slog.Int64("deleted", deleted))
	return nil
}

// archiveKey builds a key like "archive/trades/2026-08-26T000000.json". The
// cutoff timestamp keeps successive runs from overwriting each other.
func archiveKey(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s.json", kind, cutoff.Format("2006-01-02T150405"))
}
