package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// OrderSource is the slice of domain.OrderStore the archiver reads.
type OrderSource interface {
	ListTerminalSince(ctx context.Context, since time.Time, afterID string, limit int) ([]domain.Order, error)
	ListLogs(ctx context.Context, orderID string) ([]domain.ExecutionLog, error)
}

// ObjectChecker reports whether a key is already stored.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiverConfig tunes an Archiver.
type ArchiverConfig struct {
	Prefix    string
	Interval  time.Duration
	BatchSize int
	// SettleLag holds back orders updated more recently than this, so rows
	// from transactions that commit out of timestamp order are not passed by
	// the cursor.
	SettleLag time.Duration
}

// Archiver periodically exports confirmed and failed orders, with their
// execution logs, as JSONL objects. Records are never deleted from the
// store.
type Archiver struct {
	orders  OrderSource
	writer  domain.BlobWriter
	checker ObjectChecker
	cfg     ArchiverConfig
	logger  *slog.Logger

	now func() time.Time

	// (since, afterID) is the position of the last exported order; the next
	// export starts strictly after it in (UpdatedAt, ID) order.
	since   time.Time
	afterID string
}

// NewArchiver creates an Archiver. checker may be nil, in which case every
// batch is uploaded.
func NewArchiver(orders OrderSource, writer domain.BlobWriter, checker ObjectChecker, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "orders"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Archiver{
		orders:  orders,
		writer:  writer,
		checker: checker,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,
	}
}

// Run exports once immediately and then on every interval until ctx ends.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started",
		slog.String("prefix", a.cfg.Prefix),
		slog.Duration("interval", a.cfg.Interval),
	)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if n, err := a.ArchiveOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error("archive pass failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Info("archive pass complete", slog.Int("orders", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ArchiveOnce drains every settled terminal order past the cursor and
// returns how many were written.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := a.orders.ListTerminalSince(ctx, a.since, a.afterID, a.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		full := len(batch) == a.cfg.BatchSize
		if settled := a.settled(batch); settled < len(batch) {
			batch, full = batch[:settled], false
		}
		if len(batch) == 0 {
			return total, nil
		}

		if err := a.exportBatch(ctx, batch); err != nil {
			return total, err
		}
		total += len(batch)
		last := batch[len(batch)-1]
		a.since, a.afterID = last.UpdatedAt, last.ID

		if !full {
			return total, nil
		}
	}
}

// settled returns how many leading orders of batch are older than the
// settle lag.
func (a *Archiver) settled(batch []domain.Order) int {
	if a.cfg.SettleLag <= 0 {
		return len(batch)
	}
	cutoff := a.now().Add(-a.cfg.SettleLag)
	for i, o := range batch {
		if o.UpdatedAt.After(cutoff) {
			return i
		}
	}
	return len(batch)
}

func (a *Archiver) exportBatch(ctx context.Context, batch []domain.Order) error {
	last := batch[len(batch)-1]
	key := batchKey(a.cfg.Prefix, batch[0].UpdatedAt, last.UpdatedAt, last.ID)

	if a.checker != nil {
		exists, err := a.checker.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			a.logger.Debug("batch already archived", slog.String("key", key))
			return nil
		}
	}

	records := make([]domain.OrderWithLogs, 0, len(batch))
	for _, o := range batch {
		logs, err := a.orders.ListLogs(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("s3blob: archive logs %s: %w", o.ID, err)
		}
		records = append(records, domain.OrderWithLogs{Order: o, Logs: logs})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}
	a.logger.Debug("batch archived", slog.String("key", key), slog.Int("orders", len(records)))
	return nil
}

// batchKey partitions by the UTC day of the first order and ends with the id
// of the last one, so batches sharing a timestamp get distinct keys:
//
//	orders/2025/01/31/1738281600000000000-1738285200000000000-<id>.jsonl
func batchKey(prefix string, first, last time.Time, lastID string) string {
	first = first.UTC()
	return path.Join(prefix, first.Format("2006/01/02"),
		fmt.Sprintf("%d-%d-%s.jsonl", first.UnixNano(), last.UTC().UnixNano(), lastID))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
