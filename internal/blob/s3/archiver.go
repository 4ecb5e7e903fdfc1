package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"arbridge/internal/domain"
)

// archiveBatchSize bounds how many records one archive pass exports.
const archiveBatchSize = 10_000

// Archiver exports settled records (closed positions, completed transfers)
// to JSONL objects in cold storage. Pruning the archived rows from the
// primary store is a separate explicit step, run only after the upload
// succeeded.
type Archiver struct {
	writer    *Writer
	reader    *Reader
	positions domain.PositionStore
	transfers domain.TransferStore
	audit     domain.AuditStore // optional
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(
	writer *Writer,
	reader *Reader,
	positions domain.PositionStore,
	transfers domain.TransferStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:    writer,
		reader:    reader,
		positions: positions,
		transfers: transfers,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// SetAuditStore enables audit logging of archive passes.
func (a *Archiver) SetAuditStore(audit domain.AuditStore) { a.audit = audit }

// ArchivePositions exports closed positions older than the cutoff to
// archive/positions/YYYY-MM.jsonl and returns the exported count.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	path := archivePath("positions", before)
	if err := a.upload(ctx, path, positions); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions: %w", err)
	}
	a.logArchived(ctx, "archive.positions", path, int64(len(positions)), before)
	return int64(len(positions)), nil
}

// ArchiveTransfers exports completed transfers older than the cutoff to
// archive/transfers/YYYY-MM.jsonl and returns the exported count.
func (a *Archiver) ArchiveTransfers(ctx context.Context, before time.Time) (int64, error) {
	transfers, err := a.transfers.ListCompletedBefore(ctx, before, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transfers query: %w", err)
	}
	if len(transfers) == 0 {
		return 0, nil
	}

	path := archivePath("transfers", before)
	if err := a.upload(ctx, path, transfers); err != nil {
		return 0, fmt.Errorf("s3blob: archive transfers: %w", err)
	}
	a.logArchived(ctx, "archive.transfers", path, int64(len(transfers)), before)
	return int64(len(transfers)), nil
}

// Prune deletes records older than the cutoff from the primary store. It
// refuses to delete anything until the archive objects for the cutoff month
// are confirmed present in the bucket.
func (a *Archiver) Prune(ctx context.Context, before time.Time) (positions, transfers int64, err error) {
	for _, kind := range []string{"positions", "transfers"} {
		path := archivePath(kind, before)
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, 0, fmt.Errorf("s3blob: verify archive %s: %w", path, err)
		}
		if !exists {
			return 0, 0, fmt.Errorf("s3blob: refusing to prune, archive object %s missing", path)
		}
	}

	positions, err = a.positions.DeleteClosedBefore(ctx, before)
	if err != nil {
		return 0, 0, fmt.Errorf("s3blob: prune positions: %w", err)
	}
	transfers, err = a.transfers.DeleteCompletedBefore(ctx, before)
	if err != nil {
		return positions, 0, fmt.Errorf("s3blob: prune transfers: %w", err)
	}
	a.logger.InfoContext(ctx, "pruned archived records",
		slog.Int64("positions", positions),
		slog.Int64("transfers", transfers),
	)
	return positions, transfers, nil
}

func (a *Archiver) upload(ctx context.Context, path string, records any) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := a.writer.PutArchive(ctx, path, buf); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func (a *Archiver) logArchived(ctx context.Context, event, path string, count int64, before time.Time) {
	a.logger.InfoContext(ctx, "archived records",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// archivePath builds the object key, partitioned by the cutoff year-month,
// e.g. archive/positions/2026-03.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice as newline-delimited JSON.
func marshalJSONL(records any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch recs := records.(type) {
	case []domain.Position:
		for i, r := range recs {
			if err := enc.Encode(r); err != nil {
				return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
			}
		}
	case []domain.Transfer:
		for i, r := range recs {
			if err := enc.Encode(r); err != nil {
				return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
			}
		}
	default:
		return nil, fmt.Errorf("jsonl: unsupported record type %T", records)
	}
	return buf.Bytes(), nil
}
