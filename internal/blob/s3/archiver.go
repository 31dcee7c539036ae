package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/posledger/posledger/internal/domain"
)

// Narrow store interfaces required by the archiver. The Postgres stores
// satisfy these implicitly; the archiver never needs their write methods.

// PositionArchiveStore provides read access to closed positions for archival.
type PositionArchiveStore interface {
	// ListClosedBefore returns positions closed strictly before the cutoff.
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// EventArchiveStore provides read access to the processed-event journal for
// archival.
type EventArchiveStore interface {
	// ListProcessedBefore returns journal rows processed strictly before the
	// cutoff.
	ListProcessedBefore(ctx context.Context, before time.Time) ([]domain.ProcessedEvent, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for cold
// records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to run after the archive
// has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	events    EventArchiveStore
	audit     domain.AuditStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	positions PositionArchiveStore,
	events EventArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		events:    events,
		audit:     audit,
	}
}

// ArchivePositions uploads closed positions older than the cutoff to S3 at
// archive/positions/YYYY-MM.jsonl, records the archival in the audit log, and
// returns the record count.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// ArchiveEvents uploads processed-event journal rows older than the cutoff to
// S3 at archive/events/YYYY-MM.jsonl, records the archival in the audit log,
// and returns the record count.
func (a *ArchiveImpl) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListProcessedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	path := archivePath("events", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	count := int64(len(events))

	if err := a.audit.Log(ctx, "archive.events", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive events audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/positions/2025-01.jsonl
//	archive/events/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element is one compact JSON line.
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
