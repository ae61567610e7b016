package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// LedgerArchiver copies terminal trade attempts to object storage as JSONL.
// It never deletes from the ledger.
type LedgerArchiver struct {
	writer domain.BlobWriter
	ledger domain.LedgerStore
	now    func() time.Time
	logger *slog.Logger
}

// NewArchiver creates a LedgerArchiver.
func NewArchiver(writer domain.BlobWriter, ledger domain.LedgerStore, logger *slog.Logger) *LedgerArchiver {
	return &LedgerArchiver{
		writer: writer,
		ledger: ledger,
		now:    time.Now,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// archiveRecord is one JSONL line: the attempt with its transition history.
type archiveRecord struct {
	domain.TradeAttempt
	History []domain.Transition `json:"history"`
}

// ArchiveAttempts uploads every terminal attempt updated since the cutoff
// and returns how many were written.
func (a *LedgerArchiver) ArchiveAttempts(ctx context.Context, since time.Time) (int64, error) {
	attempts, err := a.ledger.List(ctx, domain.LedgerFilter{UpdatedSince: since})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}

	records := make([]archiveRecord, 0, len(attempts))
	for _, at := range attempts {
		if !at.State.Terminal() {
			continue
		}
		hist, err := a.ledger.History(ctx, at.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive history %s: %w", at.ID, err)
		}
		records = append(records, archiveRecord{TradeAttempt: at, History: hist})
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	path := archivePath(a.now())
	if int64(len(buf)) >= MinPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), MinPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return int64(len(records)), nil
}

// Run archives on every interval tick, each run covering what changed since
// the previous successful one.
func (a *LedgerArchiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	since := a.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := a.now()
			n, err := a.ArchiveAttempts(ctx, since)
			if err != nil {
				a.logger.Error("archive failed", slog.String("error", err.Error()))
				continue
			}
			since = cutoff
			if n > 0 {
				a.logger.Info("archived attempts", slog.Int64("count", n))
			}
		}
	}
}

// archivePath partitions archives by day:
//
//	ledger/2024/05/01/attempts-1714564800.jsonl
func archivePath(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("ledger/%s/attempts-%d.jsonl", at.Format("2006/01/02"), at.Unix())
}

// marshalJSONL encodes records as newline-delimited JSON.
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

var _ domain.Archiver = (*LedgerArchiver)(nil)
