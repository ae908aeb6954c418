package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cryptonita/exitbot/internal/domain"
)

// positionArchive is the cold-storage record for one finished position: the
// final position state plus every fill that touched it.
type positionArchive struct {
	Position   domain.Position `json:"position"`
	Trades     []domain.Trade  `json:"trades"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// Archiver implements domain.PositionArchiver. Each terminal position becomes
// one JSON object under positions/YYYY/MM/{id}.json; the periodic trade
// export writes JSONL batches under trades/.
//
// Deleting archived rows from the primary store is not done here. The store's
// Archive handles the hot-to-archive table move; cold storage is additive.
type Archiver struct {
	writer domain.BlobWriter
	trades domain.TradeStore
}

// NewArchiver creates an Archiver on top of the given blob writer. The trade
// store may be nil when only per-position archival is wanted.
func NewArchiver(writer domain.BlobWriter, trades domain.TradeStore) *Archiver {
	return &Archiver{writer: writer, trades: trades}
}

// ArchivePosition uploads the position and its trades as one JSON document.
func (a *Archiver) ArchivePosition(ctx context.Context, pos domain.Position, trades []domain.Trade) error {
	record := positionArchive{
		Position:   pos,
		Trades:     trades,
		ArchivedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("s3blob: archive position %s: marshal: %w", pos.ID, err)
	}

	path := positionPath(pos)
	if err := a.writer.Put(ctx, path, bytes.NewReader(payload), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive position %s: %w", pos.ID, err)
	}
	return nil
}

// ExportTrades uploads all trades executed in [since, until) as JSONL at
// trades/YYYY-MM-DD.jsonl, keyed by the window end. It returns the number of
// exported records; an empty window uploads nothing.
func (a *Archiver) ExportTrades(ctx context.Context, since, until time.Time) (int64, error) {
	if a.trades == nil {
		return 0, nil
	}
	records, err := a.trades.ListRecent(ctx, domain.ListOpts{
		Limit: 100000,
		Since: &since,
		Until: &until,
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: export trades query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export trades marshal: %w", err)
	}

	path := fmt.Sprintf("trades/%s.jsonl", until.UTC().Format("2006-01-02"))
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0); err != nil {
		return 0, fmt.Errorf("s3blob: export trades upload: %w", err)
	}
	return int64(len(records)), nil
}

// positionPath partitions position archives by close month:
//
//	positions/2026/08/3f1c9b2e-....json
func positionPath(pos domain.Position) string {
	at := pos.UpdatedAt
	if pos.ClosedAt != nil {
		at = *pos.ClosedAt
	}
	return fmt.Sprintf("positions/%s/%s.json", at.UTC().Format("2006/01"), pos.ID)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("marshal record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.PositionArchiver = (*Archiver)(nil)
