package inbound

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7inbound/internal/platform/blobstore"
)

// ExportStore is the part of Store the exporter needs.
type ExportStore interface {
	ListArchivesForExport(ctx context.Context, limit int) ([]*ArchiveEntry, error)
	MarkArchiveExported(ctx context.Context, id uuid.UUID, uri string) error
}

// ExportResult totals one export run.
type ExportResult struct {
	Exported int `json:"exported"`
	Failed   int `json:"failed"`
}

// ArchiveExporter moves archived payloads into blob storage and leaves the
// blob URI in their place.
type ArchiveExporter struct {
	store   ExportStore
	blobs   blobstore.BlobStore
	logger  zerolog.Logger
	metrics *Metrics
}

func NewArchiveExporter(store ExportStore, blobs blobstore.BlobStore, logger zerolog.Logger, m *Metrics) *ArchiveExporter {
	return &ArchiveExporter{
		store:   store,
		blobs:   blobs,
		logger:  logger.With().Str("component", "hl7-archive-export").Logger(),
		metrics: m,
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExportKey is the blob key for a: YYYY/MM/DD/<id>[_<sourceKey>].txt,
// dated by archive time in UTC.
func ExportKey(a *ArchiveEntry) string {
	name := a.ID.String()
	if k := strings.Trim(unsafeKeyChars.ReplaceAllString(a.SourceKey, "_"), "._"); k != "" {
		name += "_" + k
	}
	return a.ArchivedAt.UTC().Format("2006/01/02") + "/" + name + ".txt"
}

// Export moves up to batch archive entries. A failed entry is counted and
// left in place; only a failure to list the archive is returned.
func (x *ArchiveExporter) Export(ctx context.Context, batch int) (ExportResult, error) {
	var res ExportResult
	entries, err := x.store.ListArchivesForExport(ctx, batch)
	if err != nil {
		x.metrics.storeError()
		return res, fmt.Errorf("list archives for export: %w", err)
	}

	for _, a := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		key := ExportKey(a)
		info, err := x.blobs.Put(ctx, key, "application/hl7-v2", strings.NewReader(a.Data))
		if err != nil {
			x.logger.Error().Err(err).Str("archive_id", a.ID.String()).Str("key", key).Msg("failed to write archive blob")
			x.metrics.exported("failed")
			res.Failed++
			continue
		}
		if err := x.store.MarkArchiveExported(ctx, a.ID, info.URI); err != nil {
			x.logger.Error().Err(err).Str("archive_id", a.ID.String()).Msg("failed to mark archive exported")
			x.metrics.exported("failed")
			res.Failed++
			continue
		}
		x.metrics.exported("ok")
		res.Exported++
	}

	if res.Exported > 0 || res.Failed > 0 {
		x.logger.Info().Int("exported", res.Exported).Int("failed", res.Failed).Msg("archive export finished")
	}
	return res, nil
}
