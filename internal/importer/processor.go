// Package importer parses uploaded tabular files and upserts their rows into
// the lookup records.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/metrics"
	"github.com/maneesh/labimport/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("labimport-importer")

// DefaultBatchSize is used when the processor is built with a non-positive size
const DefaultBatchSize = 1000

// Upserter writes one lookup record, reporting whether it was inserted
type Upserter interface {
	UpsertLookup(ctx context.Context, rec *models.LookupRecord) (inserted bool, err error)
}

// Checkpointer persists intermediate counters after every batch. Returning
// apperr.ErrJobCancelled or apperr.ErrJobNotFound stops the import.
type Checkpointer interface {
	Progress(ctx context.Context, jobID string, counts models.ImportResult) error
}

// Processor runs batched upserts over a Source
type Processor struct {
	store     Upserter
	batchSize int
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
}

// NewProcessor wires a Processor
func NewProcessor(store Upserter, batchSize int, log *zap.SugaredLogger, m *metrics.Metrics) *Processor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Processor{store: store, batchSize: batchSize, log: log, metrics: m}
}

// Process reads every row of src, resolving columns once from its header.
// total is the row count used for progress; 0 means unknown. progress
// receives percentages in the 10-90 range.
//
// Rows that fail to upsert are counted and skipped. A storage outage aborts
// with apperr.ErrJobExecution. A job cancelled or deleted meanwhile aborts
// with the checkpointer's apperr.ErrJobCancelled or apperr.ErrJobNotFound.
// In every case the returned counters cover the batches committed so far.
func (p *Processor) Process(ctx context.Context, jobID string, src Source, total int64, cp Checkpointer, progress func(int)) (*models.ImportResult, error) {
	ctx, span := tracer.Start(ctx, "importer.process")
	span.SetAttributes(attribute.String("job_id", jobID), attribute.Int64("total_rows", total))
	defer span.End()

	if progress == nil {
		progress = func(int) {}
	}
	log := p.log.With("jobID", jobID)

	mapping := Resolve(src.Header())
	if !mapping.Keyed() {
		log.Warnw("no uid or phone column found, every row will be skipped", "header", src.Header())
	}
	log.Infow("import columns resolved",
		"uid", mapping.UID, "phone", mapping.Phone, "name", mapping.Name, "address", mapping.Address,
		"totalRows", total, "batchSize", p.batchSize,
	)

	res := &models.ImportResult{TotalRows: total}
	progress(10)

	var consumed int64
	batch := make([][]string, 0, p.batchSize)
	for done := false; !done; {
		batch = batch[:0]
		for len(batch) < p.batchSize {
			row, err := src.Next()
			if errors.Is(err, io.EOF) {
				done = true
				break
			}
			if err != nil {
				span.RecordError(err)
				return res, fmt.Errorf("%w: %w", apperr.ErrJobExecution, err)
			}
			batch = append(batch, row)
		}
		if len(batch) == 0 {
			break
		}

		if err := p.upsertBatch(ctx, log, mapping, batch, consumed, res); err != nil {
			span.RecordError(err)
			return res, err
		}
		consumed += int64(len(batch))
		if total < consumed {
			res.TotalRows = consumed
		}

		if cp != nil {
			if err := cp.Progress(ctx, jobID, *res); err != nil {
				if errors.Is(err, apperr.ErrJobCancelled) || errors.Is(err, apperr.ErrJobNotFound) {
					log.Infow("import stopped", "consumedRows", consumed, "reason", err)
					return res, err
				}
				return res, fmt.Errorf("%w: failed to checkpoint: %w", apperr.ErrJobExecution, err)
			}
		}
		progress(10 + int(consumed*80/res.TotalRows))
	}

	res.TotalRows = consumed
	p.metrics.ImportRows("inserted", res.CreatedCount)
	p.metrics.ImportRows("updated", res.UpdatedCount)
	p.metrics.ImportRows("skipped", res.SkippedCount)
	p.metrics.ImportRows("error", res.ErrorCount)

	span.SetAttributes(
		attribute.Int64("created", res.CreatedCount),
		attribute.Int64("updated", res.UpdatedCount),
		attribute.Int64("errors", res.ErrorCount),
	)
	log.Infow("import finished",
		"totalRows", res.TotalRows,
		"created", res.CreatedCount,
		"updated", res.UpdatedCount,
		"skipped", res.SkippedCount,
		"errors", res.ErrorCount,
	)
	progress(90)
	return res, nil
}

// upsertBatch writes rows one by one so a bad row cannot take the batch down
func (p *Processor) upsertBatch(ctx context.Context, log *zap.SugaredLogger, mapping Mapping, batch [][]string, offset int64, res *models.ImportResult) error {
	for i, row := range batch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", apperr.ErrJobExecution, err)
		}

		rec, ok := mapping.Record(row)
		if !ok {
			res.SkippedCount++
			continue
		}

		inserted, err := p.store.UpsertLookup(ctx, rec)
		if err != nil {
			if apperr.IsUnavailable(err) {
				return fmt.Errorf("%w: storage unavailable: %w", apperr.ErrJobExecution, err)
			}
			res.ErrorCount++
			// +2 accounts for the header and 1-based numbering
			log.Warnw("row failed to import", "row", offset+int64(i)+2, "error", err)
			continue
		}
		if inserted {
			res.CreatedCount++
		} else {
			res.UpdatedCount++
		}
		res.ProcessedRows = res.CreatedCount + res.UpdatedCount
	}
	return nil
}
