package indexer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID         string `parquet:"name=id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PoolID     string `parquet:"name=pool_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Account    string `parquet:"name=account, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount     string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Attributes string `parquet:"name=attributes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	OccurredAt string `parquet:"name=occurred_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// ExportParquet writes every event matching f to a snappy-compressed parquet
// file at path and returns the number of rows written. f.Limit is ignored.
func (s *Store) ExportParquet(ctx context.Context, path string, f Filter) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("indexer: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written, err := s.writeRows(ctx, pw, f)
	if err != nil {
		pw.WriteStop()
		file.Close()
		return 0, err
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("indexer: close parquet file: %w", err)
	}
	s.logger.Info("exported bank events", "path", path, "rows", written)
	return written, nil
}

func (s *Store) writeRows(ctx context.Context, pw *writer.ParquetWriter, f Filter) (int, error) {
	rows, err := s.filtered(ctx, f).Order("occurred_at ASC, sequence ASC").Rows()
	if err != nil {
		return 0, fmt.Errorf("indexer: export query: %w", err)
	}
	defer rows.Close()
	written := 0
	for rows.Next() {
		var rec EventRecord
		if err := s.db.ScanRows(rows, &rec); err != nil {
			return 0, fmt.Errorf("indexer: export scan: %w", err)
		}
		row := &parquetRow{
			ID:         rec.ID.String(),
			Sequence:   int64(rec.Sequence),
			Type:       rec.Type,
			PoolID:     rec.PoolID,
			Account:    rec.Account,
			Amount:     rec.Amount,
			Attributes: rec.Attributes,
			OccurredAt: rec.OccurredAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			return 0, fmt.Errorf("indexer: parquet write: %w", err)
		}
		written++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("indexer: export rows: %w", err)
	}
	return written, nil
}
