package database

import (
	"context"
	"time"

	"ipguard/internal/domain"

	"gorm.io/gorm"
)

const requestRecordBatchSize = 500

// InsertRequestRecord appends a single request record. Timestamp defaults to
// the current UTC time when unset.
func InsertRequestRecord(ctx context.Context, record domain.RequestRecord) error {
	db, err := dbWithContext(ctx)
	if err != nil {
		return err
	}

	record.ID = 0
	record.Path = domain.TruncatePath(record.Path)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	} else {
		record.Timestamp = record.Timestamp.UTC()
	}

	return db.Create(&record).Error
}

// QueryRequestsSince returns every request record with timestamp >= since,
// read in batches to keep memory bounded on large windows.
func QueryRequestsSince(ctx context.Context, since time.Time) ([]domain.RequestRecord, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var (
		records []domain.RequestRecord
		batch   []domain.RequestRecord
	)
	result := db.Where("timestamp >= ?", since.UTC()).
		FindInBatches(&batch, requestRecordBatchSize, func(_ *gorm.DB, _ int) error {
			records = append(records, batch...)
			return nil
		})
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// CountRequestRecords is used by the status endpoint.
func CountRequestRecords(ctx context.Context) (int64, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.Model(&domain.RequestRecord{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
