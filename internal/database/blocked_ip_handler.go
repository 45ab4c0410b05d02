package database

import (
	"context"
	"errors"
	"time"

	"ipguard/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func dbWithContext(ctx context.Context) (*gorm.DB, error) {
	if DB == nil {
		return nil, ErrNotInitialised
	}
	if ctx == nil {
		return DB, nil
	}
	return DB.WithContext(ctx), nil
}

// FindBlockedIP reports whether ip is on the block list. The lookup is a
// point query on the unique ip index.
func FindBlockedIP(ctx context.Context, ip string) (bool, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return false, err
	}

	var ids []uint64
	if err := db.Model(&domain.BlockedIP{}).
		Where("ip = ?", ip).
		Limit(1).
		Pluck("id", &ids).Error; err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// BlockIP inserts ip into the block list or refreshes the reason of an
// existing entry.
func BlockIP(ctx context.Context, ip, reason string) (domain.BlockedIP, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return domain.BlockedIP{}, err
	}

	entry := domain.BlockedIP{
		IP:        ip,
		Reason:    reason,
		BlockedAt: time.Now().UTC(),
	}

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason"}),
	}).Create(&entry).Error
	if err != nil {
		return domain.BlockedIP{}, err
	}

	var stored domain.BlockedIP
	if err := db.Where("ip = ?", ip).First(&stored).Error; err != nil {
		return domain.BlockedIP{}, err
	}
	return stored, nil
}

// UnblockIP removes ip from the block list and reports whether a row existed.
func UnblockIP(ctx context.Context, ip string) (bool, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return false, err
	}

	result := db.Where("ip = ?", ip).Delete(&domain.BlockedIP{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func ListBlockedIPs(ctx context.Context) ([]domain.BlockedIP, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var entries []domain.BlockedIP
	if err := db.Order("blocked_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

const blockInsertBatchSize = 500

// BlockIPsIfAbsent inserts every ip that is not on the block list yet.
// Existing entries keep their reason. It returns the number of new entries.
func BlockIPsIfAbsent(ctx context.Context, ips []string, reason string) (int64, error) {
	if len(ips) == 0 {
		return 0, nil
	}

	db, err := dbWithContext(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	entries := make([]domain.BlockedIP, 0, len(ips))
	for _, ip := range ips {
		entries = append(entries, domain.BlockedIP{IP: ip, Reason: reason, BlockedAt: now})
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoNothing: true,
	}).CreateInBatches(&entries, blockInsertBatchSize)
	return result.RowsAffected, result.Error
}
