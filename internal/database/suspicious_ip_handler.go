package database

import (
	"context"
	"time"

	"ipguard/internal/domain"

	"gorm.io/gorm/clause"
)

// UpsertSuspiciousIfAbsent creates an active suspicious entry for ip unless
// one already exists. An existing entry is left untouched, including its
// reason and active flag. created reports whether a row was inserted.
func UpsertSuspiciousIfAbsent(ctx context.Context, ip, reason string, now time.Time) (bool, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return false, err
	}

	if now.IsZero() {
		now = time.Now()
	}

	entry := domain.SuspiciousIP{
		IP:        ip,
		Reason:    reason,
		CreatedAt: now.UTC(),
		IsActive:  true,
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoNothing: true,
	}).Create(&entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeleteSuspiciousWhere removes suspicious entries created strictly before
// olderThan. With inactiveOnly set, active entries are kept regardless of age.
func DeleteSuspiciousWhere(ctx context.Context, olderThan time.Time, inactiveOnly bool) (int64, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return 0, err
	}

	query := db.Where("created_at < ?", olderThan.UTC())
	if inactiveOnly {
		query = query.Where("is_active = ?", false)
	}

	result := query.Delete(&domain.SuspiciousIP{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeactivateSuspiciousIP marks the entry for ip inactive so the retention
// sweep can eventually purge it. found is false when no entry exists.
func DeactivateSuspiciousIP(ctx context.Context, ip string) (bool, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return false, err
	}

	var entry domain.SuspiciousIP
	if err := db.Where("ip = ?", ip).First(&entry).Error; err != nil {
		if isRecordNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if err := db.Model(&domain.SuspiciousIP{}).
		Where("id = ?", entry.ID).
		Update("is_active", false).Error; err != nil {
		return false, err
	}
	return true, nil
}

// ListSuspiciousIPs returns suspicious entries, newest first. activeOnly
// filters out deactivated rows.
func ListSuspiciousIPs(ctx context.Context, activeOnly bool) ([]domain.SuspiciousIP, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&domain.SuspiciousIP{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var entries []domain.SuspiciousIP
	if err := query.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
