package database

import (
	"context"
	"time"

	"ipguard/internal/domain"
)

// Store exposes the package-level datastore functions as a value so
// components can depend on narrow interfaces instead of the global DB.
type Store struct{}

func (Store) FindBlockedIP(ctx context.Context, ip string) (bool, error) {
	return FindBlockedIP(ctx, ip)
}

func (Store) BlockIP(ctx context.Context, ip, reason string) (domain.BlockedIP, error) {
	return BlockIP(ctx, ip, reason)
}

func (Store) UnblockIP(ctx context.Context, ip string) (bool, error) {
	return UnblockIP(ctx, ip)
}

func (Store) ListBlockedIPs(ctx context.Context) ([]domain.BlockedIP, error) {
	return ListBlockedIPs(ctx)
}

func (Store) InsertRequestRecord(ctx context.Context, record domain.RequestRecord) error {
	return InsertRequestRecord(ctx, record)
}

func (Store) QueryRequestsSince(ctx context.Context, since time.Time) ([]domain.RequestRecord, error) {
	return QueryRequestsSince(ctx, since)
}

func (Store) UpsertSuspiciousIfAbsent(ctx context.Context, ip, reason string, now time.Time) (bool, error) {
	return UpsertSuspiciousIfAbsent(ctx, ip, reason, now)
}

func (Store) DeleteSuspiciousWhere(ctx context.Context, olderThan time.Time, inactiveOnly bool) (int64, error) {
	return DeleteSuspiciousWhere(ctx, olderThan, inactiveOnly)
}

func (Store) DeactivateSuspiciousIP(ctx context.Context, ip string) (bool, error) {
	return DeactivateSuspiciousIP(ctx, ip)
}

func (Store) ListSuspiciousIPs(ctx context.Context, activeOnly bool) ([]domain.SuspiciousIP, error) {
	return ListSuspiciousIPs(ctx, activeOnly)
}

func (Store) CountRequestRecords(ctx context.Context) (int64, error) {
	return CountRequestRecords(ctx)
}

func (Store) BlockIPsIfAbsent(ctx context.Context, ips []string, reason string) (int64, error) {
	return BlockIPsIfAbsent(ctx, ips, reason)
}
