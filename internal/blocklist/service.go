package blocklist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"ipguard/internal/domain"
	"ipguard/internal/support"
)

const (
	defaultReason = "Blocked by administrator"
	maxReasonLen  = 512
)

var (
	ErrInvalidIP = errors.New("invalid ip address")
	ErrNotFound  = errors.New("ip not found")
)

type Store interface {
	BlockIP(ctx context.Context, ip, reason string) (domain.BlockedIP, error)
	UnblockIP(ctx context.Context, ip string) (bool, error)
	ListBlockedIPs(ctx context.Context) ([]domain.BlockedIP, error)
	DeactivateSuspiciousIP(ctx context.Context, ip string) (bool, error)
	ListSuspiciousIPs(ctx context.Context, activeOnly bool) ([]domain.SuspiciousIP, error)
}

// Service implements the administrative operations on the block list and
// the suspicious list. Persistence errors are returned to the caller.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Block(ctx context.Context, rawIP, reason string) (domain.BlockedIP, error) {
	ip, err := normalize(rawIP)
	if err != nil {
		return domain.BlockedIP{}, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultReason
	}
	reason = domain.TruncateUTF8(reason, maxReasonLen)

	entry, err := s.store.BlockIP(ctx, ip, reason)
	if err != nil {
		return domain.BlockedIP{}, fmt.Errorf("block %s: %w", ip, err)
	}
	log.Info("IP blocked", "ip", ip, "reason", reason)
	return entry, nil
}

func (s *Service) Unblock(ctx context.Context, rawIP string) error {
	ip, err := normalize(rawIP)
	if err != nil {
		return err
	}

	removed, err := s.store.UnblockIP(ctx, ip)
	if err != nil {
		return fmt.Errorf("unblock %s: %w", ip, err)
	}
	if !removed {
		return ErrNotFound
	}
	log.Info("IP unblocked", "ip", ip)
	return nil
}

// Deactivate marks a suspicious entry inactive so the retention sweep can
// purge it once it is old enough.
func (s *Service) Deactivate(ctx context.Context, rawIP string) error {
	ip, err := normalize(rawIP)
	if err != nil {
		return err
	}

	found, err := s.store.DeactivateSuspiciousIP(ctx, ip)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", ip, err)
	}
	if !found {
		return ErrNotFound
	}
	log.Info("Suspicious IP deactivated", "ip", ip)
	return nil
}

func (s *Service) ListBlocked(ctx context.Context) ([]domain.BlockedIP, error) {
	return s.store.ListBlockedIPs(ctx)
}

func (s *Service) ListSuspicious(ctx context.Context, activeOnly bool) ([]domain.SuspiciousIP, error) {
	return s.store.ListSuspiciousIPs(ctx, activeOnly)
}

func normalize(raw string) (string, error) {
	ip := support.NormalizeIP(raw)
	if ip == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, raw)
	}
	return ip, nil
}
