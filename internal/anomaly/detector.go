package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/config"
	"ipguard/internal/domain"
	"ipguard/internal/metrics"
)

type Heuristic string

const (
	HeuristicVolume    Heuristic = "volume"
	HeuristicSensitive Heuristic = "sensitive_paths"
	HeuristicRapid     Heuristic = "rapid"
)

var heuristicOrder = []Heuristic{HeuristicVolume, HeuristicSensitive, HeuristicRapid}

type Store interface {
	QueryRequestsSince(ctx context.Context, since time.Time) ([]domain.RequestRecord, error)
	UpsertSuspiciousIfAbsent(ctx context.Context, ip, reason string, now time.Time) (bool, error)
}

// Settings holds the detection thresholds. A heuristic fires when its count is
// strictly greater than its threshold.
type Settings struct {
	Window             time.Duration
	VolumeThreshold    int
	SensitiveThreshold int
	RapidThreshold     int
	SensitivePaths     []string
}

func DefaultSettings() Settings {
	return Settings{
		Window:             time.Hour,
		VolumeThreshold:    100,
		SensitiveThreshold: 5,
		RapidThreshold:     50,
		SensitivePaths:     []string{"/admin", "/login", "/admin/", "/login/"},
	}
}

// SettingsFromConfig reads the live detection settings.
func SettingsFromConfig() Settings {
	cfg := config.GetConfig().Detection
	s := DefaultSettings()
	s.Window = config.GetDetectionWindow()
	if cfg.VolumeThreshold > 0 {
		s.VolumeThreshold = cfg.VolumeThreshold
	}
	if cfg.SensitiveThreshold > 0 {
		s.SensitiveThreshold = cfg.SensitiveThreshold
	}
	if cfg.RapidThreshold > 0 {
		s.RapidThreshold = cfg.RapidThreshold
	}
	if paths := config.NormalizeSensitivePaths(cfg.SensitivePaths); len(paths) > 0 {
		s.SensitivePaths = paths
	}
	return s
}

type HeuristicCount struct {
	Flagged int `json:"flagged"`
	Created int `json:"created"`
}

// Report summarises one sweep. Flagged counts an IP once per heuristic that
// fired for it, so an IP matching several heuristics is counted several
// times. Created is the number of suspicious entries actually inserted.
type Report struct {
	WindowStart time.Time                    `json:"window_start"`
	Scanned     int                          `json:"scanned"`
	Flagged     int                          `json:"flagged"`
	Created     int                          `json:"created"`
	ByHeuristic map[Heuristic]HeuristicCount `json:"by_heuristic"`
}

func (r Report) String() string {
	return fmt.Sprintf("Anomaly detection completed. Found %d suspicious IPs", r.Flagged)
}

type Detector struct {
	store    Store
	settings func() Settings
}

type Option func(*Detector)

func WithSettings(s Settings) Option {
	return func(d *Detector) {
		d.settings = func() Settings { return s }
	}
}

func WithSettingsSource(source func() Settings) Option {
	return func(d *Detector) {
		if source != nil {
			d.settings = source
		}
	}
}

func NewDetector(store Store, opts ...Option) *Detector {
	d := &Detector{store: store, settings: DefaultSettings}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type ipStats struct {
	total     int
	sensitive int
}

// Sweep scans the request records of the trailing window ending at now and
// promotes offending IPs to suspicious. Every heuristic is evaluated for
// every IP. A failed promotion does not stop the sweep; all failures are
// returned joined.
func (d *Detector) Sweep(ctx context.Context, now time.Time) (Report, error) {
	settings := d.settings()
	if settings.Window <= 0 {
		settings.Window = time.Hour
	}

	windowStart := now.Add(-settings.Window)
	report := Report{
		WindowStart: windowStart,
		ByHeuristic: make(map[Heuristic]HeuristicCount, len(heuristicOrder)),
	}

	records, err := d.store.QueryRequestsSince(ctx, windowStart)
	if err != nil {
		return report, fmt.Errorf("anomaly: query requests: %w", err)
	}
	report.Scanned = len(records)

	sensitive := config.SensitivePathSet(settings.SensitivePaths)
	stats := make(map[string]*ipStats)
	for _, record := range records {
		if record.IP == "" {
			continue
		}
		s, ok := stats[record.IP]
		if !ok {
			s = &ipStats{}
			stats[record.IP] = s
		}
		s.total++
		if _, hit := sensitive[record.Path]; hit {
			s.sensitive++
		}
	}

	ips := make([]string, 0, len(stats))
	for ip := range stats {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	period := windowPhrase(settings.Window)
	var errs []error

	for _, h := range heuristicOrder {
		counts := report.ByHeuristic[h]
		for _, ip := range ips {
			reason, fired := evaluate(h, stats[ip], settings, period)
			if !fired {
				continue
			}

			counts.Flagged++
			report.Flagged++

			created, err := d.store.UpsertSuspiciousIfAbsent(ctx, ip, reason, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("anomaly: promote %s: %w", ip, err))
				continue
			}
			if created {
				counts.Created++
				report.Created++
				log.Info("IP flagged as suspicious", "ip", ip, "heuristic", h, "reason", reason)
			}
		}
		report.ByHeuristic[h] = counts

		metrics.AnomalyFlagged.WithLabelValues(string(h)).Add(float64(counts.Flagged))
		metrics.AnomalyCreated.WithLabelValues(string(h)).Add(float64(counts.Created))
	}

	return report, errors.Join(errs...)
}

func evaluate(h Heuristic, s *ipStats, settings Settings, period string) (string, bool) {
	switch h {
	case HeuristicVolume:
		if s.total > settings.VolumeThreshold {
			return fmt.Sprintf("High volume: %d requests in %s", s.total, period), true
		}
	case HeuristicSensitive:
		if s.sensitive > settings.SensitiveThreshold {
			return fmt.Sprintf("Sensitive path access: %d attempts to sensitive endpoints", s.sensitive), true
		}
	case HeuristicRapid:
		if s.total > settings.RapidThreshold {
			return fmt.Sprintf("Rapid requests: %d requests in %s", s.total, period), true
		}
	}
	return "", false
}

func windowPhrase(window time.Duration) string {
	switch window {
	case time.Hour:
		return "the last hour"
	case time.Minute:
		return "the last minute"
	case 24 * time.Hour:
		return "the last day"
	default:
		return "the last " + window.String()
	}
}
