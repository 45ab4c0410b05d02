package blocklist

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipguard/internal/config"
	"ipguard/internal/domain"
	"ipguard/internal/metrics"
	"ipguard/internal/support"
)

const (
	maxFeedBytes       = 10 << 20
	feedReasonPrefix   = "Imported from "
	defaultFeedTimeout = 30 * time.Second
)

var (
	ErrNoFeedSources = errors.New("no block list feeds configured")

	ipv4Pattern = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)
)

type FeedStore interface {
	BlockIPsIfAbsent(ctx context.Context, ips []string, reason string) (int64, error)
}

// FeedOutcome summarises one import of all configured feeds.
type FeedOutcome struct {
	Sources int   `json:"sources"`
	Failed  int   `json:"failed"`
	Parsed  int   `json:"parsed"`
	Skipped int   `json:"skipped"`
	NewIPs  int64 `json:"new_ips"`
}

// FeedImporter adds the addresses published by remote block lists to the
// block list. Entries are only ever added; admins remove them as usual.
type FeedImporter struct {
	store   FeedStore
	client  *http.Client
	sources func() []string
	group   singleflight.Group
}

type FeedOption func(*FeedImporter)

func WithHTTPClient(client *http.Client) FeedOption {
	return func(f *FeedImporter) {
		if client != nil {
			f.client = client
		}
	}
}

func WithFeedSources(sources func() []string) FeedOption {
	return func(f *FeedImporter) {
		if sources != nil {
			f.sources = sources
		}
	}
}

func NewFeedImporter(store FeedStore, opts ...FeedOption) *FeedImporter {
	f := &FeedImporter{
		store:  store,
		client: &http.Client{Timeout: defaultFeedTimeout},
		sources: func() []string {
			return config.GetConfig().BlocklistFeeds.Sources
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Refresh imports every configured feed. Concurrent calls share one run.
// A feed that cannot be fetched is skipped; the import only fails when no
// feed could be read or the store rejects the entries.
func (f *FeedImporter) Refresh(ctx context.Context) (FeedOutcome, error) {
	result, err, _ := f.group.Do("refresh", func() (interface{}, error) {
		return f.refresh(ctx)
	})
	outcome, _ := result.(FeedOutcome)
	return outcome, err
}

func (f *FeedImporter) refresh(ctx context.Context) (FeedOutcome, error) {
	sources := dedupeSources(f.sources())
	outcome := FeedOutcome{Sources: len(sources)}
	if len(sources) == 0 {
		return outcome, ErrNoFeedSources
	}

	var errs []error
	for _, source := range sources {
		ips, skipped, err := f.fetch(ctx, source)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return outcome, err
			}
			outcome.Failed++
			metrics.FeedFetchFailures.Inc()
			log.Warn("Block list feed fetch failed", "source", source, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", source, err))
			continue
		}

		outcome.Parsed += len(ips)
		outcome.Skipped += skipped

		created, err := f.store.BlockIPsIfAbsent(ctx, ips, domain.TruncateUTF8(feedReasonPrefix+source, maxReasonLen))
		if err != nil {
			return outcome, fmt.Errorf("import %s: %w", source, err)
		}
		outcome.NewIPs += created
		metrics.FeedImported.Add(float64(created))
	}

	if outcome.Failed == len(sources) {
		return outcome, errors.Join(errs...)
	}
	return outcome, nil
}

func (f *FeedImporter) fetch(ctx context.Context, source string) ([]string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	ips, skipped := parseFeed(content)
	return ips, skipped, nil
}

// parseFeed extracts public addresses from a plain text list. Comments start
// with '#' or ';'. CIDR ranges other than single hosts are skipped since the
// block list only holds exact addresses.
func parseFeed(payload []byte) ([]string, int) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	seen := make(map[string]struct{})
	skipped := 0

	add := func(raw string) {
		ip, ok := feedAddress(raw)
		if !ok {
			skipped++
			return
		}
		seen[ip] = struct{}{}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if matches := ipv4Pattern.FindAllString(line, -1); len(matches) > 0 {
			for _, match := range matches {
				add(match)
			}
			continue
		}

		// IPv6 lists carry one address per line.
		if field := strings.Fields(line)[0]; strings.Contains(field, ":") {
			add(field)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn("Block list feed scanner warning", "error", err)
	}

	out := make([]string, 0, len(seen))
	for ip := range seen {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out, skipped
}

func feedAddress(raw string) (string, bool) {
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil || !prefix.IsSingleIP() {
			return "", false
		}
		raw = prefix.Addr().String()
	}

	addr, ok := support.ParseAddr(raw)
	if !ok || !support.IsPublicAddr(addr) {
		return "", false
	}
	return addr.String(), true
}

func dedupeSources(sources []string) []string {
	seen := make(map[string]struct{}, len(sources))
	out := make([]string, 0, len(sources))
	for _, source := range sources {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		out = append(out, source)
	}
	return out
}
