package requestlog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/domain"
	"ipguard/internal/geo"
	"ipguard/internal/identity"
	"ipguard/internal/metrics"
)

const (
	DefaultBufferSize   = 1024
	DefaultWriteTimeout = 5 * time.Second
)

type RecordWriter interface {
	InsertRequestRecord(ctx context.Context, record domain.RequestRecord) error
}

type entry struct {
	ip        string
	path      string
	timestamp time.Time
}

// Logger persists one RequestRecord per admitted request. Log never blocks
// the caller: entries go through a bounded buffer and are dropped when it is
// full.
type Logger struct {
	store   RecordWriter
	locator geo.Geolocator
	timeout time.Duration
	now     func() time.Time

	queue chan entry

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

type Option func(*Logger)

// WithGeolocator enables best-effort geolocation of stored records.
func WithGeolocator(locator geo.Geolocator) Option {
	return func(l *Logger) {
		l.locator = locator
	}
}

func WithBufferSize(size int) Option {
	return func(l *Logger) {
		if size > 0 {
			l.queue = make(chan entry, size)
		}
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(l *Logger) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

func New(store RecordWriter, opts ...Option) *Logger {
	l := &Logger{
		store:   store,
		timeout: DefaultWriteTimeout,
		now:     time.Now,
		queue:   make(chan entry, DefaultBufferSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the background writers. They keep running until Close, so
// requests still in flight during shutdown are recorded.
func (l *Logger) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	l.mu.Lock()
	if l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
}

// Log enqueues a record for ip and path.
func (l *Logger) Log(ip, path string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return
	}

	select {
	case l.queue <- entry{ip: ip, path: path, timestamp: l.now().UTC()}:
	default:
		metrics.RequestLogWrites.WithLabelValues("dropped").Inc()
		log.Warn("Request log buffer full, dropping entry", "ip", ip, "path", path)
	}
}

// Observe makes the logger a pipeline observer.
func (l *Logger) Observe(r *http.Request, id identity.ClientIdentity) {
	l.Log(id.IP, r.URL.Path)
}

// Record geolocates ip (best effort) and stores the request synchronously.
func (l *Logger) Record(ctx context.Context, ip, path string) error {
	return l.record(ctx, entry{ip: ip, path: path, timestamp: l.now().UTC()})
}

func (l *Logger) record(ctx context.Context, e entry) error {
	rec := domain.RequestRecord{
		IP:        e.ip,
		Path:      domain.TruncatePath(e.path),
		Timestamp: e.timestamp,
	}

	if l.locator != nil && e.ip != "" {
		loc, err := l.locator.Geolocate(ctx, e.ip)
		if err != nil {
			metrics.GeolocationFailures.Inc()
			if !errors.Is(err, geo.ErrGeolocationUnavailable) {
				log.Debug("geolocation failed", "ip", e.ip, "error", err)
			}
		} else {
			rec.Country = loc.Country
			rec.City = loc.City
		}
	}

	if err := l.store.InsertRequestRecord(ctx, rec); err != nil {
		return fmt.Errorf("requestlog: insert: %w", err)
	}
	return nil
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for e := range l.queue {
		l.write(e)
	}
}

func (l *Logger) write(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	if err := l.record(ctx, e); err != nil {
		metrics.RequestLogWrites.WithLabelValues("failed").Inc()
		log.Error("Failed to store request record", "ip", e.ip, "path", e.path, "error", err)
		return
	}
	metrics.RequestLogWrites.WithLabelValues("stored").Inc()
}

// Close stops accepting entries and waits for queued entries to be written.
// Entries left behind when Start was never called are written inline.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	started := l.started
	close(l.queue)
	l.mu.Unlock()

	if !started {
		for e := range l.queue {
			l.write(e)
		}
		return
	}
	l.wg.Wait()
}
