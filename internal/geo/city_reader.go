package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const (
	DataDir      = "data/geolite"
	CityFileName = "GeoLite2-City.mmdb"
)

// CityReader resolves addresses against a GeoLite2 City database on disk.
// The database can be swapped at runtime with Reload.
type CityReader struct {
	path string

	mu     sync.RWMutex
	reader *geoip2.Reader
}

var defaultCityReader = NewCityReader(FilePath(CityFileName))

func FilePath(filename string) string {
	return filepath.Join(DataDir, filename)
}

func EnsureDataDir() error {
	return os.MkdirAll(DataDir, 0o755)
}

// DefaultCityReader returns the process-wide reader backed by
// data/geolite/GeoLite2-City.mmdb.
func DefaultCityReader() *CityReader {
	return defaultCityReader
}

// ReloadFromDisk reopens the default City database after an update.
func ReloadFromDisk() error {
	return defaultCityReader.Reload()
}

func NewCityReader(path string) *CityReader {
	return &CityReader{path: path}
}

func (r *CityReader) Path() string {
	return r.path
}

// Reload opens the database file and replaces the current reader. The old
// reader is closed only after the new one opened successfully.
func (r *CityReader) Reload() error {
	reader, err := geoip2.Open(r.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.path, err)
	}

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Available reports whether a database is loaded.
func (r *CityReader) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reader != nil
}

func (r *CityReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}

func (r *CityReader) Geolocate(_ context.Context, ip string) (Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, fmt.Errorf("%w: invalid ip %q", ErrGeolocationUnavailable, ip)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reader == nil {
		return Location{}, fmt.Errorf("%w: city database not loaded", ErrGeolocationUnavailable)
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrGeolocationUnavailable, err)
	}

	return Location{
		Country: record.Country.IsoCode,
		City:    record.City.Names["en"],
	}, nil
}

// LoadDefault opens the default City database if it exists. A missing file
// only disables geolocation.
func LoadDefault() {
	if err := defaultCityReader.Reload(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("GeoLite City database missing, geolocation disabled", "path", defaultCityReader.Path())
			return
		}
		log.Error("Failed to load GeoLite City database", "error", err)
	}
}
