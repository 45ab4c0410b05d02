package geo

import (
	"context"
	"errors"
)

// ErrGeolocationUnavailable is returned when no location could be produced
// for an address. Callers on the request path treat it as an empty location.
var ErrGeolocationUnavailable = errors.New("geolocation unavailable")

// Location is the best-effort country and city of an address. Both fields
// may be empty.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

func (l Location) IsZero() bool {
	return l.Country == "" && l.City == ""
}

type Geolocator interface {
	Geolocate(ctx context.Context, ip string) (Location, error)
}

// GeolocatorFunc adapts a plain function to Geolocator.
type GeolocatorFunc func(ctx context.Context, ip string) (Location, error)

func (f GeolocatorFunc) Geolocate(ctx context.Context, ip string) (Location, error) {
	return f(ctx, ip)
}
