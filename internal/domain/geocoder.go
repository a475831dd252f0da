package domain

import "context"

// Geocoder resolves free-text place names to coordinates.
type Geocoder interface {
	// Geocode returns the best match for query. ok is false when the
	// provider found nothing; err is reserved for transport failures.
	Geocode(ctx context.Context, query string) (point GeoPoint, ok bool, err error)
}
