package orders

import (
	"math"
	"strings"
	"time"

	"github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/internal/utils"
)

const earthRadiusKm = 6371.0

// Coordinate is a WGS84 point.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Order is one delivery job as published by the order service.
// Only Image and CompletedAt change after creation; both are set by the server
// once the delivery has been completed.
type Order struct {
	ID          string     `json:"orderId"`               // Unique order identifier
	Price       int64      `json:"price"`                 // Delivery fee, never negative
	Start       Coordinate `json:"start"`                 // Pickup
	End         Coordinate `json:"end"`                   // Dropoff
	Image       string     `json:"image,omitempty"`       // Proof-of-delivery image reference
	Rider       string     `json:"rider,omitempty"`       // Rider that completed the order
	CompletedAt *time.Time `json:"completedAt,omitempty"` // Set once completed
}

// Validate checks the fields every order needs before it may enter the ledger.
func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return errors.Wrapf(errors.ErrInvalidOrder, "order id is required")
	}
	if o.Price < 0 {
		return errors.Wrapf(errors.ErrInvalidOrder, "order %s has negative price %d", o.ID, o.Price)
	}
	return nil
}

// IsCompleted reports whether the server has recorded a completion time.
func (o Order) IsCompleted() bool {
	return !utils.Value(o.CompletedAt).IsZero()
}

// DistanceKm is the great-circle distance between pickup and dropoff.
func (o Order) DistanceKm() float64 {
	return Distance(o.Start, o.End)
}

// Distance returns the haversine distance between two coordinates in kilometres.
func Distance(a, b Coordinate) float64 {
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Latitude))*math.Cos(toRadians(b.Latitude))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
