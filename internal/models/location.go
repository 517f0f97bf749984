package models

import (
	"fmt"
	"time"
)

// Location represents a single geolocation fix reported by the browser.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`  // meters
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
}

// CapturedAt returns the browser-reported capture time.
func (l Location) CapturedAt() time.Time {
	return time.UnixMilli(l.Timestamp)
}

// MapURL returns a Google Maps link centered on the fix.
func (l Location) MapURL() string {
	return fmt.Sprintf("https://www.google.com/maps?q=%v,%v", l.Latitude, l.Longitude)
}

// Values returns the fix as [latitude, longitude, accuracy].
func (l Location) Values() []float64 {
	return []float64{l.Latitude, l.Longitude, l.Accuracy}
}
