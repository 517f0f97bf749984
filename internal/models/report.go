package models

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// ErrInvalidReport is returned when a location report cannot be decoded or
// fails validation.
var ErrInvalidReport = errors.New("invalid location report")

var validate = validator.New()

// LocationReport is the wire shape posted by the bootstrap page. Pointer
// fields tell a missing value apart from a zero one.
type LocationReport struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
	Accuracy  *float64 `json:"accuracy" validate:"required,gte=0"`
	Timestamp *int64   `json:"timestamp" validate:"required"`
}

// Location converts a validated report into a Location.
func (r LocationReport) Location() Location {
	return Location{
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Accuracy:  *r.Accuracy,
		Timestamp: *r.Timestamp,
	}
}

// DecodeLocation reads exactly one JSON report from body. Unknown fields are
// ignored; trailing data is not.
func DecodeLocation(body io.Reader) (Location, error) {
	var report LocationReport

	dec := json.NewDecoder(body)
	if err := dec.Decode(&report); err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Location{}, fmt.Errorf("%w: body must contain only one JSON object", ErrInvalidReport)
	}
	if err := validate.Struct(report); err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	return report.Location(), nil
}
