package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Search defaults applied when a request omits a parameter.
const (
	DefaultMaxDistance = 1000.0
	DefaultLimit       = 50
	MaxSearchDistance  = 10000.0
)

// NearbyQuery describes a proximity search around a point.
type NearbyQuery struct {
	Lat         float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng         float64 `json:"lng" validate:"gte=-180,lte=180"`
	MaxDistance float64 `json:"maxDistance" validate:"gte=0,lte=10000"`
	Limit       int     `json:"limit" validate:"gte=1"`
	UseManual   bool    `json:"useManual"`
}

// NewNearbyQuery returns a query around (lat, lng) with default radius and limit.
func NewNearbyQuery(lat, lng float64) NearbyQuery {
	return NearbyQuery{
		Lat:         lat,
		Lng:         lng,
		MaxDistance: DefaultMaxDistance,
		Limit:       DefaultLimit,
	}
}

// InputError is returned when a search request is out of range.
// Callers should fix the request rather than retry it.
type InputError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s (value: %v)", e.Field, e.Message, e.Value)
}

// IsInputError reports whether err is, or wraps, an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

var queryValidator = newQueryValidator()

func newQueryValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var fieldMessages = map[string]string{
	"lat":         "must be between -90 and 90",
	"lng":         "must be between -180 and 180",
	"maxDistance": "must be between 0 and 10000 meters",
	"limit":       "must be at least 1",
}

// Validate checks the query ranges. NaN and infinite values fail every
// range check and are rejected too.
func (q NearbyQuery) Validate() error {
	err := queryValidator.Struct(q)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg, ok := fieldMessages[fe.Field()]
		if !ok {
			msg = fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return &InputError{
			Field:   fe.Field(),
			Value:   fe.Value(),
			Message: msg,
		}
	}
	return &InputError{Field: "query", Value: q, Message: err.Error()}
}
