package store

import "errors"

var (
	ErrVisitNotFound        = errors.New("visit not found")
	ErrEntryNotFound        = errors.New("queue entry not found")
	ErrResourceNotFound     = errors.New("resource not found")
	ErrClinicNotFound       = errors.New("clinic not found")
	ErrServiceNotFound      = errors.New("service not found")
	ErrInvalidTransition    = errors.New("invalid visit transition")
	ErrNoResourceAvailable  = errors.New("no free room or dentist")
	ErrResourceAlreadyBound = errors.New("resource already bound to another entry")
	ErrStaleOccupancy       = errors.New("stale resource occupancy state")
	ErrUnauthorized         = errors.New("unauthorized")
)
