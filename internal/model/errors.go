package model

import (
	"fmt"
)

// ProbeErrorKind classifies how a probe failed. A 404 is not a failure and
// never produces a ProbeError.
type ProbeErrorKind string

const (
	ProbeNetwork ProbeErrorKind = "network"
	ProbeTimeout ProbeErrorKind = "timeout"
	ProbeHTTP    ProbeErrorKind = "http"
)

// ProbeError carries everything needed to act on a failed probe at any
// boundary: the cell, the URL, the classification and the cause.
type ProbeError struct {
	Symbol string
	Day    Day
	URL    string
	Kind   ProbeErrorKind
	Status int
	Err    error
}

func (e *ProbeError) Error() string {
	switch e.Kind {
	case ProbeHTTP:
		return fmt.Sprintf("probe %s %s: unexpected status %d", e.Symbol, e.Day, e.Status)
	case ProbeTimeout:
		return fmt.Sprintf("probe %s %s: timeout: %v", e.Symbol, e.Day, e.Err)
	default:
		return fmt.Sprintf("probe %s %s: %v", e.Symbol, e.Day, e.Err)
	}
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ParseError marks a kline archive whose CSV payload could not be decoded.
// Fatal for the (symbol, day) cell: no silent defaulting.
type ParseError struct {
	Symbol string
	Day    Day
	URL    string
	Field  string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse klines %s %s: field %s: bad value %q", e.Symbol, e.Day, e.Field, e.Value)
	}
	return fmt.Sprintf("parse klines %s %s: %v", e.Symbol, e.Day, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
