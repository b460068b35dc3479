package services

import (
	"time"

	"teleconsult/internal/core/domain"
)

// NopCallMetrics discards call metrics.
type NopCallMetrics struct{}

func (NopCallMetrics) ObserveTransition(from, to domain.CallState)    {}
func (NopCallMetrics) ObserveNegotiationFailure(kind domain.ErrorKind) {}
func (NopCallMetrics) ObserveTimeToConnect(d time.Duration)            {}
func (NopCallMetrics) ObserveQuality(sample domain.QualitySample)      {}
