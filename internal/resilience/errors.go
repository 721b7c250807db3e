// Package resilience centralizes failure classification, retry/backoff,
// circuit breaking, and component health tracking for the monitoring
// pipeline.
//
// DESIGN: Every failure is tagged with a category and severity at the point
// of detection. Each (category, severity) pair maps to a default recovery
// strategy; exhausting retries escalates retry to graceful degradation.
package resilience

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies where a failure originated.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryDOM         Category = "dom"
	CategoryStorage     Category = "storage"
	CategoryContext     Category = "context"
	CategoryPrivacy     Category = "privacy"
	CategoryPerformance Category = "performance"
)

// Severity ranks how bad a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy is the recovery action assigned to an error at creation.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategyDegrade  Strategy = "degrade"
	StrategyRestart  Strategy = "restart"
	StrategyDisable  Strategy = "disable"
)

// MonitoringError is a classified failure. Created on detection; mutated only
// by the resilience handler (retry increments, resolution flip).
type MonitoringError struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Strategy  Strategy  `json:"strategy"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Retries   int       `json:"retries"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *MonitoringError) Error() string {
	return string(e.Category) + "/" + string(e.Severity) + ": " + e.Message
}

// Unwrap exposes the underlying cause.
func (e *MonitoringError) Unwrap() error { return e.Cause }

// NewError classifies a failure, assigning the default strategy for its
// category and severity.
func NewError(category Category, severity Severity, component string, cause error) *MonitoringError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &MonitoringError{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Strategy:  StrategyFor(category, severity),
		Component: component,
		Message:   msg,
		CreatedAt: time.Now(),
		Cause:     cause,
	}
}

// StrategyFor maps a (category, severity) pair to its default recovery
// strategy. Critical failures restart the component regardless of category.
func StrategyFor(category Category, severity Severity) Strategy {
	if severity == SeverityCritical {
		return StrategyRestart
	}
	switch category {
	case CategoryNetwork:
		return StrategyRetry
	case CategoryStorage:
		return StrategyFallback
	case CategoryDOM, CategoryContext:
		return StrategyDegrade
	case CategoryPrivacy:
		return StrategyDisable
	case CategoryPerformance:
		return StrategyDegrade
	default:
		return StrategyDegrade
	}
}
