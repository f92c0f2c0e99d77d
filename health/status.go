// Package health provides health monitoring for pipeline components.
package health

import (
	"time"
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines sub-statuses into one system status: any unhealthy
// member makes the system unhealthy, any degraded member degrades it.
func Aggregate(systemName string, subStatuses []Status) Status {
	status := NewHealthy(systemName, "all components healthy")
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			status = NewUnhealthy(systemName, sub.Component+": "+sub.Message)
			break
		}
		if sub.IsDegraded() {
			status = NewDegraded(systemName, sub.Component+": "+sub.Message)
		}
	}
	status.SubStatuses = subStatuses
	return status
}
