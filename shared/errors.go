package shared

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory classifies failures for retry and surfacing decisions.
type ErrorCategory string

const (
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryContention ErrorCategory = "contention"
	ErrorCategoryDatabase   ErrorCategory = "database"
	ErrorCategoryExternal   ErrorCategory = "external"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryCorruption ErrorCategory = "corruption"
	ErrorCategoryConfig     ErrorCategory = "configuration"
)

// ServiceError is a standardized error with operational context.
//
// Corruption-category errors (e.g. a duplicate admission sequence number)
// indicate state that should be unreachable under correct locking; they are
// never retryable and require manual reconciliation.
type ServiceError struct {
	Category    ErrorCategory `json:"category"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	ServiceName string        `json:"service_name"`
	Operation   string        `json:"operation"`
	Retryable   bool          `json:"retryable"`
	Cause       error         `json:"-"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// NewServiceError creates a new service error.
func NewServiceError(category ErrorCategory, code, message, serviceName, operation string, retryable bool, cause error) *ServiceError {
	return &ServiceError{
		Category:    category,
		Code:        code,
		Message:     message,
		Timestamp:   time.Now(),
		ServiceName: serviceName,
		Operation:   operation,
		Retryable:   retryable,
		Cause:       cause,
	}
}

// IsRetryable returns whether the error is retryable.
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// LogError logs the error with structured fields.
func (e *ServiceError) LogError() {
	logrus.WithFields(logrus.Fields{
		"error_category":   e.Category,
		"error_code":       e.Code,
		"error_message":    e.Message,
		"service_name":     e.ServiceName,
		"operation":        e.Operation,
		"retryable":        e.Retryable,
		"underlying_error": e.Cause,
	}).Error("Service error occurred")
}

// WrapError wraps an existing error with service error context.
func WrapError(err error, category ErrorCategory, code, serviceName, operation string, retryable bool) *ServiceError {
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		serviceErr.ServiceName = serviceName
		serviceErr.Operation = operation
		return serviceErr
	}

	return NewServiceError(category, code, err.Error(), serviceName, operation, retryable, err)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.IsRetryable()
	}

	// Default heuristics for standard errors
	errorMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout", "connection refused", "connection reset",
		"temporary failure", "service unavailable", "too many requests",
		"network", "dns", "socket", "deadlock",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errorMsg, pattern) {
			return true
		}
	}

	return false
}

// ErrorIsolationHandler guards an external collaborator with a failure-rate
// circuit breaker so a misbehaving payment processor cannot cascade into the
// rest of the system.
type ErrorIsolationHandler struct {
	mu sync.Mutex

	maxFailureRate      float64
	serviceName         string
	circuitBreakerOpen  bool
	failureCount        int64
	successCount        int64
	lastResetTime       time.Time
	halfOpenAttempts    int
	maxHalfOpenAttempts int
}

// NewErrorIsolationHandler creates a new error isolation handler. A negative
// maxFailureRate disables the circuit breaker.
func NewErrorIsolationHandler(serviceName string, maxFailureRate float64) *ErrorIsolationHandler {
	return &ErrorIsolationHandler{
		maxFailureRate:      maxFailureRate,
		serviceName:         serviceName,
		lastResetTime:       time.Now(),
		maxHalfOpenAttempts: 3,
	}
}

// RecordSuccess records a successful operation.
func (h *ErrorIsolationHandler) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.successCount++

	if h.maxFailureRate < 0 {
		return
	}

	if h.circuitBreakerOpen {
		h.halfOpenAttempts++

		if h.halfOpenAttempts >= h.maxHalfOpenAttempts {
			h.circuitBreakerOpen = false
			h.failureCount = 0
			h.successCount = 0
			h.halfOpenAttempts = 0
			h.lastResetTime = time.Now()

			logrus.WithField("service_name", h.serviceName).Info("Circuit breaker closed after successful half-open attempts")
		}
	}
}

// RecordFailure records a failed operation.
func (h *ErrorIsolationHandler) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failureCount++

	if h.maxFailureRate < 0 {
		return
	}

	if h.circuitBreakerOpen && h.halfOpenAttempts > 0 {
		h.halfOpenAttempts = 0
		logrus.WithField("service_name", h.serviceName).Warn("Circuit breaker returned to open state after failure in half-open")
		return
	}

	totalOperations := h.failureCount + h.successCount
	if totalOperations >= 10 { // Minimum sample size
		currentFailureRate := float64(h.failureCount) / float64(totalOperations)

		if currentFailureRate > h.maxFailureRate && !h.circuitBreakerOpen {
			h.circuitBreakerOpen = true
			h.halfOpenAttempts = 0

			logrus.WithFields(logrus.Fields{
				"service_name":     h.serviceName,
				"failure_rate":     currentFailureRate,
				"max_failure_rate": h.maxFailureRate,
				"failure_count":    h.failureCount,
				"success_count":    h.successCount,
			}).Warn("Circuit breaker opened due to high failure rate")
		}
	}
}

// IsCircuitBreakerOpen returns whether the circuit breaker is open.
func (h *ErrorIsolationHandler) IsCircuitBreakerOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxFailureRate < 0 || !h.circuitBreakerOpen {
		return false
	}

	// Allow a half-open trial after a cool-down period
	if time.Since(h.lastResetTime) > 30*time.Second && h.halfOpenAttempts == 0 {
		logrus.WithField("service_name", h.serviceName).Info("Circuit breaker entering half-open state")
		return false
	}

	return h.circuitBreakerOpen
}

// Execute runs an operation with circuit breaker protection.
func (h *ErrorIsolationHandler) Execute(operation string, fn func() error) error {
	if h.IsCircuitBreakerOpen() {
		return NewServiceError(
			ErrorCategoryExternal,
			"SERVICE_UNAVAILABLE",
			fmt.Sprintf("service %s is temporarily unavailable for operation %s", h.serviceName, operation),
			h.serviceName,
			operation,
			true,
			nil,
		)
	}

	if err := fn(); err != nil {
		h.RecordFailure()
		return err
	}

	h.RecordSuccess()
	return nil
}
