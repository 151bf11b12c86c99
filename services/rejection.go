package services

import (
	"errors"
	"fmt"

	"github.com/hammerline/auction-backend/models"
)

// Rejection is a bid that failed admission. It is an error value so services
// can return it through normal error paths while handlers map the reason to
// an HTTP status.
type Rejection struct {
	Reason  models.RejectionReason
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("bid rejected (%s): %s", r.Reason, r.Message)
}

func reject(reason models.RejectionReason, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsRejection extracts a Rejection from an error chain.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}
