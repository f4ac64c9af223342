package reconcile

import (
	"fmt"
	"strings"

	"gozon/payments/internal/payment"
)

// StatusMap translates gateway status codes into order statuses.
type StatusMap map[string]payment.Status

// DefaultStatuses is the gateway's published status vocabulary.
func DefaultStatuses() StatusMap {
	return StatusMap{
		"PENDING":    payment.StatusPending,
		"PROCESSING": payment.StatusPending,
		"PAID":       payment.StatusPaid,
		"CANCELLED":  payment.StatusCancelled,
		"EXPIRED":    payment.StatusExpired,
		"FAILED":     payment.StatusFailed,
	}
}

func (m StatusMap) Lookup(code string) (payment.Status, bool) {
	s, ok := m[normalizeCode(code)]
	return s, ok
}

// Validate rejects targets that are not reachable by a gateway report.
// CREATED is the initial state only and can never be reported.
func (m StatusMap) Validate() error {
	for code, target := range m {
		if code != normalizeCode(code) {
			return fmt.Errorf("status code %q must be upper case without surrounding spaces", code)
		}
		if !target.Valid() || target == payment.StatusCreated {
			return fmt.Errorf("status code %q maps to invalid target %q", code, target)
		}
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
