package claims

import (
	"math"

	"github.com/claims/ingest/internal/platform/claimxml"
)

// StatusForEvent returns the timeline status of a submission-side event.
func StatusForEvent(t EventType) (Status, bool) {
	switch t {
	case EventSubmission:
		return StatusSubmitted, true
	case EventResubmission:
		return StatusResubmitted, true
	}
	return "", false
}

// RemittanceStatus derives the adjudication outcome of one remittance claim
// from the net originally requested and the adjudicated activities.
//
// No payment with every activity denied is REJECTED. Payment equal to the
// requested net is PAID. Anything else, overpayment included, is
// PARTIALLY_PAID.
func RemittanceStatus(requestedNet float64, claimDenial string, acts []claimxml.Activity) Status {
	var paid float64
	denied := len(acts) > 0
	for _, a := range acts {
		paid += a.PaymentAmount
		if a.DenialCode == "" || cents(a.PaymentAmount) != 0 {
			denied = false
		}
	}
	if len(acts) == 0 && claimDenial != "" {
		denied = true
	}

	switch {
	case cents(paid) == 0 && denied:
		return StatusRejected
	case cents(paid) == cents(requestedNet) && cents(requestedNet) >= 0:
		return StatusPaid
	}
	return StatusPartiallyPaid
}

func cents(v float64) int64 { return int64(math.Round(v * 100)) }
