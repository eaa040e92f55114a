// Package billing implements checkout initiation and webhook reconciliation.
package billing

import (
	"fmt"

	"subsync/internal/types"
)

// knownStatuses is the closed set of provider subscription statuses this
// service mirrors. Anything outside it fails loudly instead of being
// silently coerced; a new provider status means a schema decision, not a
// default.
var knownStatuses = map[string]types.SubscriptionStatus{
	"incomplete":         types.SubStatusIncomplete,
	"incomplete_expired": types.SubStatusIncompleteExpired,
	"trialing":           types.SubStatusTrialing,
	"active":             types.SubStatusActive,
	"past_due":           types.SubStatusPastDue,
	"canceled":           types.SubStatusCanceled,
	"unpaid":             types.SubStatusUnpaid,
}

// MapSubscriptionStatus translates a provider status string into the local
// enum. Unknown values return an error.
func MapSubscriptionStatus(raw string) (types.SubscriptionStatus, error) {
	status, ok := knownStatuses[raw]
	if !ok {
		return "", fmt.Errorf("unknown subscription status %q", raw)
	}
	return status, nil
}
