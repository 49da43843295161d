package order

import (
	"main/internal/model/enum"
)

// statusFromVenue maps the raw venue status string onto the engine
// lifecycle. Strings the engine has never seen map to Unknown, which
// forces a reconciliation poll instead of a guessed transition.
func statusFromVenue(raw string) enum.OrderStatus {
	switch raw {
	case "New", "Created", "Untriggered", "Triggered":
		return enum.OrderStatusAcknowledged
	case "PartiallyFilled":
		return enum.OrderStatusPartiallyFilled
	case "Filled":
		return enum.OrderStatusFilled
	case "Cancelled", "Canceled", "Deactivated", "PartiallyFilledCanceled":
		return enum.OrderStatusCanceled
	case "Rejected":
		return enum.OrderStatusRejected
	case "Expired":
		return enum.OrderStatusExpired
	default:
		return enum.OrderStatusUnknown
	}
}

// rank orders the lifecycle for monotonicity checks: an update may never
// move an order to a lower rank.
func rank(s enum.OrderStatus) int {
	switch s {
	case enum.OrderStatusPendingSubmit:
		return 1
	case enum.OrderStatusAcknowledged:
		return 2
	case enum.OrderStatusPartiallyFilled:
		return 3
	case enum.OrderStatusFilled, enum.OrderStatusCanceled, enum.OrderStatusRejected, enum.OrderStatusExpired:
		return 4
	default:
		return 0
	}
}
