package events

// Topic constants for domain events emitted by fulfillment.
const (
	TopicOrderPaid                 = "order.paid"
	TopicOrderRefunded             = "order.refunded"
	TopicPaymentFailed             = "payment.failed"
	TopicSubscriptionActivated     = "subscription.activated"
	TopicSubscriptionStatusChanged = "subscription.status_changed"
)
