package otel

// Attribute keys used on spans
const (
	SubscriptionID       = "subscription.id"
	SubscriptionCriteria = "subscription.criteria"
	ChannelType          = "subscription.channel_type"
	DeliveryOutcome      = "subscription.delivery.outcome"
	MatchCount           = "subscription.match_count"
	ActiveSubscriptions  = "subscription.active_count"
	FHIRResourceType     = "fhir.resource_type"
	FHIRResourceID       = "fhir.resource_id"
	HTTPStatusCode       = "http.status_code"
)

// Span event names
const (
	ScanFailed      = "scan.failed"
	DeliveryFailed  = "delivery.failed"
	StatusEscalated = "status.escalated"
)
