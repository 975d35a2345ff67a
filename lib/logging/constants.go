package logging

// Common log field keys used throughout the application
const (
	FieldChannelType    = "channel_type"
	FieldCount          = "count"
	FieldEndpoint       = "endpoint"
	FieldError          = "error"
	FieldMarker         = "marker"
	FieldOutcome        = "outcome"
	FieldPath           = "path"
	FieldReason         = "reason"
	FieldResourceID     = "resource_id"
	FieldResourceType   = "resource_type"
	FieldSpanID         = "span_id"
	FieldStatus         = "status"
	FieldSubscriptionID = "subscription_id"
	FieldTraceID        = "trace_id"
	FieldUrl            = "url"
)
