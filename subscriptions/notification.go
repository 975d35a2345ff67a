package subscriptions

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/to"
	"github.com/google/uuid"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const notificationProfile = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-subscription-notification-r4"

// CreateNotification creates an R4 Subscriptions Backport event notification for a matched resource.
// References are made absolute using baseURL, if given.
func CreateNotification(baseURL *url.URL, timestamp time.Time, match MatchedResource) fhir.Bundle {
	subscriptionRef := "Subscription/" + match.SubscriptionID
	focusRef := match.Reference()
	statusURL := subscriptionRef + "/$status"
	if baseURL != nil {
		focusRef = baseURL.JoinPath(match.ResourceType, match.ResourceID).String()
		statusURL = baseURL.JoinPath("Subscription", match.SubscriptionID, "$status").String()
	}
	meta := fhir.Meta{
		Profile: []string{notificationProfile},
	}
	params := fhir.Parameters{
		Id:   to.Ptr(uuid.NewString()),
		Meta: &meta,
		Parameter: []fhir.ParametersParameter{
			{
				Name:           "subscription",
				ValueReference: &fhir.Reference{Reference: to.Ptr(subscriptionRef)},
			},
			{
				Name:      "status",
				ValueCode: to.Ptr(string(StatusActive)),
			},
			{
				Name:        "type",
				ValueString: to.Ptr("event-notification"),
			},
			{
				Name: "notification-event",
				Part: []fhir.ParametersParameter{
					{
						Name:         "timestamp",
						ValueInstant: to.Ptr(timestamp.UTC().Format(time.RFC3339)),
					},
					{
						Name: "focus",
						ValueReference: &fhir.Reference{
							Reference: to.Ptr(focusRef),
							Type:      to.Ptr(match.ResourceType),
						},
					},
				},
			},
		},
	}
	parametersJSON, _ := json.Marshal(params)
	return fhir.Bundle{
		Id:        to.Ptr(uuid.NewString()),
		Meta:      &meta,
		Type:      fhir.BundleTypeHistory,
		Timestamp: to.Ptr(timestamp.UTC().Format(time.RFC3339)),
		Entry: []fhir.BundleEntry{
			{
				FullUrl:  to.Ptr("urn:uuid:" + *params.Id),
				Resource: parametersJSON,
				Request: &fhir.BundleEntryRequest{
					Method: fhir.HTTPVerbGET,
					Url:    statusURL,
				},
				Response: &fhir.BundleEntryResponse{
					Status: "200 OK",
				},
			},
		},
	}
}
