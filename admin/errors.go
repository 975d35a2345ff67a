package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/subscriptionengine/lib/httpserv"
	"github.com/SanteonNL/orca/subscriptionengine/lib/to"
	"github.com/SanteonNL/orca/subscriptionengine/store"
	"github.com/SanteonNL/orca/subscriptionengine/subscriptions"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ErrorWithCode is an error that is returned to the client with the given HTTP status code.
type ErrorWithCode struct {
	Message    string
	StatusCode int
}

func (e ErrorWithCode) Error() string {
	return e.Message
}

func badRequest(err error) error {
	return &ErrorWithCode{
		Message:    err.Error(),
		StatusCode: http.StatusBadRequest,
	}
}

// writeOperationOutcome writes an OperationOutcome describing the error as HTTP response.
// Only for client errors the error message is included, other errors are described by their status text.
func writeOperationOutcome(ctx context.Context, err error, desc string, httpResponse http.ResponseWriter) {
	statusCode := http.StatusInternalServerError
	issueType := fhir.IssueTypeProcessing
	var errorWithCode *ErrorWithCode
	switch {
	case errors.As(err, &errorWithCode):
		if errorWithCode.StatusCode > 0 {
			statusCode = errorWithCode.StatusCode
		}
		if statusCode == http.StatusBadRequest {
			issueType = fhir.IssueTypeInvalid
		}
	case errors.Is(err, subscriptions.ErrNotFound), errors.Is(err, store.ErrNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, subscriptions.ErrAlreadyExists):
		statusCode = http.StatusConflict
		issueType = fhir.IssueTypeConflict
	case errors.Is(err, subscriptions.ErrSchedulerStopped):
		statusCode = http.StatusServiceUnavailable
		issueType = fhir.IssueTypeException
	}
	if statusCode >= http.StatusInternalServerError {
		log.Ctx(ctx).Error().Err(err).Msgf("%s failed", desc)
	} else {
		log.Ctx(ctx).Info().Err(err).Msgf("%s failed", desc)
	}

	diagnostics := http.StatusText(statusCode)
	if statusCode < http.StatusInternalServerError {
		diagnostics = err.Error()
	}
	operationOutcome := fhir.OperationOutcome{
		Issue: []fhir.OperationOutcomeIssue{
			{
				Severity:    fhir.IssueSeverityError,
				Code:        issueType,
				Diagnostics: to.Ptr(fmt.Sprintf("%s failed: %s", desc, diagnostics)),
			},
		},
	}
	httpserv.SendResponse(httpResponse, statusCode, operationOutcome, map[string]string{"Content-Type": fhirclient.FhirJsonMediaType})
}
