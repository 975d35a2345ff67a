// Package admin provides the administrative REST API of the subscription engine.
// Subscriptions are exchanged as FHIR R4 Subscription resources.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/subscriptionengine/lib/httpserv"
	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/SanteonNL/orca/subscriptionengine/lib/otel"
	"github.com/SanteonNL/orca/subscriptionengine/lib/to"
	"github.com/SanteonNL/orca/subscriptionengine/subscriptions"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	baseotel "go.opentelemetry.io/otel"
)

const basePath = "/subscriptions"

// maxBodySize limits the size of request bodies.
const maxBodySize = 1 << 20

var tracer = baseotel.Tracer("github.com/SanteonNL/orca/subscriptionengine/admin")

// Poller is the part of the scheduler used by the administrative API.
type Poller interface {
	PollOnce(ctx context.Context) (int, error)
	OnSubscriptionCreatedOrUpdated(id string)
}

// New creates the administrative API. New subscriptions only receive resources changed after their creation,
// as read from clk.
func New(registry subscriptions.Registry, poller Poller, baseURL *url.URL, clk clock.Clock) *Service {
	return &Service{
		registry: registry,
		poller:   poller,
		baseURL:  baseURL,
		clock:    clk,
	}
}

type Service struct {
	registry subscriptions.Registry
	poller   Poller
	// baseURL is used to build the full URLs of subscriptions in search results. If nil, they are relative.
	baseURL *url.URL
	clock   clock.Clock
}

func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	middleware := func(operationName string) func(http.HandlerFunc) http.HandlerFunc {
		return httpserv.Chain(otel.TracingMiddleware(tracer, operationName), httpserv.RequestLogger)
	}
	httpserv.RegisterRoutes(mux,
		httpserv.Route{Method: http.MethodPost, Path: basePath, Handler: s.handleCreate, Middleware: middleware("CreateSubscription")},
		httpserv.Route{Method: http.MethodGet, Path: basePath, Handler: s.handleList, Middleware: middleware("ListSubscriptions")},
		httpserv.Route{Method: http.MethodPost, Path: basePath + "/$poll", Handler: s.handlePoll, Middleware: middleware("PollSubscriptions")},
		httpserv.Route{Method: http.MethodGet, Path: basePath + "/{id}", Handler: s.handleRead, Middleware: middleware("ReadSubscription")},
		httpserv.Route{Method: http.MethodPut, Path: basePath + "/{id}", Handler: s.handleUpdate, Middleware: middleware("UpdateSubscription")},
		httpserv.Route{Method: http.MethodDelete, Path: basePath + "/{id}", Handler: s.handleDelete, Middleware: middleware("DeleteSubscription")},
	)
}

func (s *Service) handleCreate(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	subscription, err := readSubscription(request)
	if err != nil {
		writeOperationOutcome(ctx, err, "CreateSubscription", writer)
		return
	}
	if subscription.LastScanMarker.IsZero() {
		subscription.LastScanMarker = s.clock.Now().UTC()
	}
	created, err := s.registry.Create(ctx, *subscription)
	if err != nil {
		writeOperationOutcome(ctx, err, "CreateSubscription", writer)
		return
	}
	log.Ctx(ctx).Info().
		Str(logging.FieldSubscriptionID, created.ID).
		Str(logging.FieldChannelType, string(created.Channel.Type)).
		Msgf("Subscription created (criteria=%s)", created.Criteria)
	s.poller.OnSubscriptionCreatedOrUpdated(created.ID)
	httpserv.SendResponse(writer, http.StatusCreated, toResource(*created), map[string]string{
		"Content-Type": fhirclient.FhirJsonMediaType,
		"Location":     s.subscriptionURL(created.ID),
	})
}

func (s *Service) handleList(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	list, err := s.registry.List(ctx)
	if err != nil {
		writeOperationOutcome(ctx, err, "ListSubscriptions", writer)
		return
	}
	bundle := fhir.Bundle{
		Type:  fhir.BundleTypeSearchset,
		Total: to.Ptr(len(list)),
	}
	for _, subscription := range list {
		data, err := json.Marshal(toResource(subscription))
		if err != nil {
			writeOperationOutcome(ctx, err, "ListSubscriptions", writer)
			return
		}
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullUrl:  to.Ptr(s.subscriptionURL(subscription.ID)),
			Resource: data,
		})
	}
	httpserv.SendResponse(writer, http.StatusOK, bundle, map[string]string{"Content-Type": fhirclient.FhirJsonMediaType})
}

func (s *Service) handleRead(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	subscription, err := s.registry.Get(ctx, request.PathValue("id"))
	if err != nil {
		writeOperationOutcome(ctx, err, "ReadSubscription", writer)
		return
	}
	httpserv.SendResponse(writer, http.StatusOK, toResource(*subscription), map[string]string{"Content-Type": fhirclient.FhirJsonMediaType})
}

func (s *Service) handleUpdate(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	id := request.PathValue("id")
	subscription, err := readSubscription(request)
	if err != nil {
		writeOperationOutcome(ctx, err, "UpdateSubscription", writer)
		return
	}
	if subscription.ID != "" && subscription.ID != id {
		writeOperationOutcome(ctx, badRequest(errors.New("resource ID does not match URL")), "UpdateSubscription", writer)
		return
	}
	subscription.ID = id
	updated, err := s.registry.Update(ctx, *subscription)
	if err != nil {
		writeOperationOutcome(ctx, err, "UpdateSubscription", writer)
		return
	}
	log.Ctx(ctx).Info().
		Str(logging.FieldSubscriptionID, updated.ID).
		Str(logging.FieldStatus, string(updated.Status)).
		Msg("Subscription updated")
	s.poller.OnSubscriptionCreatedOrUpdated(updated.ID)
	httpserv.SendResponse(writer, http.StatusOK, toResource(*updated), map[string]string{"Content-Type": fhirclient.FhirJsonMediaType})
}

func (s *Service) handleDelete(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	id := request.PathValue("id")
	if err := s.registry.Delete(ctx, id); err != nil {
		writeOperationOutcome(ctx, err, "DeleteSubscription", writer)
		return
	}
	log.Ctx(ctx).Info().Str(logging.FieldSubscriptionID, id).Msg("Subscription deleted")
	writer.WriteHeader(http.StatusNoContent)
}

type pollResponse struct {
	Matched int `json:"matched"`
}

func (s *Service) handlePoll(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	matched, err := s.poller.PollOnce(ctx)
	if err != nil {
		writeOperationOutcome(ctx, err, "PollSubscriptions", writer)
		return
	}
	httpserv.SendResponse(writer, http.StatusOK, pollResponse{Matched: matched})
}

func (s *Service) subscriptionURL(id string) string {
	if s.baseURL == nil {
		return "Subscription/" + id
	}
	return s.baseURL.JoinPath("Subscription", id).String()
}

func readSubscription(request *http.Request) (*subscriptions.Subscription, error) {
	data, err := io.ReadAll(io.LimitReader(request.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodySize {
		return nil, &ErrorWithCode{Message: "request body exceeds " + strconv.Itoa(maxBodySize) + " bytes", StatusCode: http.StatusRequestEntityTooLarge}
	}
	var resource SubscriptionResource
	if err := json.Unmarshal(data, &resource); err != nil {
		return nil, badRequest(err)
	}
	subscription, err := fromResource(resource)
	if err != nil {
		return nil, badRequest(err)
	}
	return subscription, nil
}
