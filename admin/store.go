package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/subscriptionengine/lib/httpserv"
	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/SanteonNL/orca/subscriptionengine/lib/otel"
	"github.com/SanteonNL/orca/subscriptionengine/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const storeBasePath = "/fhir"

// NewStoreService creates a minimal FHIR API for writing resources to an in-memory store.
// It is meant for development and testing, when no FHIR server is configured.
func NewStoreService(resources *store.MemoryStore) *StoreService {
	return &StoreService{resources: resources}
}

type StoreService struct {
	resources *store.MemoryStore
}

func (s *StoreService) RegisterHandlers(mux *http.ServeMux) {
	middleware := func(operationName string) func(http.HandlerFunc) http.HandlerFunc {
		return httpserv.Chain(otel.TracingMiddleware(tracer, operationName), httpserv.RequestLogger)
	}
	httpserv.RegisterRoutes(mux,
		httpserv.Route{Method: http.MethodPost, Path: storeBasePath + "/{type}", Handler: s.handleCreate, Middleware: middleware("CreateResource")},
		httpserv.Route{Method: http.MethodPut, Path: storeBasePath + "/{type}/{id}", Handler: s.handleUpdate, Middleware: middleware("UpdateResource")},
		httpserv.Route{Method: http.MethodGet, Path: storeBasePath + "/{type}/{id}", Handler: s.handleRead, Middleware: middleware("ReadResource")},
	)
}

func (s *StoreService) handleCreate(writer http.ResponseWriter, request *http.Request) {
	s.write(writer, request, "", http.StatusCreated)
}

func (s *StoreService) handleUpdate(writer http.ResponseWriter, request *http.Request) {
	s.write(writer, request, request.PathValue("id"), http.StatusOK)
}

func (s *StoreService) write(writer http.ResponseWriter, request *http.Request, id string, statusCode int) {
	ctx := request.Context()
	resourceType := request.PathValue("type")
	operationName := "Write" + resourceType
	create := id == ""
	if create {
		id = uuid.NewString()
	}
	payload, err := readResource(request, resourceType, id, create)
	if err != nil {
		writeOperationOutcome(ctx, err, operationName, writer)
		return
	}
	resource := s.resources.Put(resourceType, id, payload)
	log.Ctx(ctx).Debug().
		Str(logging.FieldResourceType, resource.Type).
		Str(logging.FieldResourceID, resource.ID).
		Msg("Resource stored")
	sendResource(writer, statusCode, resource)
}

func (s *StoreService) handleRead(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	resource, err := s.resources.Get(ctx, request.PathValue("type"), request.PathValue("id"))
	if err != nil {
		writeOperationOutcome(ctx, err, "Read"+request.PathValue("type"), writer)
		return
	}
	sendResource(writer, http.StatusOK, *resource)
}

// readResource reads the request body as resource of the given type and sets its ID.
// Unless overwriteID is set, an ID in the body must match the given ID.
func readResource(request *http.Request, resourceType string, id string, overwriteID bool) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(request.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodySize {
		return nil, &ErrorWithCode{Message: fmt.Sprintf("request body exceeds %d bytes", maxBodySize), StatusCode: http.StatusRequestEntityTooLarge}
	}
	var properties map[string]json.RawMessage
	if err := json.Unmarshal(data, &properties); err != nil {
		return nil, badRequest(err)
	}
	var actualType string
	if err := json.Unmarshal(properties["resourceType"], &actualType); err != nil || actualType != resourceType {
		return nil, badRequest(fmt.Errorf("expected resourceType %s", resourceType))
	}
	if raw, ok := properties["id"]; ok && !overwriteID {
		var actualID string
		if err := json.Unmarshal(raw, &actualID); err != nil || actualID != id {
			return nil, badRequest(errors.New("resource ID does not match URL"))
		}
	}
	properties["id"], _ = json.Marshal(id)
	return json.Marshal(properties)
}

func sendResource(writer http.ResponseWriter, statusCode int, resource store.Resource) {
	writer.Header().Set("Content-Type", fhirclient.FhirJsonMediaType)
	writer.Header().Set("Location", storeBasePath+"/"+resource.Reference())
	writer.Header().Set("Last-Modified", resource.LastUpdated.UTC().Format(http.TimeFormat))
	writer.Header().Set("X-Last-Updated", resource.LastUpdated.Format(time.RFC3339Nano))
	writer.WriteHeader(statusCode)
	if _, err := writer.Write(resource.Payload); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
