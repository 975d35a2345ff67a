package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

var _ Store = &FHIRStore{}

// NewFHIRStore creates a Store that searches a FHIR server.
func NewFHIRStore(config FHIRConfig) (*FHIRStore, error) {
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid FHIR store URL: %w", err)
	}
	var httpClient fhirclient.HttpRequestDoer = http.DefaultClient
	switch config.Auth.Type {
	case AzureManagedIdentityAuth:
		credential, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("unable to get credential for Azure FHIR API client: %w", err)
		}
		scopes := config.Auth.Scopes
		if len(scopes) == 0 {
			scopes = DefaultAzureScope(baseURL)
		}
		httpClient = NewAzureHTTPClient(credential, scopes)
	case "":
	default:
		return nil, fmt.Errorf("invalid FHIR authentication type: %s", config.Auth.Type)
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = DefaultConfig().FHIR.PageSize
	}
	return &FHIRStore{
		client:   fhirclient.New(baseURL, httpClient, fhirClientConfig()),
		pageSize: pageSize,
	}, nil
}

// FHIRStore is a Store backed by a FHIR server.
// Changes are found using a _lastUpdated search, sorted by _lastUpdated, following the Bundle's next links for paging.
type FHIRStore struct {
	client   fhirclient.Client
	pageSize int
}

func fhirClientConfig() *fhirclient.Config {
	config := fhirclient.DefaultConfig()
	config.UsePostSearch = false
	config.DefaultOptions = []fhirclient.Option{
		fhirclient.RequestHeaders(map[string][]string{
			"Cache-Control": {"no-cache"},
		}),
	}
	config.Non2xxStatusHandler = func(response *http.Response, responseBody []byte) {
		log.Debug().Msgf("Non-2xx status code from FHIR server (%s %s, status=%d), content: %s", response.Request.Method, response.Request.URL, response.StatusCode, string(responseBody))
	}
	return &config
}

func (f FHIRStore) Search(ctx context.Context, query Query, pageToken string) (*Page, error) {
	var bundle fhir.Bundle
	if pageToken != "" {
		if err := f.client.ReadWithContext(ctx, pageToken, &bundle); err != nil {
			return nil, fmt.Errorf("FHIR search (next page) failed: %w", err)
		}
	} else {
		params := url.Values{}
		for key, values := range query.Filter {
			params[key] = values
		}
		if !query.Since.IsZero() {
			params.Set("_lastUpdated", "ge"+query.Since.UTC().Format(time.RFC3339Nano))
		}
		params.Set("_sort", "_lastUpdated")
		params.Set("_count", strconv.Itoa(f.pageSize))
		if err := f.client.SearchWithContext(ctx, query.ResourceType, params, &bundle); err != nil {
			return nil, fmt.Errorf("FHIR search failed (type=%s): %w", query.ResourceType, err)
		}
	}
	result := Page{}
	for _, entry := range bundle.Entry {
		// Skip included resources and OperationOutcomes
		if gjson.GetBytes(entry.Resource, "resourceType").String() != query.ResourceType {
			continue
		}
		resource, err := parseResource(entry.Resource)
		if err != nil {
			return nil, err
		}
		result.Resources = append(result.Resources, *resource)
	}
	for _, link := range bundle.Link {
		if link.Relation == "next" {
			result.Next = link.Url
		}
	}
	return &result, nil
}

func (f FHIRStore) Get(ctx context.Context, resourceType string, id string) (*Resource, error) {
	var data []byte
	var statusCode int
	err := f.client.ReadWithContext(ctx, resourceType+"/"+id, &data, fhirclient.ResponseStatusCode(&statusCode))
	if statusCode == http.StatusNotFound || statusCode == http.StatusGone {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("FHIR read failed (%s/%s): %w", resourceType, id, err)
	}
	return parseResource(data)
}

// parseResource reads the properties the engine needs from a FHIR resource.
func parseResource(data []byte) (*Resource, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("FHIR resource is not valid JSON")
	}
	document := gjson.ParseBytes(data)
	result := Resource{
		Type:    document.Get("resourceType").String(),
		ID:      document.Get("id").String(),
		Payload: json.RawMessage(data),
	}
	if result.Type == "" || result.ID == "" {
		return nil, errors.New("FHIR resource is missing resourceType or id")
	}
	lastUpdated := document.Get("meta.lastUpdated")
	if !lastUpdated.Exists() {
		return nil, fmt.Errorf("FHIR resource %s has no meta.lastUpdated", result.Reference())
	}
	var err error
	result.LastUpdated, err = time.Parse(time.RFC3339Nano, lastUpdated.String())
	if err != nil {
		return nil, fmt.Errorf("FHIR resource %s has invalid meta.lastUpdated: %w", result.Reference(), err)
	}
	return &result, nil
}
