package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/fake"
	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/stretchr/testify/require"
)

func TestNewAzureHTTPClient(t *testing.T) {
	var capturedAuthorization string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fhir/Patient/123", func(w http.ResponseWriter, r *http.Request) {
		capturedAuthorization = r.Header.Get("Authorization")
		if capturedAuthorization == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Add("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"123","meta":{"lastUpdated":"2024-03-01T10:00:00Z"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	baseURL, _ := url.Parse(server.URL + "/fhir")

	store := FHIRStore{
		client:   fhirclient.New(baseURL, NewAzureHTTPClient(&fake.TokenCredential{}, DefaultAzureScope(baseURL)), fhirClientConfig()),
		pageSize: 10,
	}
	resource, err := store.Get(context.Background(), "Patient", "123")

	require.NoError(t, err)
	require.Equal(t, "123", resource.ID)
	require.Equal(t, "Bearer fake_token", capturedAuthorization)
}

func TestDefaultAzureScope(t *testing.T) {
	baseURL, _ := url.Parse("https://example.fhir.azurehealthcareapis.com/fhir")
	require.Equal(t, []string{"example.fhir.azurehealthcareapis.com/.default"}, DefaultAzureScope(baseURL))
}
