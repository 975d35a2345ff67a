// Package test holds test helpers that start backing services in containers.
// Tests using them need Docker and are tagged slowtests.
package test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupHAPI starts a HAPI FHIR server and returns its FHIR base URL.
func SetupHAPI(t *testing.T) *url.URL {
	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "hapiproject/hapi:v7.2.0",
		ExposedPorts: []string{"8080/tcp"},
		Env: map[string]string{
			"hapi.fhir.fhir_version":              "R4",
			"hapi.fhir.allow_external_references": "true",
		},
		WaitingFor: wait.ForHTTP("/fhir/Observation").WithStartupTimeout(2 * time.Minute),
	}
	container := startContainer(t, req)
	endpoint, err := container.Endpoint(ctx, "http")
	require.NoError(t, err)
	u, err := url.Parse(endpoint)
	require.NoError(t, err)
	return u.JoinPath("fhir")
}

// SetupPostgres starts a PostgreSQL server and returns a connection string for its database.
func SetupPostgres(t *testing.T) string {
	t.Log("Starting PostgreSQL...")
	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "orca",
			"POSTGRES_PASSWORD": "orca",
			"POSTGRES_DB":       "orca",
		},
		// The server restarts once after initializing the database
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container := startContainer(t, req)
	endpoint, err := container.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)
	return "postgres://orca:orca@" + endpoint + "/orca?sslmode=disable"
}

func startContainer(t *testing.T, req tc.ContainerRequest) tc.Container {
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			panic(err)
		}
	})
	return container
}
