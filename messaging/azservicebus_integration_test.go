//go:build slowtests

package messaging

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestAzureServiceBusBroker(t *testing.T) {
	dockerNetwork, err := setupDockerNetwork(t)
	require.NoError(t, err)
	sqlServerContainer := setupSQLServer(t, dockerNetwork)
	serviceBus := setupAzureServiceBus(t, dockerNetwork, sqlServerContainer)

	notifications := Entity{Name: "subscription-notifications"}
	broker, err := newAzureServiceBusBroker(AzureServiceBusConfig{
		ConnectionString: "Endpoint=sb://" + serviceBus + ";SharedAccessKeyName=RootManageSharedAccessKey;SharedAccessKey=SAS_KEY_VALUE;UseDevelopmentEmulator=true;",
	}, []Entity{notifications}, "orca-")
	require.NoError(t, err)
	// When the container signals ready, the Service Bus emulator actually isn't ready yet.
	// See https://github.com/Azure/azure-service-bus-emulator-installer/issues/35
	time.Sleep(3 * time.Second)
	t.Cleanup(func() {
		_ = broker.Close(context.Background())
	})

	t.Run("send and receive message", func(t *testing.T) {
		received := make(chan Message, 1)
		require.NoError(t, broker.Receive(notifications, func(_ context.Context, message Message) error {
			received <- message
			return nil
		}))

		err := broker.SendMessage(context.Background(), notifications, &Message{
			Body:                  []byte(`{"resourceType":"Bundle"}`),
			ContentType:           "application/fhir+json",
			ApplicationProperties: map[string]any{"subscription": "S1"},
		})
		require.NoError(t, err)

		select {
		case message := <-received:
			require.Equal(t, `{"resourceType":"Bundle"}`, string(message.Body))
			require.Equal(t, "S1", message.ApplicationProperties["subscription"])
		case <-time.After(10 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	})
	t.Run("entity not existing in Azure ServiceBus", func(t *testing.T) {
		err := broker.SendMessage(context.Background(), Entity{Name: "not-existing-in-servicebus"}, &Message{
			Body:        []byte(`{}`),
			ContentType: "application/json",
		})
		require.ErrorContains(t, err, "amqp:not-found")
	})
	t.Run("shutdown", func(t *testing.T) {
		err := broker.Close(context.Background())
		require.NoError(t, err)

		err = broker.SendMessage(context.Background(), Entity{Name: "other"}, &Message{})
		require.ErrorContains(t, err, "broker is closed")
	})
}

func setupSQLServer(t *testing.T, dockerNetwork *tc.DockerNetwork) string {
	t.Log("Starting SQL Server...")
	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "mcr.microsoft.com/mssql/server:2022-latest",
		ExposedPorts: []string{"1433/tcp"},
		Networks:     []string{dockerNetwork.Name},
		Env: map[string]string{
			"ACCEPT_EULA":       "Y",
			"MSSQL_SA_PASSWORD": "Z4perS3!cr3!t",
		},
	}
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
	containerName, err := container.Name(ctx)
	require.NoError(t, err)
	return strings.TrimPrefix(containerName, "/")
}

func setupAzureServiceBus(t *testing.T, dockerNetwork *tc.DockerNetwork, sqlServerHost string) string {
	t.Log("Starting Azure Service Bus...")
	ctx := context.Background()
	const port = "5672/tcp"
	const httpPort = "5300/tcp"
	req := tc.ContainerRequest{
		Image:        "mcr.microsoft.com/azure-messaging/servicebus-emulator:1.1.2",
		ExposedPorts: []string{port, httpPort},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(port),
			wait.ForListeningPort(httpPort),
			wait.ForHTTP("/health").WithPort(httpPort),
		),
		Networks: []string{dockerNetwork.Name},
		Files: []tc.ContainerFile{
			{
				HostFilePath:      "servicebus-emulator.json",
				ContainerFilePath: "/ServiceBus_Emulator/ConfigFiles/Config.json",
				FileMode:          0444,
			},
		},
		Env: map[string]string{
			"SQL_SERVER":        sqlServerHost,
			"MSSQL_SA_PASSWORD": "Z4perS3!cr3!t",
			"ACCEPT_EULA":       "Y",
			"SQL_WAIT_INTERVAL": "0",
		},
	}
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
	endpoint, err := container.PortEndpoint(ctx, port, "")
	require.NoError(t, err)
	return endpoint
}

func setupDockerNetwork(t *testing.T) (*tc.DockerNetwork, error) {
	dockerNetwork, err := network.New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := dockerNetwork.Remove(context.Background()); err != nil {
			panic(err)
		}
	})
	return dockerNetwork, err
}
