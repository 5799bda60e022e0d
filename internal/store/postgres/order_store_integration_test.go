//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/store/storetest"
)

var testClient *Client

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "orderflow"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	code := 0
	if err := setup(ctx, container); err != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", err)
	} else {
		code = m.Run()
	}

	if testClient != nil {
		testClient.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func setup(ctx context.Context, container testcontainers.Container) error {
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}

	// The port accepts connections slightly before postgres is ready.
	deadline := time.Now().Add(30 * time.Second)
	for {
		testClient, err = New(ctx, ClientConfig{
			Host: host, Port: port.Int(), Database: "orderflow",
			User: "postgres", Password: "secret",
		})
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return err
	}
	return testClient.RunMigrations(ctx)
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE execution_logs, orders`)
	require.NoError(t, err)
}

func TestOrderStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.OrderStore {
		truncate(t, testClient.Pool())
		return NewOrderStore(testClient.Pool())
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testClient.RunMigrations(context.Background()))

	var n int
	err := testClient.Pool().QueryRow(context.Background(),
		`SELECT COUNT(*) FROM orderflow_migrations`).Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
