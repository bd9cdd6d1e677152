//go:build integration

package mariadb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/face-pipeline/internal/config"
	"github.com/kozaktomas/face-pipeline/internal/store"
	"github.com/kozaktomas/face-pipeline/internal/store/storetest"
)

func setupTestContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mariadb:11",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MARIADB_USER":          "test",
			"MARIADB_PASSWORD":      "test",
			"MARIADB_DATABASE":      "testdb",
			"MARIADB_ROOT_PASSWORD": "root",
		},
		WaitingFor: wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return "", func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("test:test@tcp(%s:%s)/testdb?parseTime=true", host, port.Port())
	return dsn, func() { container.Terminate(ctx) }
}

func TestMariaDBStore(t *testing.T) {
	dsn, cleanup := setupTestContainer(t)
	if dsn == "" {
		return
	}
	defer cleanup()

	ctx := context.Background()
	s, err := Open(ctx, &config.StoreConfig{URL: dsn, MaxOpenConns: 10, MaxIdleConns: 2})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	storetest.Run(t, func(t *testing.T) store.Store {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM work_items"); err != nil {
			t.Fatalf("Failed to clear work items: %v", err)
		}
		return s
	})
}
