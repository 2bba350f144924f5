package twosync

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	sharedDSNOnce sync.Once
	sharedDSN     string
	sharedDSNErr  error
)

// testDSN returns TEST_DATABASE_URL or starts one PostgreSQL container for the package
func testDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}

	sharedDSNOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("twokaj_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			sharedDSNErr = err
			return
		}
		sharedDSN, sharedDSNErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if sharedDSNErr != nil {
		t.Skipf("PostgreSQL not available: %v", sharedDSNErr)
	}
	return sharedDSN
}

// newTestService connects to a clean database and returns a migrated service
func newTestService(t *testing.T, publisher Publisher) *Service {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, err := NewService(pool, &ServiceConfig{AppName: "twokaj-test", Publisher: publisher}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	_, err = pool.Exec(ctx, `TRUNCATE gallery, messages, listings, users CASCADE`)
	require.NoError(t, err)
	return svc
}

// PublisherMock records published events
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	return m.Called().Error(0)
}

func testUser(id, pseudo string) User {
	return User{ID: id, Pseudo: pseudo, Email: pseudo + "@example.com", Password: "secret", Address: "Port-au-Prince"}
}

func testListingOf(id, userID, title string) Listing {
	return Listing{ID: id, UserID: userID, Title: title, Category: "outils", Location: "Jacmel"}
}

func testMessageOn(id, listingID, from, to string) Message {
	return Message{ID: id, ListingID: listingID, SenderID: from, ReceiverID: to, Content: "Bonjour", Type: MessageContact}
}
