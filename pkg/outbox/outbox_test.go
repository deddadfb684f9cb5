package outbox_test

import (
	"context"
	"testing"
	"time"

	memorybroker "github.com/lattice-events/eventcore/pkg/broker/adapters/memory"
	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/outbox"
	"github.com/lattice-events/eventcore/pkg/test"
)

type outboxSuite struct {
	test.Suite
	store *outbox.GormStore
}

func (s *outboxSuite) SetupTest() {
	s.Suite.SetupTest()
	store, err := outbox.NewGormStore(outbox.Config{
		Driver: outbox.DriverSQLite,
		Name:   ":memory:",
	}, "test-node")
	s.Require().NoError(err)
	s.store = store
}

func (s *outboxSuite) TearDownTest() {
	s.store.Close()
}

func (s *outboxSuite) TestStageThenDispatchPublishesExactlyOnce() {
	ctx, cancel := context.WithTimeout(s.Ctx, 5*time.Second)
	defer cancel()

	b := memorybroker.New(memorybroker.Config{DefaultPartitions: 1, MaxMessagesPerTopic: 100})
	s.Require().NoError(b.Connect(ctx))
	defer b.Disconnect(ctx)

	env := envelope.New("svc.order.created.v3", "11111111-1111-1111-1111-111111111111", map[string]interface{}{
		"service_id": "s1",
	})

	txc := outbox.WithTx(s.store, nil)
	s.Require().NoError(txc.Stage(ctx, env, 3600))

	statsBefore, err := s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), statsBefore.Pending)

	dispatcher := outbox.NewDispatcher(s.store, b, outbox.DispatcherConfig{
		DispatchInterval: 50 * time.Millisecond,
		RetryInterval:    time.Second,
		CleanupInterval:  time.Minute,
		BatchSize:        10,
		MaxRetries:       3,
		RetentionDays:    7,
	}, nil)

	dctx, dcancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer dcancel()
	dispatcher.Run(dctx)

	stats, err := s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Published)
}

func (s *outboxSuite) TestCleanupExpiresAndDeletesOldEntries() {
	env := envelope.New("svc.order.expired.v1", "22222222-2222-2222-2222-222222222222", map[string]interface{}{
		"service_id": "s1",
	})
	txc := outbox.WithTx(s.store, nil)
	s.Require().NoError(txc.Stage(s.Ctx, env, 1))

	time.Sleep(1100 * time.Millisecond)

	transitioned, deleted, err := s.store.CleanupExpired(s.Ctx, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), transitioned)
	s.Equal(int64(1), deleted)
}

func TestOutboxSuite(t *testing.T) {
	test.Run(t, new(outboxSuite))
}
