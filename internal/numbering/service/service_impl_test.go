package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/fiskal/internal/clock"
	"github.com/smallbiznis/fiskal/internal/numbering/domain"
)

func setup(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.DocumentSequence{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	svc := NewService(Params{
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)),
	})
	return svc, db, node
}

func TestNext_Monotonic(t *testing.T) {
	svc, db, node := setup(t)
	orgID := node.Generate()

	for want := int64(1); want <= 5; want++ {
		got, err := svc.Next(context.Background(), db, orgID, domain.DocumentClassInvoice)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNext_ClassesAreIndependent(t *testing.T) {
	svc, db, node := setup(t)
	orgID := node.Generate()

	inv, err := svc.Next(context.Background(), db, orgID, domain.DocumentClassInvoice)
	require.NoError(t, err)
	cn, err := svc.Next(context.Background(), db, orgID, domain.DocumentClassCreditNote)
	require.NoError(t, err)

	assert.Equal(t, int64(1), inv)
	assert.Equal(t, int64(1), cn)
}

func TestNext_OrgsAreIndependent(t *testing.T) {
	svc, db, node := setup(t)

	orgA := node.Generate()
	orgB := node.Generate()

	_, err := svc.Next(context.Background(), db, orgA, domain.DocumentClassInvoice)
	require.NoError(t, err)
	got, err := svc.Next(context.Background(), db, orgB, domain.DocumentClassInvoice)
	require.NoError(t, err)

	assert.Equal(t, int64(1), got)
}

func TestNext_RolledBackTransactionReleasesValue(t *testing.T) {
	svc, db, node := setup(t)
	orgID := node.Generate()

	err := db.Transaction(func(tx *gorm.DB) error {
		seq, err := svc.Next(context.Background(), tx, orgID, domain.DocumentClassInvoice)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq)
		return fmt.Errorf("force rollback")
	})
	require.Error(t, err)

	seq, err := svc.Next(context.Background(), db, orgID, domain.DocumentClassInvoice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestNext_ConcurrentCallersNeverShareAValue(t *testing.T) {
	svc, db, node := setup(t)
	orgID := node.Generate()

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Single connection serializes sqlite writers, matching how postgres
	// serializes the upsert row lock.
	sqlDB.SetMaxOpenConns(1)

	const workers = 8
	values := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := svc.Next(context.Background(), db, orgID, domain.DocumentClassInvoice)
			assert.NoError(t, err)
			values <- seq
		}()
	}
	wg.Wait()
	close(values)

	seen := make(map[int64]bool)
	for v := range values {
		assert.False(t, seen[v], "value %d issued twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, workers)
}

func TestNext_InvalidInput(t *testing.T) {
	svc, db, node := setup(t)

	_, err := svc.Next(context.Background(), db, 0, domain.DocumentClassInvoice)
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)

	_, err = svc.Next(context.Background(), db, node.Generate(), domain.DocumentClass("receipt"))
	assert.ErrorIs(t, err, domain.ErrInvalidClass)
}
