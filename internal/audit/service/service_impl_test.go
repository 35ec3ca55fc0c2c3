package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/fiskal/internal/audit/domain"
	auditrepository "github.com/smallbiznis/fiskal/internal/audit/repository"
	auditcontext "github.com/smallbiznis/fiskal/internal/auditcontext"
	"github.com/smallbiznis/fiskal/internal/clock"
	"github.com/smallbiznis/fiskal/internal/orgcontext"
	"github.com/smallbiznis/fiskal/pkg/db/pagination"
)

func setup(t *testing.T) (auditdomain.Service, *gorm.DB, *snowflake.Node, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Repo:  auditrepository.Provide(),
	})
	return svc, db, node, fc
}

func TestAuditLog_PersistsEntryWithContext(t *testing.T) {
	svc, db, node, fc := setup(t)
	orgID := node.Generate()

	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))
	ctx = auditcontext.WithRequestID(ctx, "req-123")
	ctx = auditcontext.WithIPAddress(ctx, "10.0.0.5")

	targetID := "42"
	err := svc.AuditLog(ctx, nil, string(auditdomain.ActorTypeUser), nil, "invoice.issued", "invoice", &targetID, map[string]any{
		"invoice_number": "INV-000001",
	})
	require.NoError(t, err)

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry).Error)
	require.NotNil(t, entry.OrgID)
	assert.Equal(t, orgID, *entry.OrgID)
	assert.Equal(t, "invoice.issued", entry.Action)
	assert.Equal(t, "invoice", entry.TargetType)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "42", *entry.TargetID)
	assert.Equal(t, "INV-000001", entry.Metadata["invoice_number"])
	assert.Equal(t, "req-123", entry.Metadata["request_id"])
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.5", *entry.IPAddress)
	assert.Equal(t, fc.Now(), entry.CreatedAt.UTC())
}

func TestAuditLog_EmptyActionRejected(t *testing.T) {
	svc, _, node, _ := setup(t)
	orgID := node.Generate()

	err := svc.AuditLog(context.Background(), &orgID, "", nil, "  ", "invoice", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestTrail_AscendingOrder(t *testing.T) {
	svc, _, node, fc := setup(t)
	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	targetID := "77"
	for _, action := range []string{"invoice.created", "invoice.issued", "invoice.status_changed"} {
		require.NoError(t, svc.AuditLog(ctx, nil, string(auditdomain.ActorTypeUser), nil, action, "invoice", &targetID, nil))
		fc.Advance(time.Minute)
	}

	trail, err := svc.Trail(ctx, orgID, "invoice", targetID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "invoice.created", trail[0].Action)
	assert.Equal(t, "invoice.status_changed", trail[2].Action)
	assert.True(t, trail[0].CreatedAt.Before(trail[2].CreatedAt))
}

func TestList_CursorPagination(t *testing.T) {
	svc, _, node, fc := setup(t)
	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	for i := 0; i < 5; i++ {
		targetID := fmt.Sprintf("%d", i)
		require.NoError(t, svc.AuditLog(ctx, nil, string(auditdomain.ActorTypeSystem), nil, "invoice.created", "invoice", &targetID, nil))
		fc.Advance(time.Second)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Len(t, first.AuditLogs, 5)
	assert.False(t, first.HasMore)

	paged, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	assert.Len(t, paged.AuditLogs, 2)
	assert.True(t, paged.HasMore)
	require.NotEmpty(t, paged.NextPageToken)

	next, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: paged.NextPageToken, PageSize: 2},
	})
	require.NoError(t, err)
	assert.Len(t, next.AuditLogs, 2)
	assert.NotEqual(t, paged.AuditLogs[0].ID, next.AuditLogs[0].ID)
}

func TestList_InvalidPageToken(t *testing.T) {
	svc, _, node, _ := setup(t)
	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	_, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "not-a-token", PageSize: 10},
	})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func TestList_InvalidTimeRange(t *testing.T) {
	svc, _, node, fc := setup(t)
	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	start := fc.Now()
	end := start.Add(-time.Hour)
	_, err := svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}

func TestList_MissingOrgRejected(t *testing.T) {
	svc, _, _, _ := setup(t)

	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidOrganization)
}
