package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func deadlineIn(t *testing.T, ctx context.Context, want time.Duration) {
	t.Helper()
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(want), deadline, time.Second)
}

func TestDefaultContexts(t *testing.T) {
	ctx, cancel := QueryContext(context.Background())
	defer cancel()
	deadlineIn(t, ctx, DefaultQueryTimeout)

	wctx, wcancel := WriteContext(context.Background())
	defer wcancel()
	deadlineIn(t, wctx, DefaultWriteTimeout)

	bctx, bcancel := BatchContext(context.Background())
	defer bcancel()
	deadlineIn(t, bctx, DefaultBatchTimeout)
}

func TestTimeouts_Override(t *testing.T) {
	to := Timeouts{Query: time.Minute, Batch: 2 * time.Minute}

	ctx, cancel := to.QueryContext(context.Background())
	defer cancel()
	deadlineIn(t, ctx, time.Minute)

	wctx, wcancel := to.WriteContext(context.Background())
	defer wcancel()
	deadlineIn(t, wctx, DefaultWriteTimeout)

	bctx, bcancel := to.BatchContext(context.Background())
	defer bcancel()
	deadlineIn(t, bctx, 2*time.Minute)
}

func TestBatchContext_SurvivesParentCancel(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := BatchContext(parent)
	defer cancel()

	cancelParent()

	assert.NoError(t, ctx.Err())
	_, ok := ctx.Deadline()
	assert.True(t, ok)
}

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation})
	deadlock := &pgconn.PgError{Code: CodeDeadlockDetected}
	missing := &pgconn.PgError{Code: CodeUndefinedTable}

	assert.Equal(t, CodeUniqueViolation, ErrorCode(unique))
	assert.Equal(t, "", ErrorCode(context.Canceled))
	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsUniqueViolation(deadlock))
	assert.True(t, IsContention(deadlock))
	assert.True(t, IsContention(&pgconn.PgError{Code: CodeSerializationFailure}))
	assert.False(t, IsContention(unique))
	assert.True(t, IsUndefinedTable(missing))
}
