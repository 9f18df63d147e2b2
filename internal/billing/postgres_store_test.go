package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type mockDB struct {
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.queryFunc(ctx, sql, args...)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows yields one ProviderUsage per entry.
type mockRows struct {
	data []ProviderUsage
	pos  int
	err  error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	u := r.data[r.pos-1]
	*dest[0].(*string) = u.Provider
	*dest[1].(*int64) = u.Requests
	*dest[2].(*int64) = u.Tokens
	*dest[3].(*float64) = u.Cost
	return nil
}

func TestLogUsage_Inserted(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotSQL string
	var gotArgs []any
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		gotSQL, gotArgs = sql, args
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*string) = "row-1"
			*dest[1].(*time.Time) = created
			return nil
		}}
	}}

	log := &UsageLog{CallID: "call-1", UserID: "learner-1", Provider: "gemini", Tokens: 30, CostUSD: 0.002, Outcome: "served"}
	if err := NewPostgresStore(db).LogUsage(context.Background(), log); err != nil {
		t.Fatalf("LogUsage failed: %v", err)
	}

	if !strings.Contains(gotSQL, "ON CONFLICT (call_id) DO NOTHING") {
		t.Errorf("Insert must be idempotent on call_id: %s", gotSQL)
	}
	if gotArgs[0] != "call-1" || gotArgs[1] != "learner-1" {
		t.Errorf("Unexpected args %v", gotArgs)
	}
	if log.ID != "row-1" || !log.CreatedAt.Equal(created) {
		t.Errorf("Expected returned id and timestamp, got %q %v", log.ID, log.CreatedAt)
	}
}

func TestLogUsage_DuplicateCallIsNoop(t *testing.T) {
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		// a conflicting insert returns no row
		return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
	}}

	log := &UsageLog{CallID: "call-1", UserID: "learner-1"}
	if err := NewPostgresStore(db).LogUsage(context.Background(), log); err != nil {
		t.Errorf("Replayed call id should not fail, got %v", err)
	}
	if log.ID != "" {
		t.Errorf("Replayed call should not get an id, got %q", log.ID)
	}
}

func TestLogUsage_Error(t *testing.T) {
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error { return errors.New("connection reset") }}
	}}

	err := NewPostgresStore(db).LogUsage(context.Background(), &UsageLog{CallID: "call-1"})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}

func TestUsageByProvider(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	var gotArgs []any
	db := &mockDB{queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotArgs = args
		return &mockRows{data: []ProviderUsage{
			{Provider: "gemini", Requests: 2, Tokens: 80, Cost: 0.25},
			{Provider: "openrouter", Requests: 3, Tokens: 120, Cost: 0.5},
		}}, nil
	}}

	out, err := NewPostgresStore(db).UsageByProvider(context.Background(), "learner-1", from, to)
	if err != nil {
		t.Fatalf("UsageByProvider failed: %v", err)
	}
	if len(out) != 2 || out[1].Provider != "openrouter" || out[1].Requests != 3 {
		t.Errorf("Unexpected rows %+v", out)
	}
	if gotArgs[0] != "learner-1" || gotArgs[1] != from || gotArgs[2] != to {
		t.Errorf("Unexpected args %v", gotArgs)
	}
}

func TestUsageByProvider_Errors(t *testing.T) {
	db := &mockDB{queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return nil, errors.New("db down")
	}}
	if _, err := NewPostgresStore(db).UsageByProvider(context.Background(), "u", time.Now(), time.Now()); err == nil {
		t.Error("Expected query error")
	}

	db.queryFunc = func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("stream broke")}, nil
	}
	if _, err := NewPostgresStore(db).UsageByProvider(context.Background(), "u", time.Now(), time.Now()); err == nil {
		t.Error("Expected iteration error")
	}
}
