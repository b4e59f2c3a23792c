package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/ptyhost/internal/protocol"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "layouts.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func intPtr(v int) *int { return &v }

func TestLayoutRoundTrip(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	tabs := []protocol.RawTerminalTabLayout{
		{
			IsActive:                  true,
			ActivePersistentProcessID: intPtr(2),
			Terminals: []protocol.RawTerminalInstanceLayout{
				{RelativeSize: 0.5, Terminal: 1},
				{RelativeSize: 0.5, Terminal: 2},
			},
		},
	}
	require.NoError(t, s.SetLayout(ctx, "ws1", tabs, []int{7}))

	got, err := s.Layout(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "ws1", got.WorkspaceID)
	assert.Equal(t, tabs, got.Tabs)
	assert.Equal(t, []int{7}, got.Background)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSetLayoutOverwrites(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.SetLayout(ctx, "ws", []protocol.RawTerminalTabLayout{{Terminals: []protocol.RawTerminalInstanceLayout{{Terminal: 1}}}}, nil))
	require.NoError(t, s.SetLayout(ctx, "ws", nil, nil))

	got, err := s.Layout(ctx, "ws")
	require.NoError(t, err)
	assert.Empty(t, got.Tabs)
	assert.Empty(t, got.Background)
}

func TestMissingLayout(t *testing.T) {
	s, _ := openTemp(t)
	_, err := s.Layout(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteLayout(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.SetLayout(ctx, "a", nil, nil))
	require.NoError(t, s.SetLayout(ctx, "b", nil, nil))
	require.NoError(t, s.DeleteLayout(ctx, "a"))
	require.NoError(t, s.DeleteLayout(ctx, "missing"))

	ids, err := s.Workspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestReopenKeepsDataAndSkipsMigrations(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.SetLayout(ctx, "ws", nil, []int{3}))
	require.NoError(t, s.Close())

	again, err := Open(ctx, path)
	require.NoError(t, err)
	defer again.Close()

	var versions int
	require.NoError(t, again.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&versions))
	assert.Equal(t, len(migrations), versions)

	got, err := again.Layout(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, got.Background)
}
