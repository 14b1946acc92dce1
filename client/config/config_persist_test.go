package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.ntppool.org/common/logger"
)

func testContext() context.Context {
	return logger.NewContext(context.Background(), logger.Setup())
}

func intPtr(i int) *int { return &i }

func TestReplaceFileAtomic(t *testing.T) {
	tests := []struct {
		name     string
		content  []byte
		existing bool
	}{
		{
			name:     "create new file",
			content:  []byte("new content"),
			existing: false,
		},
		{
			name:     "replace existing file",
			content:  []byte("updated content"),
			existing: true,
		},
		{
			name:     "empty content",
			content:  []byte(""),
			existing: false,
		},
		{
			name:     "large content",
			content:  make([]byte, 10*1024), // 10KB
			existing: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			testFile := filepath.Join(tmpDir, "test.txt")

			if tt.existing {
				err := os.WriteFile(testFile, []byte("original content"), 0o644)
				require.NoError(t, err)
			}

			err := ReplaceFile(testFile, tt.content)
			require.NoError(t, err)

			result, err := os.ReadFile(testFile)
			require.NoError(t, err)
			assert.Equal(t, tt.content, result)

			_, err = os.Stat(testFile + ".tmp")
			assert.True(t, os.IsNotExist(err), "tmp file should not exist after replacement")
		})
	}
}

func TestReplaceFileAtomicConcurrentReaders(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrent test in short mode")
	}

	testFile := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("initial content"), 0o644))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	results := make(chan []byte, 500)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				content, err := os.ReadFile(testFile)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					return
				}
				select {
				case results <- content:
				default:
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 3; j++ {
			if err := ReplaceFile(testFile, []byte(fmt.Sprintf("updated content %d", j))); err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	wg.Wait()
	close(errs)
	close(results)

	for err := range errs {
		t.Errorf("Concurrent operation error: %v", err)
	}

	for content := range results {
		s := string(content)
		assert.True(t, s == "initial content" || strings.HasPrefix(s, "updated content"),
			"content should be valid, got: %q", s)
	}
}

func TestSelectionPersistence(t *testing.T) {
	ctx := testContext()

	t.Run("save and load cycle", func(t *testing.T) {
		dir := t.TempDir()

		st, err := Open(ctx, dir)
		require.NoError(t, err)
		assert.False(t, st.HaveSelection())
		assert.Nil(t, st.Selection().CandidateID)

		ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, st.SetSelection(ctx, SelectionState{CandidateID: intPtr(5), UpdatedAt: ts}))

		st2, err := Open(ctx, dir)
		require.NoError(t, err)
		assert.True(t, st2.HaveSelection())
		sel := st2.Selection()
		require.NotNil(t, sel.CandidateID)
		assert.Equal(t, 5, *sel.CandidateID)
		assert.True(t, ts.Equal(sel.UpdatedAt))
	})

	t.Run("deselect persists null", func(t *testing.T) {
		dir := t.TempDir()
		st, err := Open(ctx, dir)
		require.NoError(t, err)

		require.NoError(t, st.SetSelection(ctx, SelectionState{CandidateID: intPtr(3)}))
		require.NoError(t, st.SetSelection(ctx, SelectionState{}))

		b, err := os.ReadFile(filepath.Join(dir, stateFile))
		require.NoError(t, err)
		assert.Contains(t, string(b), `"speed_server_id": null`)
	})

	t.Run("malformed JSON is ignored", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), []byte("{not json"), 0o600))

		st, err := Open(ctx, dir)
		require.NoError(t, err)
		assert.False(t, st.HaveSelection())
	})

	t.Run("creates nested state dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := Open(ctx, dir)
		require.NoError(t, err)

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	})

	t.Run("read-only directory", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("permissions are not enforced for root")
		}
		dir := t.TempDir()
		st, err := Open(ctx, dir)
		require.NoError(t, err)

		require.NoError(t, os.Chmod(dir, 0o500))
		defer os.Chmod(dir, 0o700)

		err = st.SetSelection(ctx, SelectionState{CandidateID: intPtr(1)})
		assert.Error(t, err)
		assert.False(t, st.HaveSelection(), "failed save leaves the view unchanged")
	})
}

func TestSelectionEqual(t *testing.T) {
	tests := []struct {
		name  string
		state *int
		id    *int
		want  bool
	}{
		{"both nil", nil, nil, true},
		{"same id", intPtr(5), intPtr(5), true},
		{"different id", intPtr(5), intPtr(6), false},
		{"nil state", nil, intPtr(5), false},
		{"deselect", intPtr(5), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectionState{CandidateID: tt.state}.Equal(tt.id))
		})
	}
}
