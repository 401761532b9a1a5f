package artifact_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"proposalflow/internal/artifact"
)

func TestPersistWritesUnderProjectDir(t *testing.T) {
	root := t.TempDir()
	ws := artifact.Dir{Root: root}
	loc, err := ws.Persist(context.Background(), "p/1", artifact.Artifact{Name: "deck v1.md", Content: []byte("# deck")})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "p_1", "deck_v1.md"), loc)
	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	require.Equal(t, "# deck", string(data))

	_, err = ws.Persist(context.Background(), "p1", artifact.Artifact{Name: ".."})
	require.Error(t, err)
}
