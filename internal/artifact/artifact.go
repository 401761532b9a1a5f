// Package artifact stores generated proposal documents under the workspace.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

type Artifact struct {
	Name    string
	Content []byte
}

type Workspace interface {
	Persist(ctx context.Context, projectID string, a Artifact) (string, error)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Dir writes artifacts to <Root>/<project>/<name>.
type Dir struct {
	Root string
}

func (d Dir) Persist(ctx context.Context, projectID string, a Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := unsafeName.ReplaceAllString(a.Name, "_")
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid artifact name %q", a.Name)
	}
	dir := filepath.Join(d.Root, unsafeName.ReplaceAllString(projectID, "_"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, a.Content, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}
