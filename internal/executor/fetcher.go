package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrArtifactOutsideRoot is returned for locations that escape the artifact root.
var ErrArtifactOutsideRoot = errors.New("artifact location escapes artifact root")

// ArtifactFetcher resolves an implementation's file location to a local path.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, location string) (string, error)
}

// FileFetcher resolves locations on the local filesystem under Root.
type FileFetcher struct {
	Root string
}

// NewFileFetcher creates a fetcher rooted at root.
func NewFileFetcher(root string) *FileFetcher {
	return &FileFetcher{Root: root}
}

// Fetch resolves location under the root and checks that it is a regular file.
// A "file://" prefix is accepted. Absolute locations must still lie under the root.
func (f *FileFetcher) Fetch(ctx context.Context, location string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	location = strings.TrimPrefix(strings.TrimSpace(location), "file://")
	if location == "" {
		return "", fmt.Errorf("empty artifact location")
	}

	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", fmt.Errorf("resolve artifact root: %w", err)
	}

	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrArtifactOutsideRoot, location)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("artifact %s: %w", location, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("artifact %s is not a regular file", location)
	}
	return path, nil
}
