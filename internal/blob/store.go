// Package blob provides the durable store for serialized document state.
// Objects are keyed projects/{projectId}/{filePath}; folders are zero-byte
// markers with a trailing slash.
package blob

import (
	"context"
	"errors"
	"strings"
)

var ErrNotExist = errors.New("object does not exist")

// Store is the durability contract shared by the session server and the
// command workers.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// ProjectPrefix returns the key prefix holding every object of a project.
func ProjectPrefix(projectID string) string {
	return "projects/" + projectID + "/"
}

// FileKey returns the object key for one file of a project.
func FileKey(projectID, filePath string) string {
	return ProjectPrefix(projectID) + strings.TrimPrefix(filePath, "/")
}

// FolderKey returns the marker key for one directory of a project.
func FolderKey(projectID, dirPath string) string {
	return ProjectPrefix(projectID) + strings.Trim(dirPath, "/") + "/"
}

// IsFolderKey reports whether key is a folder marker.
func IsFolderKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// FilePath extracts the project-relative path from an object key.
func FilePath(projectID, key string) string {
	return strings.TrimPrefix(key, ProjectPrefix(projectID))
}
