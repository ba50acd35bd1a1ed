package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"coderoom/backend/internal/blob"
	"coderoom/backend/internal/crdt"
)

// skipDirs are build artifacts and dependency trees that never sync back
// to the durable store.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".next":        true,
}

// materialize writes every stored object of a project into dir as plain
// files and directories. Undecodable objects are left out of the
// workspace and returned so sync-back knows not to treat them as deleted.
func materialize(ctx context.Context, store blob.Store, projectID, dir string) (map[string]bool, error) {
	keys, err := store.List(ctx, blob.ProjectPrefix(projectID))
	if err != nil {
		return nil, fmt.Errorf("list project objects: %w", err)
	}
	skipped := make(map[string]bool)
	for _, key := range keys {
		rel := blob.FilePath(projectID, key)
		if blob.IsFolderKey(key) {
			path := filepath.Join(dir, filepath.FromSlash(strings.TrimSuffix(rel, "/")))
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", rel, err)
			}
			continue
		}

		data, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, err)
		}
		doc, err := crdt.Decode(data)
		if err != nil {
			log.Printf("WARNING: undecodable object %s, skipping: %v", key, err)
			skipped[key] = true
			continue
		}
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create parent of %s: %w", rel, err)
		}
		if err := os.WriteFile(path, []byte(doc.Flatten()), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return skipped, nil
}

// syncBack mirrors the scratch directory into the durable store: changed
// files are merged into their existing documents, new files and folders
// are created, and objects with no counterpart on disk are deleted.
// Keys in preserve were never materialized and are exempt from deletion.
func syncBack(ctx context.Context, store blob.Store, projectID, dir string, preserve map[string]bool) error {
	seen := make(map[string]bool)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			seen[rel+"/"] = true
			return store.Put(ctx, blob.FolderKey(projectID, rel), nil)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		seen[rel] = true
		return syncFile(ctx, store, blob.FileKey(projectID, rel), string(data))
	})
	if err != nil {
		return fmt.Errorf("walk workspace: %w", err)
	}

	keys, err := store.List(ctx, blob.ProjectPrefix(projectID))
	if err != nil {
		return fmt.Errorf("list project objects: %w", err)
	}
	for _, key := range keys {
		rel := blob.FilePath(projectID, key)
		if seen[rel] || preserve[key] || underSkipped(rel) {
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete stale %s: %w", key, err)
		}
	}
	return nil
}

// syncFile folds a file's on-disk content into its stored document.
func syncFile(ctx context.Context, store blob.Store, key, text string) error {
	existing, err := store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotExist) {
		return store.Put(ctx, key, crdt.FromText(text).Encode())
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}

	doc, err := crdt.Decode(existing)
	if err != nil {
		log.Printf("WARNING: undecodable object %s, rebuilding: %v", key, err)
		return store.Put(ctx, key, crdt.FromText(text).Encode())
	}
	changed, err := reconcile(doc, text)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", key, err)
	}
	if !changed {
		return nil
	}
	return store.Put(ctx, key, doc.Encode())
}

func underSkipped(rel string) bool {
	for _, seg := range strings.Split(strings.TrimSuffix(rel, "/"), "/") {
		if skipDirs[seg] {
			return true
		}
	}
	return false
}
