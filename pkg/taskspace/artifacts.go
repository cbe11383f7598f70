package taskspace

import (
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomaestro/maestro/pkg/protocol"
)

// ArtifactInfo describes one stored artifact.
type ArtifactInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	MimeHint   string    `json:"mime_hint,omitempty"`
}

const versionsDir = ".versions"

// CleanArtifactPath validates and normalizes an artifact path. Absolute
// paths and traversal outside the artifacts root are rejected with a
// policy error.
func CleanArtifactPath(p string) (string, error) {
	if p == "" {
		return "", protocol.NewError(protocol.KindValidation, "artifact path is empty")
	}
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return "", protocol.NewError(protocol.KindPolicy, "artifact path %q is absolute", p)
	}
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", protocol.NewError(protocol.KindPolicy, "artifact path %q escapes the taskspace", p)
	}
	if clean == versionsDir || strings.HasPrefix(clean, versionsDir+"/") {
		return "", protocol.NewError(protocol.KindPolicy, "artifact path %q is reserved", p)
	}
	return clean, nil
}

// WriteArtifact stores a new version of the artifact at the given relative
// path. Writes are crash-atomic (temp + rename) and every write appends a
// copy under artifacts/.versions/<path>/<N>.
func (s *Store) WriteArtifact(taskID, relPath string, data []byte) (ArtifactInfo, error) {
	clean, err := CleanArtifactPath(relPath)
	if err != nil {
		return ArtifactInfo{}, err
	}
	h, err := s.handle(taskID)
	if err != nil {
		return ArtifactInfo{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	root := filepath.Join(h.dir, "artifacts")
	target := filepath.Join(root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ArtifactInfo{}, protocol.NewError(protocol.KindStorage, "mkdir: %v", err)
	}

	verDir := filepath.Join(root, versionsDir, filepath.FromSlash(clean))
	version, err := nextVersion(verDir)
	if err != nil {
		return ArtifactInfo{}, err
	}

	// Version copy first, then the atomic swap of the current content:
	// a crash in between leaves the history ahead of the head, never behind.
	if err := os.MkdirAll(verDir, 0o755); err != nil {
		return ArtifactInfo{}, protocol.NewError(protocol.KindStorage, "mkdir versions: %v", err)
	}
	if err := writeFileAtomic(filepath.Join(verDir, strconv.Itoa(version)), data); err != nil {
		return ArtifactInfo{}, err
	}
	if err := writeFileAtomic(target, data); err != nil {
		return ArtifactInfo{}, err
	}

	now := time.Now().UTC()
	info := ArtifactInfo{
		Path:       clean,
		Size:       int64(len(data)),
		Version:    version,
		ModifiedAt: now,
		MimeHint:   mime.TypeByExtension(path.Ext(clean)),
	}
	if version == 1 {
		info.CreatedAt = now
	}
	return info, nil
}

// ReadArtifact returns the current content of an artifact.
func (s *Store) ReadArtifact(taskID, relPath string) ([]byte, error) {
	clean, err := CleanArtifactPath(relPath)
	if err != nil {
		return nil, err
	}
	h, err := s.handle(taskID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(h.dir, "artifacts", filepath.FromSlash(clean)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// ListArtifacts walks the artifacts root, skipping version history.
func (s *Store) ListArtifacts(taskID string) ([]ArtifactInfo, error) {
	h, err := s.handle(taskID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	root := filepath.Join(h.dir, "artifacts")
	var out []ArtifactInfo
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == versionsDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		slashRel := filepath.ToSlash(rel)
		version, _ := currentVersion(filepath.Join(root, versionsDir, rel))
		out = append(out, ArtifactInfo{
			Path:       slashRel,
			Size:       fi.Size(),
			Version:    version,
			ModifiedAt: fi.ModTime().UTC(),
			MimeHint:   mime.TypeByExtension(path.Ext(slashRel)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func nextVersion(verDir string) (int, error) {
	cur, err := currentVersion(verDir)
	if err != nil {
		return 0, err
	}
	return cur + 1, nil
}

func currentVersion(verDir string) (int, error) {
	entries, err := os.ReadDir(verDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	max := 0
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && n > max {
			max = n
		}
	}
	return max, nil
}

func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return protocol.NewError(protocol.KindStorage, "create temp: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return protocol.NewError(protocol.KindStorage, "write temp: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return protocol.NewError(protocol.KindStorage, "sync temp: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return protocol.NewError(protocol.KindStorage, "close temp: %v", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return protocol.NewError(protocol.KindStorage, "rename: %v", err)
	}
	return nil
}
