// Package repos registers repository working trees and keeps their
// records honest against the filesystem. Uploads are extracted into
// content-addressed directories under a configured root; already
// on-disk trees can be registered in place; a change watcher flips
// needs_reindex on repositories whose tree drifts from the last
// analysis.
package repos

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/store"
	"github.com/google/uuid"
)

// Manager owns the upload root and registers repositories in the store.
type Manager struct {
	root   string
	store  store.Store
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager builds a Manager over the upload root, creating the
// directory when missing.
func NewManager(root string, st store.Store, opts ...Option) (*Manager, error) {
	if root == "" {
		return nil, errors.New("upload root is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	m := &Manager{
		root:   abs,
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the absolute upload root.
func (m *Manager) Root() string {
	return m.root
}

// RegisterUpload extracts a zip upload into a content-addressed
// directory and records the repository for userID. The directory name
// is the hex digest of the upload bytes; its digest doubles as the
// record's full name, so re-uploading identical bytes lands in the same
// directory and revives the same record instead of minting a duplicate.
func (m *Manager) RegisterUpload(ctx context.Context, userID, name string, data []byte) (*store.Repository, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errkind.NewInput(errors.New("user id is required"))
	}
	if len(data) == 0 {
		return nil, errkind.NewInput(errors.New("empty upload"))
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	dir := filepath.Join(m.root, digest)

	// A fresh extraction replaces whatever sits at the digest.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear upload directory: %w", err)
	}
	extracted, err := ExtractZip(data, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if extracted == 0 {
		_ = os.RemoveAll(dir)
		return nil, errkind.NewInput(errors.New("archive contains no files"))
	}

	now := time.Now().UTC()
	existing, err := m.store.GetRepositoryByFullName(ctx, userID, digest)
	switch {
	case err == nil:
		existing.Name = cleaned
		existing.LocalPath = dir
		existing.Status = store.RepoActive
		existing.NeedsReindex = false
		existing.UpdatedAt = now
		if err := m.store.UpdateRepository(ctx, existing); err != nil {
			return nil, fmt.Errorf("update repository: %w", err)
		}
		m.logger.Info("upload re-registered",
			"repository_id", existing.ID,
			"name", cleaned,
			"digest", digest,
			"files", extracted)
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("look up repository: %w", err)
	}

	repo := &store.Repository{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      cleaned,
		FullName:  digest,
		LocalPath: dir,
		Status:    store.RepoActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	m.logger.Info("upload registered",
		"repository_id", repo.ID,
		"name", cleaned,
		"digest", digest,
		"files", extracted)
	return repo, nil
}

// RegisterLocal records a repository over an existing working tree. The
// tree is validated but never copied; the caller keeps owning it. The
// cleaned name is the full name, so one user cannot register the same
// name twice.
func (m *Manager) RegisterLocal(ctx context.Context, userID, name, path string) (*store.Repository, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errkind.NewInput(errors.New("user id is required"))
	}
	abs, err := m.ValidateLocalPath(path)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	repo := &store.Repository{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      cleaned,
		FullName:  cleaned,
		LocalPath: abs,
		Status:    store.RepoActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateRepository(ctx, repo); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errkind.NewConflict(fmt.Errorf("repository %q is already registered", cleaned))
		}
		return nil, fmt.Errorf("create repository: %w", err)
	}
	m.logger.Info("local repository registered",
		"repository_id", repo.ID,
		"name", cleaned,
		"path", abs)
	return repo, nil
}

// ValidateLocalPath resolves path and checks that it names a readable
// directory. Relative paths resolve against the process working
// directory.
func (m *Manager) ValidateLocalPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errkind.NewInput(errors.New("local path is required"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errkind.NewInput(fmt.Errorf("resolve local path: %w", err))
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errkind.NewNotFound(fmt.Errorf("local path %s does not exist", abs))
		}
		return "", fmt.Errorf("stat local path: %w", err)
	}
	if !info.IsDir() {
		return "", errkind.NewInput(fmt.Errorf("local path %s is not a directory", abs))
	}
	return abs, nil
}

// RemoveUpload deletes the extracted upload directory of a repository.
// Trees registered over a caller-owned local path are left alone, and a
// directory that is already gone counts as removed.
func (m *Manager) RemoveUpload(repo *store.Repository) error {
	if repo == nil || repo.LocalPath == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, repo.LocalPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	if err := os.RemoveAll(repo.LocalPath); err != nil {
		return fmt.Errorf("remove upload directory: %w", err)
	}
	m.logger.Info("upload directory removed", "repository_id", repo.ID, "path", repo.LocalPath)
	return nil
}

// cleanName strips everything outside [A-Za-z0-9._-] from a display
// name. Names that clean to nothing (or to bare dots) are rejected.
func cleanName(name string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if strings.Trim(cleaned, ".") == "" {
		return "", errkind.NewInput(fmt.Errorf("repository name %q has no usable characters", name))
	}
	return cleaned, nil
}
