package repos

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/store"
	"github.com/c360studio/repolens/store/memstore"
)

// makeZip builds an in-memory archive from path -> content.
func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newManager(t *testing.T) (*Manager, *memstore.MemStore) {
	t.Helper()
	st := memstore.New()
	m, err := NewManager(t.TempDir(), st)
	require.NoError(t, err)
	return m, st
}

func TestRegisterUploadContentAddressed(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	data := makeZip(t, map[string]string{
		"demo/main.go":      "package main\n",
		"demo/lib/util.go":  "package lib\n",
		"demo/docs/read.md": "# Demo\n",
	})
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	repo, err := m.RegisterUpload(ctx, "u1", "My Demo!", data)
	require.NoError(t, err)

	assert.Equal(t, "MyDemo", repo.Name)
	assert.Equal(t, digest, repo.FullName)
	assert.Equal(t, filepath.Join(m.Root(), digest), repo.LocalPath)
	assert.Equal(t, store.RepoActive, repo.Status)
	assert.False(t, repo.NeedsReindex)

	// The shared "demo/" folder is stripped so the tree starts at the
	// repository root.
	content, err := os.ReadFile(filepath.Join(repo.LocalPath, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(content))
	_, err = os.Stat(filepath.Join(repo.LocalPath, "lib", "util.go"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(repo.LocalPath, "demo"))
	assert.True(t, os.IsNotExist(err))
}

func TestRegisterUploadIdenticalBytesRevive(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	data := makeZip(t, map[string]string{"a.go": "package a\n"})

	first, err := m.RegisterUpload(ctx, "u1", "one", data)
	require.NoError(t, err)

	second, err := m.RegisterUpload(ctx, "u1", "renamed", data)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "identical bytes must revive the same record")
	assert.Equal(t, "renamed", second.Name)

	all, err := st.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegisterUploadDistinctUsers(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	data := makeZip(t, map[string]string{"a.go": "package a\n"})

	r1, err := m.RegisterUpload(ctx, "u1", "demo", data)
	require.NoError(t, err)
	r2, err := m.RegisterUpload(ctx, "u2", "demo", data)
	require.NoError(t, err)

	assert.NotEqual(t, r1.ID, r2.ID)
	assert.Equal(t, r1.LocalPath, r2.LocalPath, "same bytes share the extraction directory")
}

func TestRegisterUploadRejectsBadInput(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	good := makeZip(t, map[string]string{"a.go": "package a\n"})

	tests := []struct {
		name   string
		user   string
		repo   string
		data   []byte
		wantIn bool
	}{
		{name: "empty upload", user: "u1", repo: "demo", data: nil, wantIn: true},
		{name: "not a zip", user: "u1", repo: "demo", data: []byte("plain text"), wantIn: true},
		{name: "unusable name", user: "u1", repo: "!!!", data: good, wantIn: true},
		{name: "missing user", user: "", repo: "demo", data: good, wantIn: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.RegisterUpload(ctx, tt.user, tt.repo, tt.data)
			require.Error(t, err)
			assert.Equal(t, tt.wantIn, errkind.IsInput(err))
		})
	}
}

func TestExtractZipRejectsEscapingEntry(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dest := filepath.Join(t.TempDir(), "out")
	_, err = ExtractZip(buf.Bytes(), dest)
	require.Error(t, err)
	assert.True(t, errkind.IsInput(err))
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractZipKeepsTopLevelFiles(t *testing.T) {
	// No shared folder: entries land at the extraction root untouched.
	data := makeZip(t, map[string]string{
		"README.md":   "# here\n",
		"src/main.go": "package main\n",
	})
	dest := t.TempDir()

	n, err := ExtractZip(data, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = os.Stat(filepath.Join(dest, "README.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "src", "main.go"))
	assert.NoError(t, err)
}

func TestRegisterLocal(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	tree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tree, "main.go"), []byte("package main\n"), 0644))

	repo, err := m.RegisterLocal(ctx, "u1", "local-demo", tree)
	require.NoError(t, err)
	assert.Equal(t, "local-demo", repo.FullName)
	assert.Equal(t, tree, repo.LocalPath)

	// Same user, same name: conflict.
	_, err = m.RegisterLocal(ctx, "u1", "local-demo", tree)
	require.Error(t, err)
	assert.True(t, errkind.IsConflict(err))

	// Another user may reuse the name.
	_, err = m.RegisterLocal(ctx, "u2", "local-demo", tree)
	assert.NoError(t, err)
}

func TestValidateLocalPath(t *testing.T) {
	m, _ := newManager(t)

	dir := t.TempDir()
	abs, err := m.ValidateLocalPath(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, abs)

	_, err = m.ValidateLocalPath(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.True(t, errkind.IsNotFound(err))

	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = m.ValidateLocalPath(file)
	require.Error(t, err)
	assert.True(t, errkind.IsInput(err))

	_, err = m.ValidateLocalPath("   ")
	require.Error(t, err)
	assert.True(t, errkind.IsInput(err))
}

func TestRemoveUpload(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	data := makeZip(t, map[string]string{"a.go": "package a\n"})
	repo, err := m.RegisterUpload(ctx, "u1", "demo", data)
	require.NoError(t, err)

	require.NoError(t, m.RemoveUpload(repo))
	_, err = os.Stat(repo.LocalPath)
	assert.True(t, os.IsNotExist(err))

	// Removing twice is fine.
	assert.NoError(t, m.RemoveUpload(repo))

	// A caller-owned tree outside the upload root is never touched.
	tree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tree, "keep.go"), []byte("package keep\n"), 0644))
	local, err := m.RegisterLocal(ctx, "u1", "outside", tree)
	require.NoError(t, err)
	require.NoError(t, m.RemoveUpload(local))
	_, err = os.Stat(filepath.Join(tree, "keep.go"))
	assert.NoError(t, err)

	assert.NoError(t, m.RemoveUpload(nil))
}

func TestZipTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "util.go"), []byte("package src\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "objects", "x"), []byte("blob"), 0644))

	var buf bytes.Buffer
	require.NoError(t, ZipTree(context.Background(), root, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["main.go"])
	assert.True(t, names["src/util.go"])
	assert.False(t, names[".git/objects/x"], "version control internals stay out")
}

func TestZipTreeMissingRoot(t *testing.T) {
	var buf bytes.Buffer
	err := ZipTree(context.Background(), filepath.Join(t.TempDir(), "gone"), &buf)
	require.Error(t, err)
	assert.True(t, errkind.IsNotFound(err))
}
