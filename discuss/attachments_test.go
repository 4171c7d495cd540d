package discuss_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeboard/forgeboard/discuss"
	"github.com/forgeboard/forgeboard/models"
)

// brokenReader fails partway through the stream.
type brokenReader struct {
	data string
	read bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset")
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestBlobStorePut(t *testing.T) {
	root := t.TempDir()
	store, err := discuss.NewBlobStore(root, 0)
	require.NoError(t, err)

	path, size, err := store.Put("notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	rc, err := store.Open(path)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestBlobStorePutFailureLeavesNothing(t *testing.T) {
	root := t.TempDir()
	store, err := discuss.NewBlobStore(root, 0)
	require.NoError(t, err)

	_, _, err = store.Put("broken.bin", &brokenReader{data: "partial"})
	require.Error(t, err)
	assert.Zero(t, countFiles(t, root), "failed upload must leave no file behind")
}

func TestBlobStoreSizeLimit(t *testing.T) {
	root := t.TempDir()
	store, err := discuss.NewBlobStore(root, 8)
	require.NoError(t, err)

	_, _, err = store.Put("big.bin", strings.NewReader("way more than eight bytes"))
	require.Error(t, err)
	assert.Zero(t, countFiles(t, root))
}

func TestBlobStoreOpenMissing(t *testing.T) {
	store, err := discuss.NewBlobStore(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = store.Open("2026/01/nope_file")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAttachLifecycle(t *testing.T) {
	f := newFixture(t, false)
	member := f.actor(t, f.member)
	admin := f.actor(t, f.admin)

	_, post, err := f.engine.NewThread(member, f.discussion, "s", "text")
	require.NoError(t, err)

	att, err := f.engine.Attach(member, post, "report.pdf", "application/pdf",
		strings.NewReader("pdf bytes"))
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", att.Filename)
	assert.EqualValues(t, 9, att.Size)

	got, rc, err := f.engine.OpenAttachment(att.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, att.ID, got.ID)

	atts, err := f.engine.Attachments(post.ID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)

	require.NoError(t, f.engine.DeleteAttachment(admin, att.ID))
	_, _, err = f.engine.OpenAttachment(att.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAttachFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t, false)
	member := f.actor(t, f.member)

	_, post, err := f.engine.NewThread(member, f.discussion, "s", "text")
	require.NoError(t, err)

	_, err = f.engine.Attach(member, post, "cut.bin", "application/octet-stream",
		&brokenReader{data: "partial"})
	require.Error(t, err)

	var count int64
	require.NoError(t, f.db.Model(&models.Attachment{}).Count(&count).Error)
	assert.Zero(t, count, "failed attach must not record a row")
}

func TestAttachDeniedForAnonymous(t *testing.T) {
	f := newFixture(t, false)
	member := f.actor(t, f.member)
	anon := f.actor(t, models.Anonymous())

	_, post, err := f.engine.NewThread(member, f.discussion, "s", "text")
	require.NoError(t, err)

	_, err = f.engine.Attach(anon, post, "x.txt", "text/plain", strings.NewReader("x"))
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}
