package discuss

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/rbac"
)

// DefaultMaxAttachmentSize caps attachment uploads at 10 MB.
const DefaultMaxAttachmentSize = 10 << 20

// BlobStore keeps attachment payloads on local disk under a single root,
// sharded by month. Writes go to a temp file first and are renamed into
// place only after the full stream copied cleanly, so a failed upload
// never leaves a partial blob behind.
type BlobStore struct {
	root    string
	maxSize int64
}

// NewBlobStore creates a blob store rooted at dir. maxSize <= 0 applies
// DefaultMaxAttachmentSize.
func NewBlobStore(dir string, maxSize int64) (*BlobStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, err
	}
	return &BlobStore{root: dir, maxSize: maxSize}, nil
}

// Put streams r into the store and returns the relative blob path and byte
// count. On any error the temp file is removed and nothing is visible under
// the store root.
func (s *BlobStore) Put(filename string, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "upload-*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxSize+1))
	if err != nil {
		cleanup()
		return "", 0, err
	}
	if n > s.maxSize {
		cleanup()
		return "", 0, fmt.Errorf("attachment exceeds %d bytes", s.maxSize)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, err
	}

	rel := filepath.Join(time.Now().UTC().Format("2006/01"),
		uuid.NewString()+"_"+sanitizeFilename(filename))
	dst := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(tmpName)
		return "", 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", 0, err
	}
	return rel, n, nil
}

// Open returns a reader over the stored blob.
func (s *BlobStore) Open(blobPath string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, blobPath))
	if os.IsNotExist(err) {
		return nil, models.ErrNotFound
	}
	return f, err
}

// Remove deletes the stored blob. Missing blobs are not an error.
func (s *BlobStore) Remove(blobPath string) {
	if blobPath == "" {
		return
	}
	os.Remove(filepath.Join(s.root, blobPath))
}

// sanitizeFilename strips path components and characters unsafe in a stored
// file name.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." {
		name = "file"
	}
	return name
}

// Attach streams r into the blob store and records the attachment row. The
// row is created only after the blob landed, so a mid-stream failure leaves
// neither row nor blob. Requires the post permission on the thread.
func (e *Engine) Attach(actor Actor, post *models.Post, filename, contentType string, r io.Reader) (*models.Attachment, error) {
	thread, err := e.Thread(post.ThreadID)
	if err != nil {
		return nil, err
	}
	_, containerACL, err := e.threadContext(thread)
	if err != nil {
		return nil, err
	}
	if !rbac.Allowed(actor.Roles, models.PermPost, thread.ReadACL(), containerACL) {
		return nil, models.ErrPermissionDenied
	}

	blobPath, size, err := e.store.Put(filename, r)
	if err != nil {
		return nil, err
	}
	att := models.Attachment{
		PostID:       post.ID,
		DiscussionID: post.DiscussionID,
		Filename:     filepath.Base(filename),
		ContentType:  contentType,
		Size:         size,
		BlobPath:     blobPath,
	}
	if err := e.db.Create(&att).Error; err != nil {
		e.store.Remove(blobPath)
		return nil, err
	}
	return &att, nil
}

// Attachments lists a post's attachments.
func (e *Engine) Attachments(postID uint) ([]models.Attachment, error) {
	var atts []models.Attachment
	err := e.db.Where("post_id = ?", postID).Order("id ASC").Find(&atts).Error
	return atts, err
}

// OpenAttachment returns the attachment row and a reader over its blob.
func (e *Engine) OpenAttachment(id uint) (*models.Attachment, io.ReadCloser, error) {
	var att models.Attachment
	if err := e.db.First(&att, id).Error; err != nil {
		return nil, nil, notFound(err)
	}
	rc, err := e.store.Open(att.BlobPath)
	if err != nil {
		return nil, nil, err
	}
	return &att, rc, nil
}

// DeleteAttachment removes the attachment row and blob. Requires moderate
// or authorship of the owning post.
func (e *Engine) DeleteAttachment(actor Actor, id uint) error {
	var att models.Attachment
	if err := e.db.First(&att, id).Error; err != nil {
		return notFound(err)
	}
	post, err := e.Post(att.PostID)
	if err != nil {
		return err
	}
	thread, err := e.Thread(post.ThreadID)
	if err != nil {
		return err
	}
	_, containerACL, err := e.threadContext(thread)
	if err != nil {
		return err
	}
	if actor.User.IsAnonymous() || actor.User.ID != post.AuthorID {
		if !rbac.Allowed(actor.Roles, models.PermModerate, thread.ReadACL(), containerACL) {
			return models.ErrPermissionDenied
		}
	}
	if err := e.db.Delete(&models.Attachment{}, att.ID).Error; err != nil {
		return err
	}
	e.store.Remove(att.BlobPath)
	return nil
}
