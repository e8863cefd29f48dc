// Package files maintains the list of uploaded file records, each enriched
// with uploader identity and a fetchable URL. It is independent of chat
// state: only session changes drive it.
package files

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/carousell/ct-go/pkg/logger/log_context"
	"github.com/go-playground/validator/v10"

	"github.com/teamhubapp/teamhub-go/gateway"
	"github.com/teamhubapp/teamhub-go/models"
	"github.com/teamhubapp/teamhub-go/notify"
)

// IdentitySource exposes the signed-in identity; satisfied by
// *session.Store.
type IdentitySource interface {
	CurrentIdentity() *models.Identity
}

// SortField selects the column a Sort call compares on.
type SortField string

const (
	SortByFilename  SortField = "filename"
	SortByFileType  SortField = "file_type"
	SortBySize      SortField = "size"
	SortByCreatedAt SortField = "created_at"
	SortByUploader  SortField = "uploader_username"
)

// SortDirection is ascending or descending.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

type Registry struct {
	store    gateway.Store
	blob     gateway.Blob
	source   IdentitySource
	notifier notify.Notifier
	validate *validator.Validate
	bucket   string

	mu    sync.Mutex
	epoch uint64
	files []*models.FileRecord
}

func New(store gateway.Store, blob gateway.Blob, source IdentitySource, notifier notify.Notifier, bucket string) *Registry {
	return &Registry{
		store:    store,
		blob:     blob,
		source:   source,
		notifier: notifier,
		validate: validator.New(),
		bucket:   bucket,
	}
}

// HandleIdentityChange is registered as a session listener.
func (r *Registry) HandleIdentityChange(identity *models.Identity) {
	ctx := context.Background()

	r.mu.Lock()
	r.epoch++
	if identity == nil {
		r.files = nil
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.Refresh(ctx); err != nil {
		log.Errorw(ctx, "file list load failed", "error", err)
		r.notifier.Notify(ctx, notify.Notice{Title: "Failed to load files", Err: err})
	}
}

// Refresh reloads the full file list, newest first, with uploader
// identities resolved and public URLs attached.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()

	var records []*models.FileRecord
	err := r.store.Select(ctx, models.RelationFiles, gateway.Filter{}, &records,
		gateway.OrderBy("created_at", true))
	if err != nil {
		return fmt.Errorf("load files: %w", err)
	}

	var uploaders []*models.Identity
	if err := r.store.Select(ctx, models.RelationProfiles, gateway.Filter{}, &uploaders); err != nil {
		return fmt.Errorf("load uploaders: %w", err)
	}
	byID := make(map[string]*models.Identity, len(uploaders))
	for _, u := range uploaders {
		byID[u.ID] = u
	}

	for _, rec := range records {
		rec.Uploader = byID[rec.UserID]
		rec.URL = r.blob.PublicURL(r.bucket, rec.StoragePath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return nil
	}
	r.files = records
	return nil
}

// List returns the file records in presentation order.
func (r *Registry) List() []*models.FileRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.FileRecord, len(r.files))
	copy(out, r.files)
	return out
}

// UploadParams are the inputs of Upload.
type UploadParams struct {
	Filename    string `validate:"required"`
	ContentType string
	Description string
	Data        []byte `validate:"required"`
}

// Upload writes the blob under a collision-resistant key derived from the
// owner id, a random token and the original extension, then writes the
// metadata record. A metadata failure after the blob write leaves the blob
// orphaned; that step is not compensated.
func (r *Registry) Upload(ctx context.Context, params UploadParams) (*models.FileRecord, error) {
	identity := r.source.CurrentIdentity()
	if identity == nil {
		return nil, models.ErrNotAuthenticated
	}
	if err := r.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("validate upload: %w", err)
	}

	key := fmt.Sprintf("%s/%s%s", identity.ID, models.NewID(), filepath.Ext(params.Filename))
	if err := r.blob.Put(ctx, r.bucket, key, params.Data, params.ContentType); err != nil {
		r.notifier.Notify(ctx, notify.Notice{Title: "Upload failed", Detail: params.Filename, Err: err})
		return nil, fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
	}

	record := &models.FileRecord{
		ID:          models.NewID(),
		Filename:    params.Filename,
		FileType:    params.ContentType,
		Size:        int64(len(params.Data)),
		StoragePath: key,
		UserID:      identity.ID,
		Description: params.Description,
		CreatedAt:   time.Now(),
	}
	if err := r.store.Insert(ctx, models.RelationFiles, record, nil); err != nil {
		log.Warnw(ctx, "file metadata write failed, blob orphaned", "key", key, "error", err)
		r.notifier.Notify(ctx, notify.Notice{Title: "Upload failed", Detail: params.Filename, Err: err})
		return nil, fmt.Errorf("%w: metadata: %v", models.ErrPartialCreate, err)
	}

	record.Uploader = identity
	record.URL = r.blob.PublicURL(r.bucket, key)

	r.mu.Lock()
	r.files = append([]*models.FileRecord{record}, r.files...)
	r.mu.Unlock()

	r.notifier.Notify(ctx, notify.Notice{Title: "File uploaded", Detail: params.Filename})
	return record, nil
}

// Delete removes the blob first and the metadata record second. When blob
// removal fails the record is kept so the pointer to the undeleted blob is
// not lost. Only the owner may delete.
func (r *Registry) Delete(ctx context.Context, fileID string) error {
	identity := r.source.CurrentIdentity()
	if identity == nil {
		return models.ErrNotAuthenticated
	}

	r.mu.Lock()
	var record *models.FileRecord
	for _, f := range r.files {
		if f.ID == fileID {
			record = f
			break
		}
	}
	r.mu.Unlock()
	if record == nil {
		return fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
	}
	if record.UserID != identity.ID {
		return fmt.Errorf("delete file %s: %w", fileID, models.ErrForbidden)
	}

	if err := r.blob.Remove(ctx, r.bucket, record.StoragePath); err != nil {
		r.notifier.Notify(ctx, notify.Notice{Title: "Delete failed", Detail: record.Filename, Err: err})
		return fmt.Errorf("%w: blob: %v", models.ErrRemoteWrite, err)
	}
	if err := r.store.Delete(ctx, models.RelationFiles, gateway.Filter{"id": gateway.Eq(fileID)}); err != nil {
		r.notifier.Notify(ctx, notify.Notice{Title: "Delete failed", Detail: record.Filename, Err: err})
		return fmt.Errorf("%w: metadata: %v", models.ErrRemoteWrite, err)
	}

	r.mu.Lock()
	kept := r.files[:0]
	for _, f := range r.files {
		if f.ID != fileID {
			kept = append(kept, f)
		}
	}
	r.files = kept
	r.mu.Unlock()

	r.notifier.Notify(ctx, notify.Notice{Title: "File deleted", Detail: record.Filename})
	return nil
}

// Sort reorders the presentation list by field and direction. The sort is
// stable so ties keep their previous relative order; string fields compare
// case-folded. Stored records are never mutated.
func (r *Registry) Sort(field SortField, direction SortDirection) []*models.FileRecord {
	r.mu.Lock()
	sorted := make([]*models.FileRecord, len(r.files))
	copy(sorted, r.files)
	r.mu.Unlock()

	less := lessFunc(field)
	sort.SliceStable(sorted, func(i, j int) bool {
		if direction == SortDesc {
			return less(sorted[j], sorted[i])
		}
		return less(sorted[i], sorted[j])
	})

	r.mu.Lock()
	r.files = sorted
	r.mu.Unlock()

	out := make([]*models.FileRecord, len(sorted))
	copy(out, sorted)
	return out
}

func lessFunc(field SortField) func(a, b *models.FileRecord) bool {
	switch field {
	case SortByFileType:
		return func(a, b *models.FileRecord) bool {
			return strings.ToLower(a.FileType) < strings.ToLower(b.FileType)
		}
	case SortBySize:
		return func(a, b *models.FileRecord) bool {
			return a.Size < b.Size
		}
	case SortByCreatedAt:
		return func(a, b *models.FileRecord) bool {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	case SortByUploader:
		return func(a, b *models.FileRecord) bool {
			return strings.ToLower(uploaderUsername(a)) < strings.ToLower(uploaderUsername(b))
		}
	default:
		return func(a, b *models.FileRecord) bool {
			return strings.ToLower(a.Filename) < strings.ToLower(b.Filename)
		}
	}
}

func uploaderUsername(f *models.FileRecord) string {
	if f.Uploader == nil {
		return ""
	}
	return f.Uploader.Username
}
