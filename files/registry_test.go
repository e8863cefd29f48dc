package files

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamhubapp/teamhub-go/gateway/gatewaytest"
	"github.com/teamhubapp/teamhub-go/models"
	"github.com/teamhubapp/teamhub-go/notify"
)

type staticSource struct {
	mu       sync.Mutex
	identity *models.Identity
}

func (s *staticSource) CurrentIdentity() *models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *staticSource) set(identity *models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *noticeRecorder) Notify(_ context.Context, n notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notices))
	for i, n := range r.notices {
		out[i] = n.Title
	}
	return out
}

var (
	baseTime = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	alice    = &models.Identity{ID: "u1", Email: "alice@example.com", Username: "alice"}
	bob      = &models.Identity{ID: "u2", Email: "bob@example.com", Username: "bob"}
)

func newRegistry(t *testing.T) (*Registry, *gatewaytest.Gateway, *staticSource, *noticeRecorder) {
	t.Helper()
	gw := gatewaytest.New()
	source := &staticSource{identity: alice}
	rec := &noticeRecorder{}
	return New(gw, gw, source, rec, "files"), gw, source, rec
}

func seedRecord(t *testing.T, gw *gatewaytest.Gateway, id, filename, fileType, userID string, size int64, at time.Time) {
	t.Helper()
	require.NoError(t, gw.Insert(context.Background(), models.RelationFiles, &models.FileRecord{
		ID: id, Filename: filename, FileType: fileType, Size: size,
		StoragePath: userID + "/" + id, UserID: userID, CreatedAt: at,
	}, nil))
}

func TestRefreshEnrichesRecords(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	ctx := context.Background()

	for _, u := range []*models.Identity{alice, bob} {
		require.NoError(t, gw.Insert(ctx, models.RelationProfiles, u, nil))
	}
	seedRecord(t, gw, "f1", "notes.txt", "text/plain", "u1", 10, baseTime)
	seedRecord(t, gw, "f2", "photo.png", "image/png", "u2", 20, baseTime.Add(time.Minute))
	seedRecord(t, gw, "f3", "report.pdf", "application/pdf", "missing", 30, baseTime.Add(2*time.Minute))

	require.NoError(t, r.Refresh(ctx))

	list := r.List()
	require.Len(t, list, 3)
	// Newest first.
	assert.Equal(t, "f3", list[0].ID)
	assert.Equal(t, "f1", list[2].ID)

	assert.Nil(t, list[0].Uploader)
	require.NotNil(t, list[1].Uploader)
	assert.Equal(t, "bob", list[1].Uploader.Username)
	assert.Equal(t, "memory://files/u1/f1", list[2].URL)
}

func TestUpload(t *testing.T) {
	r, gw, _, rec := newRegistry(t)
	ctx := context.Background()

	first, err := r.Upload(ctx, UploadParams{
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Description: "meeting notes",
		Data:        []byte("hello"),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first.StoragePath, "u1/"))
	assert.True(t, strings.HasSuffix(first.StoragePath, ".txt"))
	assert.Equal(t, int64(5), first.Size)
	assert.Equal(t, alice, first.Uploader)
	assert.NotEmpty(t, first.URL)
	assert.True(t, gw.HasBlob("files", first.StoragePath))
	assert.Len(t, gw.Rows(models.RelationFiles), 1)

	second, err := r.Upload(ctx, UploadParams{Filename: "photo.png", Data: []byte("png")})
	require.NoError(t, err)

	// Fresh uploads go to the front.
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	assert.Contains(t, rec.titles(), "File uploaded")
}

func TestUploadValidation(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Upload(ctx, UploadParams{Data: []byte("x")})
	assert.Error(t, err)

	_, err = r.Upload(ctx, UploadParams{Filename: "empty.txt"})
	assert.Error(t, err)

	assert.Empty(t, gw.Rows(models.RelationFiles))
}

func TestUploadRequiresIdentity(t *testing.T) {
	r, _, source, _ := newRegistry(t)
	source.set(nil)

	_, err := r.Upload(context.Background(), UploadParams{Filename: "a.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestUploadBlobFailure(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	gw.FailBlobPut = errors.New("storage down")

	_, err := r.Upload(context.Background(), UploadParams{Filename: "a.txt", Data: []byte("x")})
	require.ErrorIs(t, err, models.ErrRemoteWrite)
	assert.Empty(t, gw.Rows(models.RelationFiles))
	assert.Empty(t, r.List())
}

func TestUploadMetadataFailureLeavesBlobOrphaned(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	gw.FailInsert[models.RelationFiles] = errors.New("files down")

	_, err := r.Upload(context.Background(), UploadParams{Filename: "a.txt", Data: []byte("x")})
	require.ErrorIs(t, err, models.ErrPartialCreate)

	assert.Empty(t, gw.Rows(models.RelationFiles))
	assert.Empty(t, r.List())
}

func TestDelete(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	ctx := context.Background()

	record, err := r.Upload(ctx, UploadParams{Filename: "a.txt", Data: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, record.ID))

	assert.False(t, gw.HasBlob("files", record.StoragePath))
	assert.Empty(t, gw.Rows(models.RelationFiles))
	assert.Empty(t, r.List())
}

func TestDeleteOnlyOwner(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	ctx := context.Background()

	seedRecord(t, gw, "f1", "theirs.txt", "text/plain", "u2", 10, baseTime)
	require.NoError(t, r.Refresh(ctx))

	err := r.Delete(ctx, "f1")
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.Len(t, gw.Rows(models.RelationFiles), 1)
	assert.Len(t, r.List(), 1)
}

func TestDeleteUnknownFile(t *testing.T) {
	r, _, _, _ := newRegistry(t)
	err := r.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteKeepsRecordWhenBlobRemovalFails(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	ctx := context.Background()

	record, err := r.Upload(ctx, UploadParams{Filename: "a.txt", Data: []byte("x")})
	require.NoError(t, err)

	gw.FailBlobRemove = errors.New("storage down")
	err = r.Delete(ctx, record.ID)
	require.ErrorIs(t, err, models.ErrRemoteWrite)

	// The record must survive so the blob pointer is not lost.
	assert.Len(t, gw.Rows(models.RelationFiles), 1)
	assert.Len(t, r.List(), 1)
	assert.True(t, gw.HasBlob("files", record.StoragePath))
}

func TestSort(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, gw.Insert(ctx, models.RelationProfiles, alice, nil))
	require.NoError(t, gw.Insert(ctx, models.RelationProfiles, bob, nil))
	seedRecord(t, gw, "f1", "Zebra.txt", "text/plain", "u1", 30, baseTime)
	seedRecord(t, gw, "f2", "apple.png", "image/png", "u2", 10, baseTime.Add(time.Minute))
	seedRecord(t, gw, "f3", "APPLE.pdf", "application/pdf", "u1", 20, baseTime.Add(2*time.Minute))

	require.NoError(t, r.Refresh(ctx))

	byName := r.Sort(SortByFilename, SortAsc)
	require.Len(t, byName, 3)
	// Case-folded compare: "apple.pdf" < "apple.png" < "zebra.txt".
	assert.Equal(t, "APPLE.pdf", byName[0].Filename)
	assert.Equal(t, "apple.png", byName[1].Filename)
	assert.Equal(t, "Zebra.txt", byName[2].Filename)

	bySizeDesc := r.Sort(SortBySize, SortDesc)
	assert.Equal(t, int64(30), bySizeDesc[0].Size)
	assert.Equal(t, int64(10), bySizeDesc[2].Size)

	byUploader := r.Sort(SortByUploader, SortAsc)
	assert.Equal(t, "u1", byUploader[0].UserID)
	assert.Equal(t, "u1", byUploader[1].UserID)
	assert.Equal(t, "u2", byUploader[2].UserID)

	// The chosen order becomes the presentation order.
	assert.Equal(t, byUploader[0].ID, r.List()[0].ID)
}

func TestSortStableOnTies(t *testing.T) {
	r, gw, _, _ := newRegistry(t)
	ctx := context.Background()

	seedRecord(t, gw, "f1", "same.txt", "text/plain", "u1", 10, baseTime)
	seedRecord(t, gw, "f2", "same.txt", "text/plain", "u1", 10, baseTime.Add(time.Minute))
	require.NoError(t, r.Refresh(ctx))

	// Presentation order is f2, f1 (newest first); equal keys keep it.
	sorted := r.Sort(SortByFilename, SortAsc)
	require.Len(t, sorted, 2)
	assert.Equal(t, "f2", sorted[0].ID)
	assert.Equal(t, "f1", sorted[1].ID)
}

func TestIdentityGoneClearsList(t *testing.T) {
	r, gw, source, _ := newRegistry(t)

	seedRecord(t, gw, "f1", "a.txt", "text/plain", "u1", 10, baseTime)
	source.set(alice)
	r.HandleIdentityChange(alice)
	require.Len(t, r.List(), 1)

	source.set(nil)
	r.HandleIdentityChange(nil)
	assert.Empty(t, r.List())
}
