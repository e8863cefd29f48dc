package models

import (
	"time"
)

// FileRecord is an uploaded file's metadata row. Uploader and URL are
// presentation projections resolved by the file registry; StoragePath is
// the key of the blob in the object store.
type FileRecord struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename" validate:"required"`
	FileType    string    `json:"file_type"`
	Size        int64     `json:"size"`
	StoragePath string    `json:"storage_path"`
	UserID      string    `json:"user_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`

	Uploader *Identity `json:"-"`
	URL      string    `json:"-"`
}
