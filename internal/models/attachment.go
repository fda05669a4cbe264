package models

import "time"

// AttachmentStatus tracks the lifecycle of a stored upload.
type AttachmentStatus string

const (
	AttachmentActive  AttachmentStatus = "active"
	AttachmentExpired AttachmentStatus = "expired"
)

// Attachment represents a user-uploaded file kept for preview and download.
type Attachment struct {
	ID         string           `json:"id"`
	OwnerID    int64            `json:"owner_id"`
	FileName   string           `json:"file_name"`
	StoredPath string           `json:"-"`
	MimeType   string           `json:"mime_type"`
	Size       int64            `json:"size"`
	Status     AttachmentStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// AttachmentScheme is the URL scheme used to fetch stored attachments.
const AttachmentScheme = "attachment"

// FetchURL is the internal URL the fetch layer resolves for this attachment.
func (a *Attachment) FetchURL() string {
	return AttachmentScheme + "://" + a.ID
}

// ContentPath is the HTTP path serving the attachment bytes.
func (a *Attachment) ContentPath() string {
	return "/api/attachments/" + a.ID + "/content"
}

// Descriptor builds the preview descriptor for the attachment.
func (a *Attachment) Descriptor() FileDescriptor {
	size := a.Size
	return FileDescriptor{
		URL:          a.FetchURL(),
		DisplayURL:   a.ContentPath(),
		DeclaredName: a.FileName,
		DeclaredType: a.MimeType,
		OriginalName: a.FileName,
		SizeBytes:    &size,
	}
}
