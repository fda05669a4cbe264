// Package attachment stores user uploads on disk and records them in the
// database so they can be previewed and downloaded until they expire.
package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"previewd/internal/models"
	"previewd/internal/storage"
)

const (
	DefaultTTL            = 24 * time.Hour
	DefaultMaxUploadBytes = 50 << 20
	DefaultQuotaBytes     = 200 << 20
)

var (
	ErrNotFound      = errors.New("attachment not found")
	ErrTooLarge      = errors.New("file too large")
	ErrEmpty         = errors.New("file is empty")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Options configures a Service. Zero values fall back to the defaults above.
type Options struct {
	BaseDir        string
	TTL            time.Duration
	MaxUploadBytes int64
	QuotaBytes     int64
}

// Service manages attachment files and their records.
type Service struct {
	db     *storage.DB
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewService(db *storage.DB, opts Options, logger *zap.Logger) *Service {
	if opts.BaseDir == "" {
		opts.BaseDir = "./data/files"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.QuotaBytes <= 0 {
		opts.QuotaBytes = DefaultQuotaBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MaxUploadBytes reports the per-file upload limit.
func (s *Service) MaxUploadBytes() int64 { return s.opts.MaxUploadBytes }

// QuotaBytes reports the per-owner storage limit.
func (s *Service) QuotaBytes() int64 { return s.opts.QuotaBytes }

// Save writes r to disk under the owner's directory and records it. When
// mimeType is empty the type is sniffed from the first bytes.
func (s *Service) Save(ctx context.Context, ownerID int64, fileName, mimeType string, r io.Reader) (*models.Attachment, error) {
	if ownerID <= 0 {
		return nil, errors.New("invalid owner id")
	}
	name := sanitizeName(fileName)

	usage, err := s.Usage(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if usage >= s.opts.QuotaBytes {
		return nil, ErrQuotaExceeded
	}

	id := uuid.NewString()
	dir := filepath.Join(s.opts.BaseDir, strconv.FormatInt(ownerID, 10), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	path := filepath.Join(dir, name)

	size, sniffed, err := writeLimited(path, r, s.opts.MaxUploadBytes)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if usage+size > s.opts.QuotaBytes {
		_ = os.RemoveAll(dir)
		return nil, ErrQuotaExceeded
	}
	if mimeType == "" {
		mimeType = sniffed
	}

	now := s.now()
	att := &models.Attachment{
		ID:         id,
		OwnerID:    ownerID,
		FileName:   name,
		StoredPath: path,
		MimeType:   mimeType,
		Size:       size,
		Status:     models.AttachmentActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.opts.TTL),
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO attachments (id, owner_id, file_name, stored_path, mime_type, size, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		att.ID, att.OwnerID, att.FileName, att.StoredPath, att.MimeType, att.Size, string(att.Status), att.CreatedAt, att.ExpiresAt,
	)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	s.logger.Info("attachment stored",
		zap.String("id", att.ID),
		zap.Int64("owner", ownerID),
		zap.String("mime", mimeType),
		zap.Int64("size", size),
	)
	return att, nil
}

// writeLimited copies r into path, failing with ErrTooLarge past limit bytes.
func writeLimited(path string, r io.Reader, limit int64) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, "", fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return 0, "", ErrEmpty
	}
	head = head[:n]
	if _, err := f.Write(head); err != nil {
		return 0, "", fmt.Errorf("write file: %w", err)
	}
	rest, err := io.Copy(f, io.LimitReader(r, limit-int64(n)+1))
	if err != nil {
		return 0, "", fmt.Errorf("write file: %w", err)
	}
	size := int64(n) + rest
	if size > limit {
		return 0, "", ErrTooLarge
	}
	return size, http.DetectContentType(head), nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

const selectColumns = `id, owner_id, file_name, stored_path, mime_type, size, status, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttachment(row rowScanner) (*models.Attachment, error) {
	var (
		att    models.Attachment
		status string
	)
	if err := row.Scan(&att.ID, &att.OwnerID, &att.FileName, &att.StoredPath, &att.MimeType,
		&att.Size, &status, &att.CreatedAt, &att.ExpiresAt); err != nil {
		return nil, err
	}
	att.Status = models.AttachmentStatus(status)
	return &att, nil
}

// Get returns the owner's active, unexpired attachment.
func (s *Service) Get(ctx context.Context, ownerID int64, id string) (*models.Attachment, error) {
	att, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if att.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return att, nil
}

// Lookup returns an active, unexpired attachment regardless of owner.
func (s *Service) Lookup(ctx context.Context, id string) (*models.Attachment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT `+selectColumns+` FROM attachments WHERE id = ? AND status = ?`),
		id, string(models.AttachmentActive))
	att, err := scanAttachment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup attachment: %w", err)
	}
	if !att.ExpiresAt.After(s.now()) {
		return nil, ErrNotFound
	}
	return att, nil
}

// List returns the owner's active attachments, newest first.
func (s *Service) List(ctx context.Context, ownerID int64) ([]*models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT `+selectColumns+` FROM attachments
			WHERE owner_id = ? AND status = ? AND expires_at > ?
			ORDER BY created_at DESC, id`),
		ownerID, string(models.AttachmentActive), s.now())
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []*models.Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// Usage sums the size of the owner's active attachments.
func (s *Service) Usage(ctx context.Context, ownerID int64) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT SUM(size) FROM attachments WHERE owner_id = ? AND status = ?`),
		ownerID, string(models.AttachmentActive)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("calculate usage: %w", err)
	}
	return total.Int64, nil
}

// Open returns a reader over the owner's attachment content.
func (s *Service) Open(ctx context.Context, ownerID int64, id string) (*os.File, *models.Attachment, error) {
	att, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(att.StoredPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open attachment: %w", err)
	}
	return f, att, nil
}

// Delete removes the owner's attachment file and record.
func (s *Service) Delete(ctx context.Context, ownerID int64, id string) error {
	att, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, att.ID, att.StoredPath)
}

func (s *Service) remove(ctx context.Context, id, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file %s: %w", path, err)
	}
	// prune the per-attachment directory
	_ = os.Remove(filepath.Dir(path))
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM attachments WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete attachment record: %w", err)
	}
	return nil
}
