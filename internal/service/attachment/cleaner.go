package attachment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"previewd/internal/models"
)

const DefaultCleanupInterval = time.Hour

// StartCleaner removes expired attachments every interval until ctx is done.
func (s *Service) StartCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil {
				s.logger.Error("cleanup attachments", zap.Error(err))
			}
		}
	}
}

// CleanupExpired deletes files and records past their expiry and reports how
// many were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, stored_path FROM attachments
		WHERE status = ? AND expires_at <= ?`), string(models.AttachmentActive), s.now())
	if err != nil {
		return 0, err
	}

	type fileRow struct {
		id   string
		path string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.path); err != nil {
			rows.Close()
			return 0, err
		}
		files = append(files, fr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if err := s.remove(ctx, f.id, f.path); err != nil {
			s.logger.Warn("remove expired attachment", zap.String("id", f.id), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired attachments removed", zap.Int("count", removed))
	}
	return removed, nil
}
