package attachment

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"strings"

	"previewd/internal/failure"
)

// Source resolves attachment://<id> URLs for the fetch layer.
func (s *Service) Source() *Source {
	return &Source{svc: s}
}

type Source struct {
	svc *Service
}

func (src *Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	id := u.Host
	if id == "" {
		id = strings.TrimPrefix(u.Opaque, "//")
	}
	att, err := src.svc.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, failure.New(failure.KindNetwork, "attachment %s not found", id)
		}
		return nil, err
	}
	f, err := os.Open(att.StoredPath)
	if err != nil {
		return nil, failure.Wrap(failure.KindNetwork, err, "open attachment "+id)
	}
	return f, nil
}
