package blob

import (
	"context"
	"fmt"
	"net/url"

	"lumina/backend/internal/apperr"
)

// Downloader fetches the bytes behind an upload link.
type Downloader interface {
	Download(ctx context.Context, link string) ([]byte, error)
}

// Router picks a Downloader by the link's scheme.
type Router struct {
	byScheme map[string]Downloader
}

func NewRouter() *Router {
	return &Router{byScheme: make(map[string]Downloader)}
}

func (r *Router) Handle(scheme string, d Downloader) *Router {
	r.byScheme[scheme] = d
	return r
}

func (r *Router) Download(ctx context.Context, link string) ([]byte, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, apperr.Validation("download", fmt.Errorf("invalid upload link: %w", err))
	}
	d, ok := r.byScheme[u.Scheme]
	if !ok {
		return nil, apperr.Validation("download", fmt.Errorf("unsupported upload link scheme %q", u.Scheme))
	}
	return d.Download(ctx, link)
}

func tooLarge(op string, size, limit int64) error {
	return apperr.Validationf(op, "blob is %d bytes, limit is %d", size, limit)
}
