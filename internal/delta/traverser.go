// Package delta walks paginated change feeds and remembers where to resume.
package delta

import (
	"context"
	"iter"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/domain"
)

type Fetcher interface {
	FetchPage(ctx context.Context, url string) (domain.DeltaPage, error)
}

type FetcherFunc func(ctx context.Context, url string) (domain.DeltaPage, error)

func (f FetcherFunc) FetchPage(ctx context.Context, url string) (domain.DeltaPage, error) {
	return f(ctx, url)
}

// CursorStore persists one resume cursor per owner. ok is false when the owner
// has never completed a traversal.
type CursorStore interface {
	GetCursor(ctx context.Context, ownerID string) (cursor string, ok bool, err error)
	SetCursor(ctx context.Context, ownerID, cursor string) error
}

type Traverser struct {
	fetcher Fetcher
	cursors CursorStore
	log     *zap.Logger
}

func NewTraverser(fetcher Fetcher, cursors CursorStore, logger *zap.Logger) *Traverser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Traverser{fetcher: fetcher, cursors: cursors, log: logger}
}

// Pages fetches the owner's feed lazily, one page per iteration, starting at
// the stored cursor or startURL when none exists. Once NextLink runs out the
// last ResumeLink seen is stored; a traversal that saw none leaves the stored
// cursor alone. Breaking out of the loop early stores nothing.
//
// A failure is yielded as the final element.
func (t *Traverser) Pages(ctx context.Context, ownerID, startURL string) iter.Seq2[domain.DeltaPage, error] {
	return func(yield func(domain.DeltaPage, error) bool) {
		url, err := t.startURL(ctx, ownerID, startURL)
		if err != nil {
			yield(domain.DeltaPage{}, err)
			return
		}

		var latest string
		pages := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.DeltaPage{}, err)
				return
			}
			page, err := t.fetcher.FetchPage(ctx, url)
			if err != nil {
				yield(domain.DeltaPage{}, errors.Wrapf(err, "fetch delta page %d", pages+1))
				return
			}
			pages++
			if page.ResumeLink != "" {
				latest = page.ResumeLink
			}
			if !yield(page, nil) {
				return
			}
			if page.NextLink == "" {
				break
			}
			if page.NextLink == url {
				yield(domain.DeltaPage{}, errors.Wrapf(domain.ErrMalformedState, "delta page points at itself: %s", url))
				return
			}
			url = page.NextLink
		}

		if latest == "" {
			t.log.Debug("delta traversal finished without resume link",
				zap.String("owner_id", ownerID), zap.Int("pages", pages))
			return
		}
		if err := t.cursors.SetCursor(ctx, ownerID, latest); err != nil {
			yield(domain.DeltaPage{}, errors.Wrap(err, "persist delta cursor"))
			return
		}
		t.log.Debug("delta cursor advanced",
			zap.String("owner_id", ownerID), zap.Int("pages", pages))
	}
}

// Collect drains Pages into a slice.
func (t *Traverser) Collect(ctx context.Context, ownerID, startURL string) ([]domain.DeltaPage, error) {
	var out []domain.DeltaPage
	for page, err := range t.Pages(ctx, ownerID, startURL) {
		if err != nil {
			return out, err
		}
		out = append(out, page)
	}
	return out, nil
}

func (t *Traverser) startURL(ctx context.Context, ownerID, startURL string) (string, error) {
	if ownerID == "" {
		return "", errors.Wrap(domain.ErrInvalidInput, "owner id is required")
	}
	cursor, ok, err := t.cursors.GetCursor(ctx, ownerID)
	if err != nil {
		return "", errors.Wrap(err, "load delta cursor")
	}
	if ok && cursor != "" {
		return cursor, nil
	}
	if startURL == "" {
		return "", errors.Wrap(domain.ErrInvalidInput, "start url is required without a stored cursor")
	}
	return startURL, nil
}
