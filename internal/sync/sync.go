// Package sync imports cards from registered deck sources. New cards are
// inserted with default progress; cards that vanished from a source are
// reported and kept, so no learner history is ever lost to an edit.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/studyloop/internal/config"
	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/conorfennell/studyloop/internal/gitsource"
	"github.com/conorfennell/studyloop/internal/knol"
	"github.com/conorfennell/studyloop/internal/logger"
	"github.com/conorfennell/studyloop/internal/parser"
	"github.com/conorfennell/studyloop/internal/storage"
)

// ErrInvalidSource is returned for a source the importer refuses to read.
var ErrInvalidSource = errors.New("sync: invalid source")

// Store is the persistence the importer needs. *storage.DB implements it.
type Store interface {
	GetAllSources(ctx context.Context) ([]storage.Source, error)
	GetSourcesForOwner(ctx context.Context, ownerID string) ([]storage.Source, error)
	FindCardByHash(ctx context.Context, ownerID, trackID, hash string) (*domain.Card, error)
	InsertCard(ctx context.Context, c domain.Card, sourceID int64) error
	GetCardsBySourceID(ctx context.Context, sourceID int64) ([]domain.Card, error)
	UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error
}

// FetchFunc brings the checkout of a git source at dir up to date.
type FetchFunc func(ctx context.Context, repoURL, dir string) error

// Report summarizes one source's reconciliation.
type Report struct {
	SourceID int64    `json:"source_id"`
	Path     string   `json:"path"`
	Parsed   int      `json:"parsed"`
	Inserted int      `json:"inserted"`
	Orphaned int      `json:"orphaned"`
	Errors   []string `json:"errors,omitempty"`
}

type Importer struct {
	store    Store
	reposDir string
	decksDir string
	workers  int
	log      *logger.Logger
	now      func() time.Time
	fetch    FetchFunc
}

type Option func(*Importer)

// WithFetcher replaces the git client used for git sources.
func WithFetcher(f FetchFunc) Option {
	return func(im *Importer) { im.fetch = f }
}

func WithClock(now func() time.Time) Option {
	return func(im *Importer) { im.now = now }
}

func New(store Store, cfg config.Sync, log *logger.Logger, opts ...Option) *Importer {
	im := &Importer{
		store:    store,
		reposDir: cfg.ReposDir,
		decksDir: cfg.DecksDir,
		workers:  max(cfg.Workers, 1),
		log:      log,
		now:      time.Now,
	}
	im.fetch = func(ctx context.Context, repoURL, dir string) error {
		return gitsource.Sync(ctx, repoURL, dir, im.log)
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// RunSync reconciles every registered source of every owner, up to
// workers at a time. A failing source does not stop the others; their
// errors are joined.
func (im *Importer) RunSync(ctx context.Context) ([]Report, error) {
	sources, err := im.store.GetAllSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	if len(sources) == 0 {
		im.log.Info("no sources configured, add one with --add-source <path/or/url.git>")
		return nil, nil
	}
	return im.syncAll(ctx, sources)
}

// RunSyncForOwner is RunSync restricted to the sources of one owner.
func (im *Importer) RunSyncForOwner(ctx context.Context, ownerID string) ([]Report, error) {
	sources, err := im.store.GetSourcesForOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, nil
	}
	return im.syncAll(ctx, sources)
}

func (im *Importer) syncAll(ctx context.Context, sources []storage.Source) ([]Report, error) {
	im.log.Info("starting sync", "sources", len(sources))

	reports := make([]Report, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	g.SetLimit(im.workers)
	for i, src := range sources {
		g.Go(func() error {
			reports[i], errs[i] = im.SyncSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	im.log.Info("sync complete", "sources", len(sources))
	return reports, errors.Join(errs...)
}

// SyncSource reconciles a single source.
func (im *Importer) SyncSource(ctx context.Context, src storage.Source) (Report, error) {
	log := im.log.With("source_id", src.ID, "type", src.Type, "owner_id", src.OwnerID, "track_id", src.TrackID)
	report := Report{SourceID: src.ID, Path: src.Path}

	var dir string
	switch src.Type {
	case storage.SourceLocal, "":
		local, err := im.localDir(src)
		if err != nil {
			return report, fmt.Errorf("source %d: %w", src.ID, err)
		}
		dir = local
	case storage.SourceGit:
		local, err := gitsource.LocalPath(im.reposDir, src.Path)
		if err != nil {
			return report, err
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return report, fmt.Errorf("failed to create repos directory: %w", err)
		}
		if err := im.fetch(ctx, src.Path, local); err != nil {
			log.Error("git fetch failed", "error", err)
			return report, fmt.Errorf("source %d: %w", src.ID, err)
		}
		dir = local
	default:
		return report, fmt.Errorf("source %d: unknown type %q", src.ID, src.Type)
	}

	found := make(map[string]bool)
	start := im.now()
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			return nil
		}

		contents, err := parser.ParseFile(path)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			return nil
		}
		for _, content := range contents {
			report.Parsed++
			hash := knol.Hash(content)
			if found[hash] {
				continue
			}
			found[hash] = true

			existing, err := im.store.FindCardByHash(ctx, src.OwnerID, src.TrackID, hash)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			// Offsetting CreatedAt keeps file order in insertion-ordered listings.
			created := start.Add(time.Duration(report.Inserted) * time.Microsecond)
			card := domain.NewCard(cardID(src.OwnerID, src.TrackID, hash), src.OwnerID, src.TrackID, content, created)
			card.ContentHash = hash
			if err := im.store.InsertCard(ctx, card, src.ID); err != nil {
				return err
			}
			report.Inserted++
			log.Debug("card inserted", "card_id", card.ID, "hash", hash)
		}
		return nil
	})
	if walkErr != nil {
		return report, fmt.Errorf("failed to reconcile %s: %w", src.Path, walkErr)
	}

	known, err := im.store.GetCardsBySourceID(ctx, src.ID)
	if err != nil {
		return report, err
	}
	for _, c := range known {
		if !found[c.ContentHash] {
			report.Orphaned++
			log.Info("card no longer in source, keeping it", "card_id", c.ID, "hash", c.ContentHash)
		}
	}

	if err := im.store.UpdateSourceLastScanned(ctx, src.ID, im.now()); err != nil {
		log.Warn("failed to update last scanned", "error", err)
	}

	log.Info("reconciliation complete",
		"parsed_cards", report.Parsed,
		"inserted", report.Inserted,
		"orphaned_kept", report.Orphaned,
		"errors", len(report.Errors),
	)
	return report, nil
}

// Validate checks that src can be read by the importer without touching
// the filesystem or the network.
func (im *Importer) Validate(src storage.Source) error {
	switch src.Type {
	case storage.SourceLocal, "":
		_, err := LocalPath(im.decksDir, src.OwnerID, src.Path)
		return err
	case storage.SourceGit:
		if _, err := gitsource.LocalPath(im.reposDir, src.Path); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSource, src.Type)
	}
}

// localDir resolves a local source and rejects it when symlinks lead out
// of the owner's deck directory.
func (im *Importer) localDir(src storage.Source) (string, error) {
	dir, err := LocalPath(im.decksDir, src.OwnerID, src.Path)
	if err != nil {
		return "", err
	}
	root, err := filepath.EvalSymlinks(filepath.Join(im.decksDir, src.OwnerID))
	if err != nil {
		return "", fmt.Errorf("failed to resolve deck directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", src.Path, err)
	}
	if !within(root, resolved) {
		return "", fmt.Errorf("%w: %s leads outside the deck directory", ErrInvalidSource, src.Path)
	}
	return resolved, nil
}

// LocalPath resolves a local source path inside the owner's directory
// under decksDir. Relative paths are taken from that directory; absolute
// paths must already lie inside it.
func LocalPath(decksDir, ownerID, path string) (string, error) {
	if ownerID == "" || ownerID == "." || ownerID == ".." || strings.ContainsAny(ownerID, `/\`) {
		return "", fmt.Errorf("%w: owner %q cannot own local decks", ErrInvalidSource, ownerID)
	}
	base, err := filepath.Abs(filepath.Join(decksDir, ownerID))
	if err != nil {
		return "", fmt.Errorf("failed to resolve deck directory: %w", err)
	}
	target := filepath.Clean(filepath.FromSlash(path))
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	if path == "" || !within(base, target) {
		return "", fmt.Errorf("%w: %q is outside the deck directory", ErrInvalidSource, path)
	}
	return target, nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SourceType tells a remote git URL from a local directory.
func SourceType(path string) string {
	for _, prefix := range []string{"git@", "https://", "http://", "ssh://"} {
		if strings.HasPrefix(path, prefix) {
			return storage.SourceGit
		}
	}
	return storage.SourceLocal
}

// cardID derives a stable ID from the card's scope and content hash, so two
// sources importing the same card into a track converge on one row.
func cardID(ownerID, trackID, hash string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(ownerID+"\x00"+trackID+"\x00"+hash)).String()
}
