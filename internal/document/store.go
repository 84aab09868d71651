// Package document holds the authoritative in-memory copy of every document
// that has at least one attached session. It is the only place document text
// is mutated; every mutation bumps the version by exactly one and is reported
// to subscribers in version order.
package document

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"inkdown-docsync/internal/domain"
	"inkdown-docsync/internal/repository"
	"inkdown-docsync/pkg/hash"

	"github.com/golang/glog"
)

var (
	ErrDocumentNotOpen  = errors.New("document not open")
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionConflict  = errors.New("base version does not match current version")
	ErrInvalidRange     = errors.New("invalid replacement range")
)

type Snapshot struct {
	DocumentID string
	Version    int64
	Text       string
}

// Listener receives change events while the store lock is held, so it must
// not block and must not call back into the store.
type Listener func(event domain.ChangeEvent)

type openDocument struct {
	id        string
	text      []rune
	version   int64
	refs      int
	dirty     bool
	createdAt time.Time
	updatedAt time.Time
}

func (d *openDocument) snapshot() Snapshot {
	return Snapshot{DocumentID: d.id, Version: d.version, Text: string(d.text)}
}

func (d *openDocument) toDomain() *domain.Document {
	content := string(d.text)
	return &domain.Document{
		ID:          d.id,
		Content:     content,
		Version:     d.version,
		ContentHash: hash.Content(content),
		CreatedAt:   d.createdAt,
		UpdatedAt:   d.updatedAt,
	}
}

type Store struct {
	mu        sync.Mutex
	docs      map[string]*openDocument
	idLocks   map[string]*idLock
	listeners []Listener
	repo      repository.DocumentRepository
	versions  repository.DocumentVersionRepository
}

// idLock serializes repository round trips (load and persist) for one id.
type idLock struct {
	mu      sync.Mutex
	holders int
}

// NewStore builds a store. Both repositories may be nil, in which case
// documents live only as long as they are open.
func NewStore(repo repository.DocumentRepository, versions repository.DocumentVersionRepository) *Store {
	return &Store{
		docs:     make(map[string]*openDocument),
		idLocks:  make(map[string]*idLock),
		repo:     repo,
		versions: versions,
	}
}

func (s *Store) Subscribe(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// lockID must not be called with s.mu held.
func (s *Store) lockID(id string) func() {
	s.mu.Lock()
	l, ok := s.idLocks[id]
	if !ok {
		l = &idLock{}
		s.idLocks[id] = l
	}
	l.holders++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.holders--
		if l.holders == 0 {
			delete(s.idLocks, id)
		}
		s.mu.Unlock()
	}
}

// Open loads a document (creating an empty one at version 0 when it was never
// persisted) and takes a reference on it. A document that is still being
// persisted by its last Close is reused as is.
func (s *Store) Open(ctx context.Context, id string) (Snapshot, error) {
	if snap, ok := s.retain(id); ok {
		return snap, nil
	}

	unlock := s.lockID(id)
	defer unlock()

	// another Open may have won the race while we waited
	if snap, ok := s.retain(id); ok {
		return snap, nil
	}

	loaded, err := s.load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded.refs = 1
	s.docs[id] = loaded
	glog.V(1).Infof("[Store] opened document %s at version %d", id, loaded.version)

	return loaded.snapshot(), nil
}

func (s *Store) retain(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return Snapshot{}, false
	}
	d.refs++
	return d.snapshot(), true
}

func (s *Store) load(ctx context.Context, id string) (*openDocument, error) {
	now := time.Now()
	fresh := &openDocument{id: id, createdAt: now, updatedAt: now}

	if s.repo == nil {
		return fresh, nil
	}

	doc, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return fresh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}

	return &openDocument{
		id:        id,
		text:      []rune(doc.Content),
		version:   doc.Version,
		createdAt: doc.CreatedAt,
		updatedAt: doc.UpdatedAt,
	}, nil
}

// Close drops one reference. The last reference persists unsaved changes and
// unloads the document. The document stays loaded until it is persisted; if
// persisting fails it is kept, unreferenced and dirty, for a later Open or
// Save to pick up.
func (s *Store) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || d.refs <= 0 {
		s.mu.Unlock()
		return ErrDocumentNotOpen
	}

	d.refs--
	if d.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	unlock := s.lockID(id)
	defer unlock()

	return s.release(ctx, d)
}

// release persists d until it is clean, then unloads it unless it was
// reopened meanwhile. The caller holds the id lock.
func (s *Store) release(ctx context.Context, d *openDocument) error {
	for {
		s.mu.Lock()
		if s.docs[d.id] != d || d.refs > 0 {
			s.mu.Unlock()
			return nil
		}
		if !d.dirty {
			delete(s.docs, d.id)
			s.mu.Unlock()
			glog.V(1).Infof("[Store] closed document %s at version %d", d.id, d.version)
			return nil
		}
		doc := d.toDomain()
		s.mu.Unlock()

		if err := s.persist(ctx, doc); err != nil {
			glog.Errorf("[Store] document %s v%d kept in memory, persist failed: %v", d.id, doc.Version, err)
			return err
		}

		s.mu.Lock()
		if d.version == doc.Version {
			d.dirty = false
		}
		s.mu.Unlock()
	}
}

// IsOpen reports whether the document has at least one reference.
func (s *Store) IsOpen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	return ok && d.refs > 0
}

func (s *Store) Snapshot(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return Snapshot{}, ErrDocumentNotOpen
	}
	return d.snapshot(), nil
}

func (s *Store) Version(id string) (int64, error) {
	snap, err := s.Snapshot(id)
	return snap.Version, err
}

func (s *Store) Text(id string) (string, error) {
	snap, err := s.Snapshot(id)
	return snap.Text, err
}

// Get returns the live copy of a loaded document, or the persisted one.
func (s *Store) Get(ctx context.Context, id string) (*domain.Document, bool, error) {
	s.mu.Lock()
	if d, ok := s.docs[id]; ok {
		doc := d.toDomain()
		open := d.refs > 0
		s.mu.Unlock()
		return doc, open, nil
	}
	s.mu.Unlock()

	if s.repo == nil {
		return nil, false, ErrDocumentNotFound
	}

	doc, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return nil, false, ErrDocumentNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

// Apply replaces the given ranges of the document as one mutation, provided
// the document is still at baseVersion. All ranges refer to the text at
// baseVersion and must not overlap.
func (s *Store) Apply(ctx context.Context, id string, baseVersion int64, replacements []domain.Replacement) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return 0, ErrDocumentNotOpen
	}

	if d.version != baseVersion {
		return d.version, fmt.Errorf("%w: base %d, current %d", ErrVersionConflict, baseVersion, d.version)
	}

	if len(replacements) == 0 {
		return d.version, nil
	}

	text, err := applyReplacements(d.text, replacements)
	if err != nil {
		return d.version, err
	}

	s.mutateLocked(d, text, replacements)
	return d.version, nil
}

// Write replaces the whole text of a document the way an editor save from
// another tool would. Documents that are not loaded are rewritten in the
// repository directly.
func (s *Store) Write(ctx context.Context, id, content string) (int64, error) {
	if version, ok := s.writeLoaded(id, content); ok {
		return version, nil
	}

	if s.repo == nil {
		return 0, ErrDocumentNotOpen
	}

	unlock := s.lockID(id)
	defer unlock()

	// an Open may have loaded it while we waited
	if version, ok := s.writeLoaded(id, content); ok {
		return version, nil
	}

	d, err := s.load(ctx, id)
	if err != nil {
		return 0, err
	}

	if string(d.text) == content {
		return d.version, nil
	}

	d.text = []rune(content)
	d.version++
	d.updatedAt = time.Now()

	if err := s.persist(ctx, d.toDomain()); err != nil {
		return 0, err
	}
	return d.version, nil
}

func (s *Store) writeLoaded(id, content string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return 0, false
	}

	if string(d.text) == content {
		return d.version, true
	}

	replacements := []domain.Replacement{{
		Range: domain.Range{Start: 0, End: len(d.text)},
		Text:  content,
	}}
	s.mutateLocked(d, []rune(content), replacements)
	return d.version, true
}

// Save persists the current text of a loaded document.
func (s *Store) Save(ctx context.Context, id string) error {
	unlock := s.lockID(id)
	defer unlock()

	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok {
		s.mu.Unlock()
		return ErrDocumentNotOpen
	}
	doc := d.toDomain()
	s.mu.Unlock()

	if err := s.persist(ctx, doc); err != nil {
		return err
	}

	s.mu.Lock()
	if d.version == doc.Version {
		d.dirty = false
	}
	s.mu.Unlock()

	// an unreferenced document left behind by a failed Close can go now
	return s.release(ctx, d)
}

// SaveAll persists every loaded document with unsaved changes. It is meant
// for shutdown, when sessions will not detach on their own.
func (s *Store) SaveAll(ctx context.Context) error {
	s.mu.Lock()
	var dirty []string
	for id, d := range s.docs {
		if d.dirty {
			dirty = append(dirty, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(dirty)

	var errs []error
	for _, id := range dirty {
		if err := s.Save(ctx, id); err != nil && !errors.Is(err, ErrDocumentNotOpen) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	glog.Infof("[Store] saved %d documents", len(dirty))
	return nil
}

func (s *Store) mutateLocked(d *openDocument, text []rune, replacements []domain.Replacement) {
	d.text = text
	d.version++
	d.dirty = true
	d.updatedAt = time.Now()

	event := domain.ChangeEvent{
		DocumentID:   d.id,
		Version:      d.version,
		Replacements: replacements,
	}
	for _, listener := range s.listeners {
		listener(event)
	}
}

// MaxArchivedVersions is how many previous versions of a document are kept.
const MaxArchivedVersions = 50

func (s *Store) persist(ctx context.Context, doc *domain.Document) error {
	if s.repo == nil {
		return nil
	}

	if s.versions != nil {
		previous, err := s.repo.FindByID(ctx, doc.ID)
		if err == nil && previous.Version < doc.Version {
			if err := s.versions.SaveVersion(ctx, previous); err != nil {
				glog.Warningf("[Store] failed to archive version %d of %s: %v", previous.Version, doc.ID, err)
			} else if err := s.versions.DeleteOldVersions(ctx, doc.ID, MaxArchivedVersions); err != nil {
				glog.Warningf("[Store] failed to prune history of %s: %v", doc.ID, err)
			}
		}
	}

	if err := s.repo.Save(ctx, doc); err != nil {
		glog.Errorf("[Store] failed to persist document %s: %v", doc.ID, err)
		return err
	}
	return nil
}

func applyReplacements(text []rune, replacements []domain.Replacement) ([]rune, error) {
	sorted := make([]domain.Replacement, len(replacements))
	copy(sorted, replacements)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Range.Start < sorted[j].Range.Start
	})

	out := make([]rune, 0, len(text))
	cursor := 0
	for _, r := range sorted {
		if r.Range.Start < cursor || r.Range.Start > r.Range.End || r.Range.End > len(text) {
			return nil, fmt.Errorf("%w: [%d,%d) against length %d", ErrInvalidRange, r.Range.Start, r.Range.End, len(text))
		}
		out = append(out, text[cursor:r.Range.Start]...)
		out = append(out, []rune(r.Text)...)
		cursor = r.Range.End
	}
	out = append(out, text[cursor:]...)

	return out, nil
}
