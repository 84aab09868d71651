package service

import (
	"inkdown-docsync/internal/domain"
	"inkdown-docsync/internal/websocket"

	"github.com/golang/glog"
)

// Resync sends one session the full current text as an external change with
// no replacements. It is non-destructive and may be answered before the
// session is ready.
func (s *SyncService) Resync(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, state, err := s.registry.Session(sessionID)
	if err != nil {
		glog.Warningf("[Sync] resync requested by unknown session %s", sessionID)
		return err
	}

	return s.resyncSessionLocked(state, sess)
}

// ResyncDocument resyncs every ready session of a document.
func (s *SyncService) ResyncDocument(documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.registry.Document(documentID)
	if err != nil {
		glog.Warningf("[Sync] resync of unknown document %s", documentID)
		return 0, err
	}

	return s.resyncDocumentLocked(state), nil
}

func (s *SyncService) resyncDocumentLocked(state *DocumentSyncState) int {
	sent := 0
	for _, sess := range state.readySessions() {
		if s.resyncSessionLocked(state, sess) == nil {
			sent++
		}
	}

	if snap, err := s.store.Snapshot(state.DocumentID); err == nil && snap.Version > state.lastVersion {
		state.lastVersion = snap.Version
	}
	return sent
}

func (s *SyncService) resyncSessionLocked(state *DocumentSyncState, sess *Session) error {
	snap, err := s.store.Snapshot(state.DocumentID)
	if err != nil {
		return err
	}

	text := snap.Text
	s.sendLocked(sess.ID, websocket.TypeDocChanged, &websocket.DocChangedPayload{
		Version:        snap.Version,
		Reason:         websocket.ReasonExternal,
		Replacements:   []domain.Replacement{},
		FullText:       &text,
		AuthorityEpoch: state.AuthorityEpoch,
	})

	if snap.Version > sess.InitVersion {
		sess.InitVersion = snap.Version
	}
	return nil
}

// Reset starts a new authority epoch for a document: pending self-attribution
// is dropped and every session is re-initialised from a fresh snapshot. The
// caller must have obtained user confirmation.
func (s *SyncService) Reset(documentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.registry.Document(documentID)
	if err != nil {
		glog.Warningf("[Sync] reset of unknown document %s", documentID)
		return "", err
	}

	snap, err := s.store.Snapshot(documentID)
	if err != nil {
		return "", err
	}

	previous := state.AuthorityEpoch
	state.AuthorityEpoch = newAuthorityEpoch()
	state.pending.Clear()
	state.lastVersion = snap.Version

	for _, sess := range state.Sessions {
		sess.Ready = false
	}

	for _, sess := range state.sortedSessions() {
		s.sendInitLocked(state, sess, snap)
		sess.Ready = true
		sess.InitVersion = snap.Version
	}

	glog.Infof("[Sync] reset %s at version %d: epoch %s -> %s, %d sessions reinitialised",
		documentID, snap.Version, previous, state.AuthorityEpoch, len(state.Sessions))

	return state.AuthorityEpoch, nil
}
