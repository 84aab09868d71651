package service

import (
	"sort"
	"time"

	"inkdown-docsync/internal/domain"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type Session struct {
	ID         string
	DocumentID string
	UserID     string
	Ready      bool
	// InitVersion is the version of the last full snapshot the session
	// received. Change notifications at or below it are not delivered.
	InitVersion int64
	AttachedAt  time.Time
	seq         uint64
}

// DocumentSyncState exists exactly as long as a document has at least one
// attached session.
type DocumentSyncState struct {
	DocumentID     string
	AuthorityEpoch string
	Sessions       map[string]*Session
	pending        *selfVersions
	// lastVersion is the newest version whose notification has been handled.
	lastVersion int64
}

func newDocumentSyncState(documentID string) *DocumentSyncState {
	return &DocumentSyncState{
		DocumentID:     documentID,
		AuthorityEpoch: newAuthorityEpoch(),
		Sessions:       make(map[string]*Session),
		pending:        newSelfVersions(),
	}
}

func newAuthorityEpoch() string {
	return ulid.Make().String()
}

func (st *DocumentSyncState) readySessions() []*Session {
	sessions := make([]*Session, 0, len(st.Sessions))
	for _, sess := range st.sortedSessions() {
		if sess.Ready {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

func (st *DocumentSyncState) sortedSessions() []*Session {
	sessions := make([]*Session, 0, len(st.Sessions))
	for _, sess := range st.Sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].seq < sessions[j].seq
	})
	return sessions
}

// SessionRegistry indexes attached sessions by document. It is not safe for
// concurrent use; SyncService serializes access.
type SessionRegistry struct {
	documents    map[string]*DocumentSyncState
	sessionIndex map[string]string
	nextSeq      uint64
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		documents:    make(map[string]*DocumentSyncState),
		sessionIndex: make(map[string]string),
	}
}

// Attach creates a not-ready session. The first session of a document also
// creates its sync state with a fresh authority epoch.
func (r *SessionRegistry) Attach(documentID, userID string) (*Session, *DocumentSyncState, bool) {
	state, exists := r.documents[documentID]
	if !exists {
		state = newDocumentSyncState(documentID)
		r.documents[documentID] = state
	}

	sess := &Session{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		UserID:     userID,
		AttachedAt: time.Now(),
		seq:        r.nextSeq,
	}
	r.nextSeq++
	state.Sessions[sess.ID] = sess
	r.sessionIndex[sess.ID] = documentID

	return sess, state, !exists
}

func (r *SessionRegistry) Session(sessionID string) (*Session, *DocumentSyncState, error) {
	documentID, ok := r.sessionIndex[sessionID]
	if !ok {
		return nil, nil, ErrUnknownSession
	}

	state, ok := r.documents[documentID]
	if !ok {
		return nil, nil, ErrUnknownDocument
	}

	sess, ok := state.Sessions[sessionID]
	if !ok {
		return nil, nil, ErrUnknownSession
	}

	return sess, state, nil
}

func (r *SessionRegistry) Document(documentID string) (*DocumentSyncState, error) {
	state, ok := r.documents[documentID]
	if !ok {
		return nil, ErrUnknownDocument
	}
	return state, nil
}

func (r *SessionRegistry) MarkReady(sessionID string, initVersion int64) error {
	sess, _, err := r.Session(sessionID)
	if err != nil {
		return err
	}

	sess.Ready = true
	sess.InitVersion = initVersion
	return nil
}

// Detach removes a session. When it was the last one, the whole document
// state, pending reservations included, is discarded and discarded is true.
func (r *SessionRegistry) Detach(sessionID string) (documentID string, discarded bool, err error) {
	sess, state, err := r.Session(sessionID)
	if err != nil {
		return "", false, err
	}

	delete(state.Sessions, sess.ID)
	delete(r.sessionIndex, sess.ID)

	if len(state.Sessions) == 0 {
		delete(r.documents, state.DocumentID)
		return state.DocumentID, true, nil
	}

	return state.DocumentID, false, nil
}

func (r *SessionRegistry) Describe(documentID string) (*domain.DocumentSessionsResponse, error) {
	state, err := r.Document(documentID)
	if err != nil {
		return nil, err
	}

	resp := &domain.DocumentSessionsResponse{
		DocumentID:     state.DocumentID,
		AuthorityEpoch: state.AuthorityEpoch,
		PendingSelf:    state.pending.Len(),
		Sessions:       []domain.SessionInfo{},
	}

	for _, sess := range state.sortedSessions() {
		resp.Sessions = append(resp.Sessions, domain.SessionInfo{
			ID:          sess.ID,
			DocumentID:  sess.DocumentID,
			UserID:      sess.UserID,
			Ready:       sess.Ready,
			InitVersion: sess.InitVersion,
			AttachedAt:  sess.AttachedAt,
		})
	}

	return resp, nil
}
