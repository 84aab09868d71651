package service

import (
	"context"
	"sync"

	"inkdown-docsync/internal/config"
	"inkdown-docsync/internal/document"
	"inkdown-docsync/internal/domain"
	"inkdown-docsync/internal/websocket"

	"github.com/golang/glog"
)

// DocumentStore is the document-management substrate the coordinator drives.
type DocumentStore interface {
	Open(ctx context.Context, id string) (document.Snapshot, error)
	Close(ctx context.Context, id string) error
	Snapshot(id string) (document.Snapshot, error)
	Apply(ctx context.Context, id string, baseVersion int64, replacements []domain.Replacement) (int64, error)
	Subscribe(listener document.Listener)
}

// Outbox queues a message for one session without waiting for delivery.
type Outbox interface {
	SendToClient(clientID string, message *websocket.Message) error
}

// ChangeObserver is told about every mutation that was fanned out.
// originSessionID is empty for external mutations.
type ChangeObserver func(documentID string, version int64, originSessionID string)

// SyncService coordinates attached view sessions around the single
// authoritative copy of each document. All state transitions happen under mu;
// store change events are queued by the store listener and handled by Run.
type SyncService struct {
	mu       sync.Mutex
	flushMu  sync.Mutex
	store    DocumentStore
	outbox   Outbox
	registry *SessionRegistry
	guard    config.ChangeGuardConfig
	events   *eventQueue
	observer ChangeObserver
}

func NewSyncService(store DocumentStore, outbox Outbox, guard config.ChangeGuardConfig) *SyncService {
	s := &SyncService{
		store:    store,
		outbox:   outbox,
		registry: NewSessionRegistry(),
		guard:    guard,
		events:   newEventQueue(),
	}
	store.Subscribe(s.events.push)
	return s
}

func (s *SyncService) SetChangeObserver(observer ChangeObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = observer
}

// Run handles store change events until ctx is done.
func (s *SyncService) Run(ctx context.Context) {
	for {
		select {
		case <-s.events.signal:
			s.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// Flush handles every change event queued so far.
func (s *SyncService) Flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for _, event := range s.events.drain() {
		s.mu.Lock()
		s.handleChangeLocked(event)
		s.mu.Unlock()
	}
}

// Attach opens the document and registers a new, not yet ready session.
func (s *SyncService) Attach(ctx context.Context, documentID, userID string) (string, error) {
	if _, err := s.store.Open(ctx, documentID); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, state, created := s.registry.Attach(documentID, userID)
	if created {
		snap, err := s.store.Snapshot(documentID)
		if err != nil {
			s.registry.Detach(sess.ID)
			if closeErr := s.store.Close(ctx, documentID); closeErr != nil {
				glog.Errorf("[Sync] failed to release %s after attach failure: %v", documentID, closeErr)
			}
			return "", err
		}
		state.lastVersion = snap.Version
		glog.Infof("[Sync] document %s attached at version %d (epoch %s)", documentID, snap.Version, state.AuthorityEpoch)
	}

	glog.Infof("[Sync] session %s attached to %s (user: %s)", sess.ID, documentID, userID)
	return sess.ID, nil
}

// MarkReady sends the session a full snapshot and then lets it receive
// change notifications newer than that snapshot.
func (s *SyncService) MarkReady(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, state, err := s.registry.Session(sessionID)
	if err != nil {
		glog.Warningf("[Sync] ready from unknown session %s", sessionID)
		return err
	}

	snap, err := s.store.Snapshot(state.DocumentID)
	if err != nil {
		return err
	}

	s.sendInitLocked(state, sess, snap)
	return s.registry.MarkReady(sessionID, snap.Version)
}

// Detach removes a session and releases its hold on the document. The last
// detach discards all sync state of the document.
func (s *SyncService) Detach(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	documentID, discarded, err := s.registry.Detach(sessionID)
	s.mu.Unlock()

	if err != nil {
		glog.Warningf("[Sync] detach of unknown session %s", sessionID)
		return err
	}

	glog.Infof("[Sync] session %s detached from %s", sessionID, documentID)
	if discarded {
		glog.Infof("[Sync] last session left %s, sync state discarded", documentID)
	}

	if err := s.store.Close(ctx, documentID); err != nil {
		glog.Errorf("[Sync] failed to close %s: %v", documentID, err)
		return err
	}
	return nil
}

func (s *SyncService) Sessions(documentID string) (*domain.DocumentSessionsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Describe(documentID)
}

func (s *SyncService) sendInitLocked(state *DocumentSyncState, sess *Session, snap document.Snapshot) {
	s.sendLocked(sess.ID, websocket.TypeInit, &websocket.InitPayload{
		SessionID:      sess.ID,
		DocumentID:     state.DocumentID,
		Version:        snap.Version,
		FullText:       snap.Text,
		AuthorityEpoch: state.AuthorityEpoch,
	})
}

// sendLocked never waits on the recipient. A failed delivery is logged and
// affects no other session.
func (s *SyncService) sendLocked(sessionID string, msgType websocket.MessageType, payload interface{}) bool {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		glog.Errorf("[Sync] failed to encode %s for session %s: %v", msgType, sessionID, err)
		return false
	}

	if err := s.outbox.SendToClient(sessionID, msg); err != nil {
		glog.Warningf("[Sync] delivery of %s to session %s failed: %v", msgType, sessionID, err)
		return false
	}

	glog.V(2).Infof("[Sync] queued %s for session %s", msgType, sessionID)
	return true
}

type eventQueue struct {
	mu     sync.Mutex
	items  []domain.ChangeEvent
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(event domain.ChangeEvent) {
	q.mu.Lock()
	q.items = append(q.items, event)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []domain.ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}
