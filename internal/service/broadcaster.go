package service

import (
	"inkdown-docsync/internal/domain"
	"inkdown-docsync/internal/websocket"

	"github.com/golang/glog"
)

// handleChangeLocked fans one store mutation out to the ready sessions of its
// document. The session that reserved the version sees reason self, everyone
// else sees external.
func (s *SyncService) handleChangeLocked(event domain.ChangeEvent) {
	state, err := s.registry.Document(event.DocumentID)
	if err != nil {
		glog.V(2).Infof("[Sync] change to %s v%d with no attached sessions", event.DocumentID, event.Version)
		return
	}

	origin, _ := state.pending.Consume(event.Version)

	if event.Version <= state.lastVersion {
		glog.V(1).Infof("[Sync] change to %s v%d already covered by v%d", event.DocumentID, event.Version, state.lastVersion)
		return
	}

	if event.Version != state.lastVersion+1 {
		glog.Warningf("[Sync] version gap on %s: last handled v%d, got v%d; resyncing ready sessions",
			event.DocumentID, state.lastVersion, event.Version)
		s.resyncDocumentLocked(state)
		return
	}
	state.lastVersion = event.Version

	if origin != "" {
		if _, attached := state.Sessions[origin]; !attached {
			glog.V(1).Infof("[Sync] session %s detached before v%d of %s was broadcast", origin, event.Version, event.DocumentID)
		}
	}

	for _, sess := range state.readySessions() {
		if event.Version <= sess.InitVersion {
			continue
		}

		reason := websocket.ReasonExternal
		if sess.ID == origin {
			reason = websocket.ReasonSelf
		}

		s.sendLocked(sess.ID, websocket.TypeDocChanged, &websocket.DocChangedPayload{
			Version:        event.Version,
			Reason:         reason,
			Replacements:   event.Replacements,
			AuthorityEpoch: state.AuthorityEpoch,
		})
	}

	if s.observer != nil {
		s.observer(event.DocumentID, event.Version, origin)
	}
}
