package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"inkdown-docsync/internal/document"
	"inkdown-docsync/internal/domain"
	"inkdown-docsync/internal/websocket"

	"github.com/golang/glog"
)

// EditProposal is one edit message from a view session. A view is expected
// to keep at most one proposal in flight and coalesce local edits meanwhile;
// the pipeline does not enforce this.
type EditProposal struct {
	TxID         string
	BaseVersion  int64
	Replacements []domain.Replacement
}

type EditOutcome string

const (
	EditApplied         EditOutcome = "applied"
	EditNoop            EditOutcome = "noop"
	EditVersionMismatch EditOutcome = "baseVersionMismatch"
	EditApplyFailed     EditOutcome = "applyFailed"
)

// EditResult is the terminal state of a proposal. Version is the new version
// for acks and the current version for nacks.
type EditResult struct {
	TxID    string
	Outcome EditOutcome
	Version int64
	Err     error
	Guard   ChangeGuardReport
}

func (r *EditResult) Acked() bool {
	return r.Outcome == EditApplied || r.Outcome == EditNoop
}

// HandleEdit runs a proposal to a terminal ack or nack and queues that answer
// for the proposer. Only an unknown session yields an error and no answer.
func (s *SyncService) HandleEdit(ctx context.Context, sessionID string, edit *EditProposal) (*EditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, state, err := s.registry.Session(sessionID)
	if err != nil {
		glog.Warningf("[Sync] edit %s from unknown session %s ignored", edit.TxID, sessionID)
		return nil, err
	}

	result := s.runEditLocked(ctx, sess, state, edit)
	s.answerLocked(sessionID, result)
	return result, nil
}

func (s *SyncService) runEditLocked(ctx context.Context, sess *Session, state *DocumentSyncState, edit *EditProposal) *EditResult {
	result := &EditResult{TxID: edit.TxID}

	snap, err := s.store.Snapshot(state.DocumentID)
	if err != nil {
		// lastVersion is the newest version any session has been told about
		result.Outcome = EditApplyFailed
		result.Version = state.lastVersion
		result.Err = &ApplyFailureError{CurrentVersion: state.lastVersion, Err: err}
		glog.Errorf("[Sync] edit %s from session %s on %s failed: %v", edit.TxID, sess.ID, state.DocumentID, result.Err)
		return result
	}

	if edit.BaseVersion != snap.Version {
		result.Outcome = EditVersionMismatch
		result.Version = snap.Version
		result.Err = &VersionConflictError{BaseVersion: edit.BaseVersion, CurrentVersion: snap.Version}
		return result
	}

	if len(edit.Replacements) == 0 {
		result.Outcome = EditNoop
		result.Version = snap.Version
		return result
	}

	result.Guard = EvaluateChange(edit.Replacements, utf8.RuneCountInString(snap.Text), s.guard)
	if result.Guard.IsExceeded() {
		glog.Warningf("[Sync] change guard exceeded: document=%s session=%s tx=%s exceeded=%s changed_chars=%d changed_ratio=%.3f hunks=%d",
			state.DocumentID, sess.ID, edit.TxID, strings.Join(result.Guard.Exceeded, ","),
			result.Guard.ChangedCharacters, result.Guard.ChangedRatio, result.Guard.HunkCount)
	}

	target := edit.BaseVersion + 1
	if err := state.pending.Reserve(target, sess.ID); err != nil {
		result.Outcome = EditApplyFailed
		result.Version = snap.Version
		result.Err = &ApplyFailureError{CurrentVersion: snap.Version, Err: err}
		return result
	}

	newVersion, err := s.applySafely(ctx, state.DocumentID, edit.BaseVersion, edit.Replacements)
	if err == nil && newVersion == target {
		result.Outcome = EditApplied
		result.Version = newVersion
		return result
	}

	state.pending.Rollback(target, sess.ID)

	current := snap.Version
	if latest, snapErr := s.store.Snapshot(state.DocumentID); snapErr == nil {
		current = latest.Version
	}
	result.Version = current

	switch {
	case errors.Is(err, document.ErrVersionConflict):
		result.Outcome = EditVersionMismatch
		result.Err = &VersionConflictError{BaseVersion: edit.BaseVersion, CurrentVersion: current}
	case err != nil:
		result.Outcome = EditApplyFailed
		result.Err = &ApplyFailureError{CurrentVersion: current, Err: err}
	default:
		result.Outcome = EditApplyFailed
		result.Err = &ApplyFailureError{
			CurrentVersion: current,
			Err:            fmt.Errorf("store produced version %d, expected %d", newVersion, target),
		}
	}

	glog.Errorf("[Sync] edit %s from session %s on %s failed: %v", edit.TxID, sess.ID, state.DocumentID, result.Err)
	return result
}

// applySafely turns a panicking store into an ordinary apply failure so the
// proposer still gets a nack.
func (s *SyncService) applySafely(ctx context.Context, documentID string, baseVersion int64, replacements []domain.Replacement) (version int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("document store panic: %v", r)
		}
	}()
	return s.store.Apply(ctx, documentID, baseVersion, replacements)
}

func (s *SyncService) answerLocked(sessionID string, result *EditResult) {
	switch result.Outcome {
	case EditApplied:
		s.sendLocked(sessionID, websocket.TypeAck, &websocket.AckPayload{
			TxID: result.TxID, Version: result.Version, Reason: websocket.AckApplied,
		})
	case EditNoop:
		s.sendLocked(sessionID, websocket.TypeAck, &websocket.AckPayload{
			TxID: result.TxID, Version: result.Version, Reason: websocket.AckNoop,
		})
	case EditVersionMismatch:
		s.sendLocked(sessionID, websocket.TypeNack, &websocket.NackPayload{
			TxID: result.TxID, CurrentVersion: result.Version, Reason: websocket.NackBaseVersionMismatch,
		})
	default:
		nack := &websocket.NackPayload{
			TxID: result.TxID, CurrentVersion: result.Version, Reason: websocket.NackApplyFailed,
		}
		if result.Err != nil {
			nack.Detail = result.Err.Error()
		}
		s.sendLocked(sessionID, websocket.TypeNack, nack)
	}
}
