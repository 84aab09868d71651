package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"inkdown-docsync/internal/config"
	"inkdown-docsync/internal/document"
	"inkdown-docsync/internal/domain"
	"inkdown-docsync/internal/repository"
	"inkdown-docsync/internal/websocket"

	"github.com/go-playground/assert/v2"
)

type mockDocumentRepo struct {
	docs map[string]*domain.Document
}

func (m *mockDocumentRepo) FindByID(ctx context.Context, id string) (*domain.Document, error) {
	if d, ok := m.docs[id]; ok {
		c := *d
		return &c, nil
	}
	return nil, repository.ErrDocumentNotFound
}

func (m *mockDocumentRepo) Save(ctx context.Context, doc *domain.Document) error {
	c := *doc
	m.docs[doc.ID] = &c
	return nil
}

type fakeOutbox struct {
	mu   sync.Mutex
	sent map[string][]*websocket.Message
	fail map[string]bool
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{
		sent: make(map[string][]*websocket.Message),
		fail: make(map[string]bool),
	}
}

func (o *fakeOutbox) SendToClient(clientID string, message *websocket.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fail[clientID] {
		return websocket.ErrSendBufferFull
	}
	o.sent[clientID] = append(o.sent[clientID], message)
	return nil
}

func (o *fakeOutbox) ofType(clientID string, msgType websocket.MessageType) []*websocket.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*websocket.Message
	for _, m := range o.sent[clientID] {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (o *fakeOutbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = make(map[string][]*websocket.Message)
}

// panickingStore fails every Apply the way a broken substrate would.
type panickingStore struct {
	*document.Store
}

func (p *panickingStore) Apply(ctx context.Context, id string, baseVersion int64, replacements []domain.Replacement) (int64, error) {
	panic("substrate exploded")
}

// skippingStore applies the edit but reports a version two steps ahead.
type skippingStore struct {
	*document.Store
}

func (k *skippingStore) Apply(ctx context.Context, id string, baseVersion int64, replacements []domain.Replacement) (int64, error) {
	v, err := k.Store.Apply(ctx, id, baseVersion, replacements)
	return v + 1, err
}

type fixture struct {
	store  *document.Store
	outbox *fakeOutbox
	svc    *SyncService
}

// newFixture returns a service over a document "doc" persisted at version 5.
func newFixture(t *testing.T, guard config.ChangeGuardConfig) *fixture {
	t.Helper()

	repo := &mockDocumentRepo{docs: map[string]*domain.Document{
		"doc": {ID: "doc", Content: "hello world", Version: 5},
	}}
	store := document.NewStore(repo, nil)
	outbox := newFakeOutbox()

	return &fixture{
		store:  store,
		outbox: outbox,
		svc:    NewSyncService(store, outbox, guard),
	}
}

func (f *fixture) readySession(t *testing.T, userID string) string {
	t.Helper()

	id, err := f.svc.Attach(context.Background(), "doc", userID)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := f.svc.MarkReady(id); err != nil {
		t.Fatalf("MarkReady() error = %v", err)
	}
	return id
}

func edit(txID string, base int64, replacements ...domain.Replacement) *EditProposal {
	if replacements == nil {
		replacements = []domain.Replacement{}
	}
	return &EditProposal{TxID: txID, BaseVersion: base, Replacements: replacements}
}

func insert(at int, text string) domain.Replacement {
	return domain.Replacement{Range: domain.Range{Start: at, End: at}, Text: text}
}

func payloadOf[T any](t *testing.T, msg *websocket.Message) T {
	t.Helper()
	var v T
	if err := msg.UnmarshalPayload(&v); err != nil {
		t.Fatalf("UnmarshalPayload() error = %v", err)
	}
	return v
}

func TestSyncService_ReadySendsInit(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})

	id, err := f.svc.Attach(context.Background(), "doc", "user1")
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	sessions, _ := f.svc.Sessions("doc")
	assert.Equal(t, false, sessions.Sessions[0].Ready)
	assert.Equal(t, 0, len(f.outbox.sent[id]))

	if err := f.svc.MarkReady(id); err != nil {
		t.Fatalf("MarkReady() error = %v", err)
	}

	inits := f.outbox.ofType(id, websocket.TypeInit)
	assert.Equal(t, 1, len(inits))

	init := payloadOf[websocket.InitPayload](t, inits[0])
	assert.Equal(t, id, init.SessionID)
	assert.Equal(t, int64(5), init.Version)
	assert.Equal(t, "hello world", init.FullText)
	assert.Equal(t, sessions.AuthorityEpoch, init.AuthorityEpoch)
}

func TestSyncService_ConcurrentProposalsScenario(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	b := f.readySession(t, "user2")
	ctx := context.Background()

	resA, err := f.svc.HandleEdit(ctx, a, edit("a1", 5, insert(5, ",")))
	if err != nil {
		t.Fatalf("HandleEdit(a) error = %v", err)
	}
	assert.Equal(t, EditApplied, resA.Outcome)
	assert.Equal(t, int64(6), resA.Version)

	// B has not observed v6 yet
	resB, err := f.svc.HandleEdit(ctx, b, edit("b1", 5, insert(0, ">")))
	if err != nil {
		t.Fatalf("HandleEdit(b) error = %v", err)
	}
	assert.Equal(t, EditVersionMismatch, resB.Outcome)
	assert.Equal(t, int64(6), resB.Version)

	var conflict *VersionConflictError
	if !errors.As(resB.Err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", resB.Err)
	}

	f.svc.Flush()

	ack := payloadOf[websocket.AckPayload](t, f.outbox.ofType(a, websocket.TypeAck)[0])
	assert.Equal(t, "a1", ack.TxID)
	assert.Equal(t, int64(6), ack.Version)
	assert.Equal(t, websocket.AckApplied, ack.Reason)

	nack := payloadOf[websocket.NackPayload](t, f.outbox.ofType(b, websocket.TypeNack)[0])
	assert.Equal(t, "b1", nack.TxID)
	assert.Equal(t, int64(6), nack.CurrentVersion)
	assert.Equal(t, websocket.NackBaseVersionMismatch, nack.Reason)

	changedA := payloadOf[websocket.DocChangedPayload](t, f.outbox.ofType(a, websocket.TypeDocChanged)[0])
	assert.Equal(t, int64(6), changedA.Version)
	assert.Equal(t, websocket.ReasonSelf, changedA.Reason)

	changedB := payloadOf[websocket.DocChangedPayload](t, f.outbox.ofType(b, websocket.TypeDocChanged)[0])
	assert.Equal(t, int64(6), changedB.Version)
	assert.Equal(t, websocket.ReasonExternal, changedB.Reason)
	assert.Equal(t, ",", changedB.Replacements[0].Text)

	text, _ := f.store.Text("doc")
	assert.Equal(t, "hello, world", text)
}

func TestSyncService_EmptyEditIsNoop(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")

	res, err := f.svc.HandleEdit(context.Background(), a, edit("t", 5))
	if err != nil {
		t.Fatalf("HandleEdit() error = %v", err)
	}

	assert.Equal(t, EditNoop, res.Outcome)
	assert.Equal(t, int64(5), res.Version)

	ack := payloadOf[websocket.AckPayload](t, f.outbox.ofType(a, websocket.TypeAck)[0])
	assert.Equal(t, websocket.AckNoop, ack.Reason)

	version, _ := f.store.Version("doc")
	assert.Equal(t, int64(5), version)

	sessions, _ := f.svc.Sessions("doc")
	assert.Equal(t, 0, sessions.PendingSelf)

	f.svc.Flush()
	assert.Equal(t, 0, len(f.outbox.ofType(a, websocket.TypeDocChanged)))
}

func TestSyncService_StaleBaseNeverMutates(t *testing.T) {
	tests := []struct {
		name string
		base int64
	}{
		{name: "behind", base: 4},
		{name: "ahead", base: 9},
		{name: "zero", base: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.ChangeGuardConfig{})
			a := f.readySession(t, "user1")

			res, _ := f.svc.HandleEdit(context.Background(), a, edit("t", tt.base, insert(0, "x")))
			assert.Equal(t, EditVersionMismatch, res.Outcome)
			assert.Equal(t, int64(5), res.Version)

			snap, _ := f.store.Snapshot("doc")
			assert.Equal(t, int64(5), snap.Version)
			assert.Equal(t, "hello world", snap.Text)
		})
	}
}

func TestSyncService_ApplyPanicRollsBack(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	svc := NewSyncService(&panickingStore{Store: f.store}, f.outbox, config.ChangeGuardConfig{})

	id, _ := svc.Attach(context.Background(), "doc", "user1")
	svc.MarkReady(id)

	res, err := svc.HandleEdit(context.Background(), id, edit("t", 5, insert(0, "x")))
	if err != nil {
		t.Fatalf("HandleEdit() error = %v", err)
	}

	assert.Equal(t, EditApplyFailed, res.Outcome)
	assert.Equal(t, int64(5), res.Version)

	var failure *ApplyFailureError
	if !errors.As(res.Err, &failure) {
		t.Fatalf("expected ApplyFailureError, got %v", res.Err)
	}

	nack := payloadOf[websocket.NackPayload](t, f.outbox.ofType(id, websocket.TypeNack)[0])
	assert.Equal(t, websocket.NackApplyFailed, nack.Reason)
	assert.NotEqual(t, "", nack.Detail)

	sessions, _ := svc.Sessions("doc")
	assert.Equal(t, 0, sessions.PendingSelf)

	version, _ := f.store.Version("doc")
	assert.Equal(t, int64(5), version)
}

func TestSyncService_InvalidRangeIsApplyFailure(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")

	res, _ := f.svc.HandleEdit(context.Background(), a, edit("t", 5, domain.Replacement{
		Range: domain.Range{Start: 3, End: 400},
	}))

	assert.Equal(t, EditApplyFailed, res.Outcome)
	if !errors.Is(res.Err, document.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", res.Err)
	}

	sessions, _ := f.svc.Sessions("doc")
	assert.Equal(t, 0, sessions.PendingSelf)
}

func TestSyncService_UnexpectedVersionRollsBack(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	svc := NewSyncService(&skippingStore{Store: f.store}, f.outbox, config.ChangeGuardConfig{})

	id, _ := svc.Attach(context.Background(), "doc", "user1")
	svc.MarkReady(id)

	res, _ := svc.HandleEdit(context.Background(), id, edit("t", 5, insert(0, "x")))
	assert.Equal(t, EditApplyFailed, res.Outcome)

	sessions, _ := svc.Sessions("doc")
	assert.Equal(t, 0, sessions.PendingSelf)

	// the mutation did happen, so it reaches the session as external
	svc.Flush()
	changed := payloadOf[websocket.DocChangedPayload](t, f.outbox.ofType(id, websocket.TypeDocChanged)[0])
	assert.Equal(t, int64(6), changed.Version)
	assert.Equal(t, websocket.ReasonExternal, changed.Reason)
}

func TestSyncService_SelfGoesToExactlyOneSession(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	ids := []string{
		f.readySession(t, "user1"),
		f.readySession(t, "user2"),
		f.readySession(t, "user3"),
	}
	ctx := context.Background()

	for i, id := range ids {
		res, _ := f.svc.HandleEdit(ctx, id, edit("t", int64(5+i), insert(0, "x")))
		assert.Equal(t, EditApplied, res.Outcome)
	}
	f.svc.Flush()

	for v := int64(6); v <= 8; v++ {
		selfCount := 0
		for i, id := range ids {
			for _, msg := range f.outbox.ofType(id, websocket.TypeDocChanged) {
				p := payloadOf[websocket.DocChangedPayload](t, msg)
				if p.Version != v {
					continue
				}
				if p.Reason == websocket.ReasonSelf {
					selfCount++
					assert.Equal(t, int64(6+i), v)
				}
			}
		}
		assert.Equal(t, 1, selfCount)
	}
}

func TestSyncService_ExternalWrite(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	pending, _ := f.svc.Attach(context.Background(), "doc", "user2")

	version, err := f.store.Write(context.Background(), "doc", "rewritten")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	assert.Equal(t, int64(6), version)

	f.svc.Flush()

	changed := f.outbox.ofType(a, websocket.TypeDocChanged)
	assert.Equal(t, 1, len(changed))
	p := payloadOf[websocket.DocChangedPayload](t, changed[0])
	assert.Equal(t, websocket.ReasonExternal, p.Reason)
	assert.Equal(t, "rewritten", p.Replacements[0].Text)

	assert.Equal(t, 0, len(f.outbox.sent[pending]))
}

func TestSyncService_LateReadyGetsStateThroughInit(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	late, _ := f.svc.Attach(context.Background(), "doc", "user2")

	f.svc.HandleEdit(context.Background(), a, edit("t", 5, insert(0, "x")))
	f.svc.MarkReady(late)
	f.svc.Flush()

	init := payloadOf[websocket.InitPayload](t, f.outbox.ofType(late, websocket.TypeInit)[0])
	assert.Equal(t, int64(6), init.Version)
	assert.Equal(t, "xhello world", init.FullText)
	assert.Equal(t, 0, len(f.outbox.ofType(late, websocket.TypeDocChanged)))
}

func TestSyncService_OriginDetachedBeforeBroadcast(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	b := f.readySession(t, "user2")

	f.svc.HandleEdit(context.Background(), a, edit("t", 5, insert(0, "x")))
	if err := f.svc.Detach(context.Background(), a); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	f.svc.Flush()

	p := payloadOf[websocket.DocChangedPayload](t, f.outbox.ofType(b, websocket.TypeDocChanged)[0])
	assert.Equal(t, websocket.ReasonExternal, p.Reason)

	sessions, _ := f.svc.Sessions("doc")
	assert.Equal(t, 0, sessions.PendingSelf)
}

func TestSyncService_DeliveryFailureIsolated(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	b := f.readySession(t, "user2")
	c := f.readySession(t, "user3")
	f.outbox.fail[b] = true

	f.svc.HandleEdit(context.Background(), a, edit("t", 5, insert(0, "x")))
	f.svc.Flush()

	assert.Equal(t, 1, len(f.outbox.ofType(a, websocket.TypeDocChanged)))
	assert.Equal(t, 1, len(f.outbox.ofType(c, websocket.TypeDocChanged)))
}

func TestSyncService_ChangeGuardIsAdvisory(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{MaxChangedChars: 2, MaxHunks: 1})
	a := f.readySession(t, "user1")

	res, _ := f.svc.HandleEdit(context.Background(), a, edit("t", 5, insert(0, "abc"), insert(11, "def")))

	assert.Equal(t, EditApplied, res.Outcome)
	assert.Equal(t, true, res.Guard.IsExceeded())
	assert.Equal(t, []string{GuardMaxChangedChars, GuardMaxHunks}, res.Guard.Exceeded)

	text, _ := f.store.Text("doc")
	assert.Equal(t, "abchello worlddef", text)
}

func TestSyncService_Resync(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	f.outbox.reset()

	if err := f.svc.Resync(a); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	p := payloadOf[websocket.DocChangedPayload](t, f.outbox.ofType(a, websocket.TypeDocChanged)[0])
	assert.Equal(t, int64(5), p.Version)
	assert.Equal(t, websocket.ReasonExternal, p.Reason)
	assert.Equal(t, 0, len(p.Replacements))
	assert.Equal(t, "hello world", *p.FullText)

	if err := f.svc.Resync("nobody"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Resync() error = %v, want ErrUnknownSession", err)
	}
}

func TestSyncService_Reset(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	b := f.readySession(t, "user2")
	notReady, _ := f.svc.Attach(context.Background(), "doc", "user3")

	before, _ := f.svc.Sessions("doc")

	f.svc.mu.Lock()
	state, _ := f.svc.registry.Document("doc")
	state.pending.Reserve(42, a)
	f.svc.mu.Unlock()

	f.outbox.reset()
	epoch, err := f.svc.Reset("doc")
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	assert.NotEqual(t, before.AuthorityEpoch, epoch)

	after, _ := f.svc.Sessions("doc")
	assert.Equal(t, 0, after.PendingSelf)
	assert.Equal(t, epoch, after.AuthorityEpoch)

	for _, sess := range after.Sessions {
		assert.Equal(t, true, sess.Ready)
	}

	for _, id := range []string{a, b, notReady} {
		inits := f.outbox.ofType(id, websocket.TypeInit)
		assert.Equal(t, 1, len(inits))
		p := payloadOf[websocket.InitPayload](t, inits[0])
		assert.Equal(t, epoch, p.AuthorityEpoch)
		assert.Equal(t, int64(5), p.Version)
	}

	if _, err := f.svc.Reset("missing"); !errors.Is(err, ErrUnknownDocument) {
		t.Errorf("Reset() error = %v, want ErrUnknownDocument", err)
	}
}

func TestSyncService_DetachLastDiscardsState(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	b := f.readySession(t, "user2")
	ctx := context.Background()

	f.svc.Detach(ctx, a)
	if _, err := f.svc.Sessions("doc"); err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}

	f.svc.Detach(ctx, b)
	if _, err := f.svc.Sessions("doc"); !errors.Is(err, ErrUnknownDocument) {
		t.Errorf("Sessions() error = %v, want ErrUnknownDocument", err)
	}
	assert.Equal(t, false, f.store.IsOpen("doc"))

	if err := f.svc.Detach(ctx, b); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Detach() error = %v, want ErrUnknownSession", err)
	}
}

func TestSyncService_UnknownSessionEdit(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})

	res, err := f.svc.HandleEdit(context.Background(), "ghost", edit("t", 5, insert(0, "x")))
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("HandleEdit() error = %v, want ErrUnknownSession", err)
	}
	assert.Equal(t, true, res == nil)
	assert.Equal(t, 0, len(f.outbox.sent))
}

func TestSyncService_VersionsAreContiguous(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")
	b := f.readySession(t, "user2")
	ctx := context.Background()

	f.svc.HandleEdit(ctx, a, edit("1", 5, insert(0, "a")))
	f.store.Write(ctx, "doc", "external")
	f.svc.HandleEdit(ctx, a, edit("2", 7, insert(0, "b")))
	f.svc.Flush()

	var versions []int64
	for _, msg := range f.outbox.ofType(b, websocket.TypeDocChanged) {
		versions = append(versions, payloadOf[websocket.DocChangedPayload](t, msg).Version)
	}
	assert.Equal(t, []int64{6, 7, 8}, versions)
}

func TestSyncService_RunDeliversQueuedChanges(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	a := f.readySession(t, "user1")

	observed := make(chan int64, 1)
	f.svc.SetChangeObserver(func(documentID string, version int64, origin string) {
		observed <- version
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.svc.Run(ctx)

	f.svc.HandleEdit(ctx, a, edit("t", 5, insert(0, "x")))

	assert.Equal(t, int64(6), <-observed)
}

// flakySnapshotStore fails Snapshot while failing is set.
type flakySnapshotStore struct {
	*document.Store
	failing bool
}

func (f *flakySnapshotStore) Snapshot(id string) (document.Snapshot, error) {
	if f.failing {
		return document.Snapshot{}, errors.New("snapshot unavailable")
	}
	return f.Store.Snapshot(id)
}

func TestSyncService_SnapshotFailureNacksWithLastVersion(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	store := &flakySnapshotStore{Store: f.store}
	svc := NewSyncService(store, f.outbox, config.ChangeGuardConfig{})

	id, _ := svc.Attach(context.Background(), "doc", "user1")
	svc.MarkReady(id)
	store.failing = true

	res, err := svc.HandleEdit(context.Background(), id, edit("t", 5, insert(0, "x")))
	if err != nil {
		t.Fatalf("HandleEdit() error = %v", err)
	}

	assert.Equal(t, EditApplyFailed, res.Outcome)
	assert.Equal(t, int64(5), res.Version)

	nack := payloadOf[websocket.NackPayload](t, f.outbox.ofType(id, websocket.TypeNack)[0])
	assert.Equal(t, int64(5), nack.CurrentVersion)
	assert.Equal(t, websocket.NackApplyFailed, nack.Reason)

	sessions, _ := svc.Sessions("doc")
	assert.Equal(t, 0, sessions.PendingSelf)
}

func TestSyncService_FailedAttachReleasesDocument(t *testing.T) {
	f := newFixture(t, config.ChangeGuardConfig{})
	store := &flakySnapshotStore{Store: f.store, failing: true}
	svc := NewSyncService(store, f.outbox, config.ChangeGuardConfig{})

	_, err := svc.Attach(context.Background(), "doc", "user1")
	assert.NotEqual(t, nil, err)
	assert.Equal(t, false, f.store.IsOpen("doc"))

	_, err = svc.Sessions("doc")
	assert.Equal(t, true, errors.Is(err, ErrUnknownDocument))
}
