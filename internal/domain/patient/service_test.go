package patient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rakhmight/radonco/internal/platform/ws"
)

// -- In-memory store implementing all three repositories --

type memStore struct {
	mu         sync.Mutex
	nextID     int64
	nextChange int64
	patients   map[int64]*Patient
	changes    []*ChangeEvent
	views      map[string]int64

	recordErr error
}

func newMemStore() *memStore {
	return &memStore{
		patients: make(map[int64]*Patient),
		views:    make(map[string]int64),
	}
}

func viewKey(patientID int64, viewerID uuid.UUID) string {
	return fmt.Sprintf("%d/%s", patientID, viewerID)
}

func (m *memStore) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetByPublicID(_ context.Context, publicID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.PublicID == publicID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Update(_ context.Context, id int64, u Update) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.ApplyTo(p)
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (m *memStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return ErrNotFound
	}
	delete(m.patients, id)
	kept := m.changes[:0]
	for _, ev := range m.changes {
		if ev.PatientID != id {
			kept = append(kept, ev)
		}
	}
	m.changes = kept
	for key := range m.views {
		var pid int64
		fmt.Sscanf(key, "%d/", &pid)
		if pid == id {
			delete(m.views, key)
		}
	}
	return nil
}

func (m *memStore) ListForViewer(_ context.Context, viewerID uuid.UUID) ([]*Overview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Overview
	for _, p := range m.patients {
		ov := &Overview{Patient: *p}
		for _, ev := range m.changes {
			if ev.PatientID != p.ID {
				continue
			}
			if ov.LatestChangeID == nil || ev.ID > *ov.LatestChangeID {
				id, at := ev.ID, ev.CreatedAt
				ov.LatestChangeID = &id
				ov.LatestChangeAt = &at
			}
		}
		ov.Watermark = m.views[viewKey(p.ID, viewerID)]
		ov.HasUnread = ov.LatestChangeID != nil && *ov.LatestChangeID > ov.Watermark
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) NextPublicID(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := big.NewInt(999)
	for _, p := range m.patients {
		if !digitsOnly(p.PublicID) {
			continue
		}
		n, _ := new(big.Int).SetString(p.PublicID, 10)
		if n.Cmp(max) > 0 {
			max = n
		}
	}
	return new(big.Int).Add(max, big.NewInt(1)).String(), nil
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (m *memStore) Record(_ context.Context, patientID int64, actorID *uuid.UUID, source string, description *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return 0, m.recordErr
	}
	m.nextChange++
	m.changes = append(m.changes, &ChangeEvent{
		ID:          m.nextChange,
		PatientID:   patientID,
		ActorID:     actorID,
		Source:      source,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return m.nextChange, nil
}

func (m *memStore) ListByPatient(_ context.Context, patientID int64, limit, offset int) ([]*ChangeEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*ChangeEvent
	for _, ev := range m.changes {
		if ev.PatientID == patientID {
			all = append(all, ev)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) LatestOrdinal(_ context.Context, patientID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest int64
	for _, ev := range m.changes {
		if ev.PatientID == patientID && ev.ID > latest {
			latest = ev.ID
		}
	}
	return latest, nil
}

func (m *memStore) MarkSeen(_ context.Context, patientID int64, viewerID uuid.UUID, changeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[viewKey(patientID, viewerID)] = changeID
	return nil
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *captureNotifier) Go(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type captureEvents struct {
	mu     sync.Mutex
	events []ws.Event
}

func (e *captureEvents) Broadcast(ev ws.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func newTestService() (*Service, *memStore, *captureNotifier, *captureEvents) {
	store := newMemStore()
	notifier := &captureNotifier{}
	events := &captureEvents{}
	svc := NewService(store, store, store, notifier, events, zerolog.Nop())
	return svc, store, notifier, events
}

func actor() Actor {
	id := uuid.New()
	return Actor{ID: &id, Name: "Dr. Test"}
}

// -- Tests --

func TestCreateAssignsSequentialPublicID(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	p := &Patient{FullName: "First Patient"}
	if err := svc.Create(ctx, p, actor()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.PublicID != "1000" {
		t.Errorf("first public id = %q, want 1000", p.PublicID)
	}

	// Non-numeric and low numeric identifiers are ignored by the allocator.
	for _, seed := range []string{"7", "abc"} {
		if err := svc.Create(ctx, &Patient{FullName: "Seed", PublicID: seed}, actor()); err != nil {
			t.Fatalf("seed %q: %v", seed, err)
		}
	}
	next := &Patient{FullName: "Next Patient"}
	if err := svc.Create(ctx, next, actor()); err != nil {
		t.Fatalf("create next: %v", err)
	}
	if next.PublicID != "1001" {
		t.Errorf("next public id = %q, want 1001", next.PublicID)
	}
}

func TestAllocatorHandlesOversizedLegacyIdentifier(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	// 20 digits, beyond the int64 range.
	legacy := "99999999999999999999"
	if err := svc.Create(ctx, &Patient{FullName: "Legacy Import", PublicID: legacy}, actor()); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}
	next := &Patient{FullName: "After Legacy"}
	if err := svc.Create(ctx, next, actor()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if next.PublicID != "100000000000000000000" {
		t.Errorf("next public id = %q, want 100000000000000000000", next.PublicID)
	}
}

func TestCreateRequiresName(t *testing.T) {
	svc, store, _, _ := newTestService()
	err := svc.Create(context.Background(), &Patient{FullName: "   "}, actor())
	if !errors.Is(err, ErrNameRequired) {
		t.Fatalf("err = %v, want ErrNameRequired", err)
	}
	if len(store.patients) != 0 {
		t.Error("patient stored despite validation failure")
	}
}

func TestCreateUnreadForOthersNotCreator(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	creator := actor()

	p := &Patient{FullName: "Ivanov I."}
	if err := svc.Create(ctx, p, creator); err != nil {
		t.Fatalf("create: %v", err)
	}

	forCreator, err := svc.ListForViewer(ctx, *creator.ID)
	if err != nil {
		t.Fatalf("list for creator: %v", err)
	}
	if len(forCreator) != 1 || forCreator[0].HasUnread {
		t.Errorf("creator sees unread on own creation: %+v", forCreator)
	}

	other := uuid.New()
	forOther, err := svc.ListForViewer(ctx, other)
	if err != nil {
		t.Fatalf("list for other: %v", err)
	}
	if len(forOther) != 1 || !forOther[0].HasUnread {
		t.Errorf("other viewer should see unread: %+v", forOther)
	}
}

func TestMarkSeenClearsUnreadUntilNextEdit(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	editor := actor()
	viewer := uuid.New()

	p := &Patient{FullName: "Petrova A."}
	if err := svc.Create(ctx, p, editor); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.MarkSeen(ctx, p.ID, viewer, nil); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	list, _ := svc.ListForViewer(ctx, viewer)
	if list[0].HasUnread {
		t.Error("unread after mark seen")
	}

	diag := "C61"
	if _, err := svc.Update(ctx, p.ID, Update{Diagnosis: &diag}, editor); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, _ = svc.ListForViewer(ctx, viewer)
	if !list[0].HasUnread {
		t.Error("no unread after a fresh edit")
	}

	// The editor acknowledged their own change in passing.
	forEditor, _ := svc.ListForViewer(ctx, *editor.ID)
	if forEditor[0].HasUnread {
		t.Error("editor sees own edit as unread")
	}
}

func TestViewAdvancesWatermark(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	viewer := uuid.New()

	p := &Patient{FullName: "Sidorov K."}
	if err := svc.Create(ctx, p, actor()); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.View(ctx, p.ID, viewer); err != nil {
		t.Fatalf("view: %v", err)
	}
	list, _ := svc.ListForViewer(ctx, viewer)
	if list[0].HasUnread {
		t.Error("unread survived opening the card")
	}
}

func TestMarkSeenOverwritesWatermark(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()
	viewer := uuid.New()
	ed := actor()

	p := &Patient{FullName: "Watermark Case"}
	if err := svc.Create(ctx, p, ed); err != nil {
		t.Fatalf("create: %v", err)
	}
	diag := "C34"
	if _, err := svc.Update(ctx, p.ID, Update{Diagnosis: &diag}, ed); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := svc.MarkSeen(ctx, p.ID, viewer, nil); err != nil {
		t.Fatalf("mark seen latest: %v", err)
	}
	older := int64(1)
	if err := svc.MarkSeen(ctx, p.ID, viewer, &older); err != nil {
		t.Fatalf("mark seen older: %v", err)
	}
	// Overwrite semantics: the explicit older value stands.
	if got := store.views[viewKey(p.ID, viewer)]; got != older {
		t.Errorf("watermark = %d, want %d", got, older)
	}
	list, _ := svc.ListForViewer(ctx, viewer)
	if !list[0].HasUnread {
		t.Error("regressed watermark should expose unread again")
	}
}

func TestConcurrentMarkSeenLastWriteWins(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()
	viewer := uuid.New()

	p := &Patient{FullName: "Contended Card"}
	if err := svc.Create(ctx, p, actor()); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The store contract mirrors the single-statement upsert: racing
	// writers for one (patient, viewer) pair leave exactly one row holding
	// one of the written ordinals, never a duplicate-row error.
	const writers = 16
	var wg sync.WaitGroup
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(ordinal int64) {
			defer wg.Done()
			if err := svc.MarkSeen(ctx, p.ID, viewer, &ordinal); err != nil {
				t.Errorf("mark seen %d: %v", ordinal, err)
			}
		}(int64(i))
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.views) != 1 {
		t.Fatalf("watermark rows = %d, want exactly 1", len(store.views))
	}
	got := store.views[viewKey(p.ID, viewer)]
	if got < 1 || got > writers {
		t.Errorf("watermark = %d, want one of the written ordinals", got)
	}
}

func TestUpdateUnknownPatientLeavesLedgerAlone(t *testing.T) {
	svc, store, notifier, _ := newTestService()
	diag := "C50"
	_, err := svc.Update(context.Background(), 404, Update{Diagnosis: &diag}, actor())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(store.changes) != 0 {
		t.Error("ledger entry written for a missing patient")
	}
	if notifier.count() != 0 {
		t.Error("notification sent for a failed mutation")
	}
}

func TestUpdateEmptyPatch(t *testing.T) {
	svc, _, _, _ := newTestService()
	p := &Patient{FullName: "Empty Patch"}
	if err := svc.Create(context.Background(), p, actor()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Update(context.Background(), p.ID, Update{}, actor()); !errors.Is(err, ErrEmptyUpdate) {
		t.Fatalf("err = %v, want ErrEmptyUpdate", err)
	}
}

func TestUpdatePreservesUnsetFields(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	ed := actor()

	region := "Tashkent"
	diag := "C61"
	p := &Patient{FullName: "Partial Update", Region: &region, Diagnosis: &diag}
	if err := svc.Create(ctx, p, ed); err != nil {
		t.Fatalf("create: %v", err)
	}

	newDiag := "C61.9"
	got, err := svc.Update(ctx, p.ID, Update{Diagnosis: &newDiag}, ed)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Diagnosis == nil || *got.Diagnosis != newDiag {
		t.Errorf("diagnosis = %v, want %q", got.Diagnosis, newDiag)
	}
	if got.Region == nil || *got.Region != region {
		t.Errorf("region = %v, want untouched %q", got.Region, region)
	}
	if got.FullName != "Partial Update" {
		t.Errorf("full name changed: %q", got.FullName)
	}
}

func TestLedgerFailureKeepsMutation(t *testing.T) {
	svc, store, notifier, _ := newTestService()
	ctx := context.Background()
	ed := actor()

	p := &Patient{FullName: "Ledger Down"}
	if err := svc.Create(ctx, p, ed); err != nil {
		t.Fatalf("create: %v", err)
	}

	store.recordErr = errors.New("ledger unavailable")
	sent := notifier.count()

	diag := "C20"
	got, err := svc.Update(ctx, p.ID, Update{Diagnosis: &diag}, ed)
	if err != nil {
		t.Fatalf("update should survive ledger failure: %v", err)
	}
	if got.Diagnosis == nil || *got.Diagnosis != diag {
		t.Error("mutation lost with the ledger entry")
	}
	if notifier.count() != sent+1 {
		t.Error("fan-out skipped on ledger failure")
	}
}

func TestEditFieldParsesTypedValues(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	ed := actor()

	p := &Patient{FullName: "Bot Target"}
	if err := svc.Create(ctx, p, ed); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.EditField(ctx, p.PublicID, "method_gray", "54.5", ed)
	if err != nil {
		t.Fatalf("edit method_gray: %v", err)
	}
	if got.MethodGray == nil || *got.MethodGray != 54.5 {
		t.Errorf("method_gray = %v, want 54.5", got.MethodGray)
	}

	got, err = svc.EditField(ctx, p.PublicID, "birth_date", "1961-04-12", ed)
	if err != nil {
		t.Fatalf("edit birth_date: %v", err)
	}
	if got.BirthDate == nil || got.BirthDate.Format("2006-01-02") != "1961-04-12" {
		t.Errorf("birth_date = %v", got.BirthDate)
	}

	if _, err := svc.EditField(ctx, p.PublicID, "method_gray", "a lot", ed); err == nil {
		t.Error("non-numeric dose accepted")
	}
	if _, err := svc.EditField(ctx, p.PublicID, "shoe_size", "42", ed); !errors.Is(err, ErrUnknownField) {
		t.Errorf("err = %v, want ErrUnknownField", err)
	}
	if _, err := svc.EditField(ctx, "0000", "diagnosis", "C61", ed); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEditFieldRecordsBotSource(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()
	ed := actor()

	p := &Patient{FullName: "Source Check"}
	if err := svc.Create(ctx, p, ed); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.EditField(ctx, p.PublicID, "diary", "feeling fine", ed); err != nil {
		t.Fatalf("edit: %v", err)
	}

	last := store.changes[len(store.changes)-1]
	if last.Source != SourceBotEdit {
		t.Errorf("source = %q, want %q", last.Source, SourceBotEdit)
	}
	if last.Description == nil || *last.Description != "diary" {
		t.Errorf("description = %v, want field name", last.Description)
	}
}

func TestDeleteCascadesAndNotifies(t *testing.T) {
	svc, store, notifier, _ := newTestService()
	ctx := context.Background()
	ed := actor()

	p := &Patient{FullName: "To Remove"}
	if err := svc.Create(ctx, p, ed); err != nil {
		t.Fatalf("create: %v", err)
	}
	keep := &Patient{FullName: "To Keep"}
	if err := svc.Create(ctx, keep, ed); err != nil {
		t.Fatalf("create keep: %v", err)
	}
	sent := notifier.count()

	if err := svc.Delete(ctx, p.ID, ed); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Error("patient still readable after delete")
	}
	for _, ev := range store.changes {
		if ev.PatientID == p.ID {
			t.Error("ledger entries survived the cascade")
		}
	}
	if latest, _ := store.LatestOrdinal(ctx, keep.ID); latest == 0 {
		t.Error("unrelated patient's ledger lost")
	}
	if notifier.count() != sent+1 {
		t.Error("delete did not notify the roster")
	}
	if err := svc.Delete(ctx, p.ID, ed); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestChangesNewestFirst(t *testing.T) {
	svc, _, _, events := newTestService()
	ctx := context.Background()
	ed := actor()

	p := &Patient{FullName: "History"}
	if err := svc.Create(ctx, p, ed); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, diag := range []string{"C61", "C61.1", "C61.9"} {
		d := diag
		if _, err := svc.Update(ctx, p.ID, Update{Diagnosis: &d}, ed); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	got, total, err := svc.Changes(ctx, p.ID, 2, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
	if len(got) != 2 || got[0].ID < got[1].ID {
		t.Errorf("expected newest-first page of 2, got %+v", got)
	}
	if _, _, err := svc.Changes(ctx, 404, 10, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.events) != 4 {
		t.Errorf("broadcast %d events, want 4", len(events.events))
	}
}
