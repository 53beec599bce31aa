// Package repotest provides an in-memory repository.Store for tests of
// packages that sit above the persistence layer.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/repository"
)

// Compile-time interface verification.
var _ repository.Store = (*Store)(nil)

type data struct {
	books       map[uuid.UUID]*domain.Book
	outlines    map[uuid.UUID]*domain.Outline
	chapters    map[uuid.UUID]map[int]*domain.Chapter
	finalStates map[uuid.UUID]*domain.FinalState
	logs        []*domain.GenerationLog
	outbox      []*domain.OutboxEvent
	nextEventID int64
}

func newData() *data {
	return &data{
		books:       map[uuid.UUID]*domain.Book{},
		outlines:    map[uuid.UUID]*domain.Outline{},
		chapters:    map[uuid.UUID]map[int]*domain.Chapter{},
		finalStates: map[uuid.UUID]*domain.FinalState{},
	}
}

func (d *data) clone() *data {
	c := newData()
	for id, b := range d.books {
		c.books[id] = copyBook(b)
	}
	for id, o := range d.outlines {
		c.outlines[id] = copyOutline(o)
	}
	for id, chs := range d.chapters {
		c.chapters[id] = make(map[int]*domain.Chapter, len(chs))
		for n, ch := range chs {
			c.chapters[id][n] = copyChapter(ch)
		}
	}
	for id, fs := range d.finalStates {
		c.finalStates[id] = copyFinalState(fs)
	}
	c.logs = append(c.logs, d.logs...)
	for _, ev := range d.outbox {
		cp := *ev
		c.outbox = append(c.outbox, &cp)
	}
	c.nextEventID = d.nextEventID
	return c
}

// Store is an in-memory repository.Store. Transactions run one at a time on
// a copy of the data that replaces the original on commit, so a failing
// transaction leaves no trace.
type Store struct {
	mu   *sync.Mutex
	txMu *sync.Mutex
	data *data
	inTx bool

	// FailOn, when set, is consulted before every write. A non-nil return
	// aborts the write with that error.
	FailOn func(op string) error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{mu: &sync.Mutex{}, txMu: &sync.Mutex{}, data: newData()}
}

func (s *Store) Books() repository.BookRepository             { return &bookRepo{s} }
func (s *Store) Outlines() repository.OutlineRepository       { return &outlineRepo{s} }
func (s *Store) Chapters() repository.ChapterRepository       { return &chapterRepo{s} }
func (s *Store) FinalStates() repository.FinalStateRepository { return &finalStateRepo{s} }
func (s *Store) Logs() repository.GenerationLogRepository     { return &logRepo{s} }
func (s *Store) Outbox() repository.OutboxRepository          { return &outboxRepo{s} }

// WithTx runs fn against a private copy of the data and publishes the copy
// when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if !s.inTx {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	tx := &Store{mu: &sync.Mutex{}, txMu: s.txMu, data: snapshot, inTx: true, FailOn: s.FailOn}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = snapshot
	s.mu.Unlock()
	return nil
}

// writeLock serializes a write made outside a transaction with running
// transactions, whose commit would otherwise discard it.
func (s *Store) writeLock() func() {
	if s.inTx {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

func (s *Store) fail(op string) error {
	if s.FailOn == nil {
		return nil
	}
	return s.FailOn(op)
}

// Events returns a copy of every outbox event in insertion order.
func (s *Store) Events() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(s.data.outbox))
	for _, ev := range s.data.outbox {
		out = append(out, *ev)
	}
	return out
}

// EventTypes returns the type of every outbox event in insertion order.
func (s *Store) EventTypes() []string {
	events := s.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

// OutlineCount returns the number of outline records of a book.
func (s *Store) OutlineCount(bookID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.outlines[bookID]; ok {
		return 1
	}
	return 0
}

type bookRepo struct{ s *Store }

func (r *bookRepo) Create(_ context.Context, book *domain.Book) error {
	defer r.s.writeLock()()
	if err := r.s.fail("books.create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if book.ID == uuid.Nil {
		book.ID = uuid.New()
	}
	if _, ok := r.s.data.books[book.ID]; ok {
		return domain.NewAlreadyExistsError("book", book.ID.String())
	}
	if book.State == "" {
		book.State = domain.BookStateCreated
	}
	now := time.Now().UTC()
	book.CreatedAt, book.UpdatedAt = now, now
	r.s.data.books[book.ID] = copyBook(book)
	return nil
}

func (r *bookRepo) Get(_ context.Context, id uuid.UUID) (*domain.Book, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.data.books[id]
	if !ok {
		return nil, domain.NewNotFoundError("book", id.String())
	}
	return copyBook(b), nil
}

func (r *bookRepo) List(_ context.Context, filter repository.BookFilter) ([]*domain.Book, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var all []*domain.Book
	for _, b := range r.s.data.books {
		if len(filter.States) > 0 && !containsState(filter.States, b.State) {
			continue
		}
		all = append(all, copyBook(b))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	if filter.Offset >= len(all) {
		return nil, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[filter.Offset:end], total, nil
}

func (r *bookRepo) CompareAndSetState(_ context.Context, id uuid.UUID, from, to domain.Position) error {
	defer r.s.writeLock()()
	if err := r.s.fail("books.cas"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.data.books[id]
	if !ok || b.Position() != from {
		return domain.NewInvalidTransitionError("book", from.String(), "move to "+to.String(),
			"book is no longer at the expected position")
	}
	b.State, b.CurrentChapter = to.State, to.Chapter
	b.UpdatedAt = time.Now().UTC()
	return nil
}

type outlineRepo struct{ s *Store }

func (r *outlineRepo) Create(_ context.Context, outline *domain.Outline) error {
	defer r.s.writeLock()()
	if err := r.s.fail("outlines.create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.books[outline.BookID]; !ok {
		return domain.NewNotFoundError("book", outline.BookID.String())
	}
	if _, ok := r.s.data.outlines[outline.BookID]; ok {
		return domain.NewAlreadyExistsError("outline", outline.BookID.String())
	}
	if outline.ID == uuid.Nil {
		outline.ID = uuid.New()
	}
	if outline.Status == "" {
		outline.Status = domain.OutlineStatusPending
	}
	now := time.Now().UTC()
	outline.CreatedAt, outline.UpdatedAt = now, now
	r.s.data.outlines[outline.BookID] = copyOutline(outline)
	return nil
}

func (r *outlineRepo) GetByBook(_ context.Context, bookID uuid.UUID) (*domain.Outline, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.data.outlines[bookID]
	if !ok {
		return nil, domain.NewNotFoundError("outline", bookID.String())
	}
	return copyOutline(o), nil
}

func (r *outlineRepo) Update(_ context.Context, bookID uuid.UUID, fn func(*domain.Outline) error) (*domain.Outline, error) {
	defer r.s.writeLock()()
	if err := r.s.fail("outlines.update"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.data.outlines[bookID]
	if !ok {
		return nil, domain.NewNotFoundError("outline", bookID.String())
	}
	work := copyOutline(o)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()
	r.s.data.outlines[bookID] = copyOutline(work)
	return work, nil
}

type chapterRepo struct{ s *Store }

func (r *chapterRepo) Create(_ context.Context, chapter *domain.Chapter) error {
	defer r.s.writeLock()()
	if err := r.s.fail("chapters.create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.books[chapter.BookID]; !ok {
		return domain.NewNotFoundError("book", chapter.BookID.String())
	}
	chs := r.s.data.chapters[chapter.BookID]
	if chs == nil {
		chs = map[int]*domain.Chapter{}
		r.s.data.chapters[chapter.BookID] = chs
	}
	if _, ok := chs[chapter.Number]; ok {
		return domain.NewAlreadyExistsError("chapter", fmt.Sprintf("%s/%d", chapter.BookID, chapter.Number))
	}
	if chapter.ID == uuid.Nil {
		chapter.ID = uuid.New()
	}
	if chapter.Status == "" {
		chapter.Status = domain.ChapterStatusPending
	}
	now := time.Now().UTC()
	chapter.CreatedAt, chapter.UpdatedAt = now, now
	chs[chapter.Number] = copyChapter(chapter)
	return nil
}

func (r *chapterRepo) Get(_ context.Context, bookID uuid.UUID, number int) (*domain.Chapter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ch, ok := r.s.data.chapters[bookID][number]
	if !ok {
		return nil, domain.NewNotFoundError("chapter", fmt.Sprintf("%s/%d", bookID, number))
	}
	return copyChapter(ch), nil
}

func (r *chapterRepo) ListByBook(_ context.Context, bookID uuid.UUID) ([]*domain.Chapter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Chapter
	for _, ch := range r.s.data.chapters[bookID] {
		out = append(out, copyChapter(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (r *chapterRepo) Update(_ context.Context, bookID uuid.UUID, number int, fn func(*domain.Chapter) error) (*domain.Chapter, error) {
	defer r.s.writeLock()()
	if err := r.s.fail("chapters.update"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ch, ok := r.s.data.chapters[bookID][number]
	if !ok {
		return nil, domain.NewNotFoundError("chapter", fmt.Sprintf("%s/%d", bookID, number))
	}
	work := copyChapter(ch)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()
	r.s.data.chapters[bookID][number] = copyChapter(work)
	return work, nil
}

type finalStateRepo struct{ s *Store }

func (r *finalStateRepo) GetOrCreate(_ context.Context, bookID uuid.UUID) (*domain.FinalState, error) {
	defer r.s.writeLock()()
	if err := r.s.fail("final_states.create"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.books[bookID]; !ok {
		return nil, domain.NewNotFoundError("book", bookID.String())
	}
	fs, ok := r.s.data.finalStates[bookID]
	if !ok {
		now := time.Now().UTC()
		fs = &domain.FinalState{ID: uuid.New(), BookID: bookID, Status: domain.FinalStatusPending, CreatedAt: now, UpdatedAt: now}
		r.s.data.finalStates[bookID] = fs
	}
	return copyFinalState(fs), nil
}

func (r *finalStateRepo) GetByBook(_ context.Context, bookID uuid.UUID) (*domain.FinalState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	fs, ok := r.s.data.finalStates[bookID]
	if !ok {
		return nil, domain.NewNotFoundError("final_state", bookID.String())
	}
	return copyFinalState(fs), nil
}

func (r *finalStateRepo) Update(_ context.Context, bookID uuid.UUID, fn func(*domain.FinalState) error) (*domain.FinalState, error) {
	defer r.s.writeLock()()
	if err := r.s.fail("final_states.update"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	fs, ok := r.s.data.finalStates[bookID]
	if !ok {
		return nil, domain.NewNotFoundError("final_state", bookID.String())
	}
	work := copyFinalState(fs)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()
	r.s.data.finalStates[bookID] = copyFinalState(work)
	return work, nil
}

type logRepo struct{ s *Store }

func (r *logRepo) Append(_ context.Context, entry *domain.GenerationLog) error {
	defer r.s.writeLock()()
	if err := r.s.fail("logs.append"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	r.s.data.logs = append(r.s.data.logs, &cp)
	return nil
}

func (r *logRepo) ListByBook(_ context.Context, bookID uuid.UUID, limit int) ([]*domain.GenerationLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.GenerationLog
	for i := len(r.s.data.logs) - 1; i >= 0; i-- {
		if r.s.data.logs[i].BookID != bookID {
			continue
		}
		cp := *r.s.data.logs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type outboxRepo struct{ s *Store }

func (r *outboxRepo) Insert(_ context.Context, event *domain.OutboxEvent) error {
	defer r.s.writeLock()()
	if err := r.s.fail("outbox.insert"); err != nil {
		return err
	}
	if event == nil || event.EventID == "" || event.EventType == "" {
		return domain.NewValidationError("event", "event_id and event_type are required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.data.nextEventID++
	event.ID = r.s.data.nextEventID
	if event.Status == "" {
		event.Status = domain.OutboxStatusPending
	}
	cp := *event
	r.s.data.outbox = append(r.s.data.outbox, &cp)
	return nil
}

func (r *outboxRepo) FetchPending(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	defer r.s.writeLock()()
	if err := r.s.fail("outbox.fetch"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.OutboxEvent
	for _, ev := range r.s.data.outbox {
		if ev.Status != domain.OutboxStatusPending {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *outboxRepo) MarkPublished(_ context.Context, id int64) error {
	return r.mark(id, func(ev *domain.OutboxEvent) {
		ev.Attempts++
		ev.Status = domain.OutboxStatusPublished
		ev.LastError = ""
		now := time.Now().UTC()
		ev.PublishedAt = &now
	})
}

func (r *outboxRepo) MarkFailed(_ context.Context, id int64, cause string, maxAttempts int) error {
	return r.mark(id, func(ev *domain.OutboxEvent) {
		ev.Attempts++
		ev.LastError = cause
		if ev.Attempts >= maxAttempts {
			ev.Status = domain.OutboxStatusFailed
		}
	})
}

func (r *outboxRepo) mark(id int64, fn func(*domain.OutboxEvent)) error {
	defer r.s.writeLock()()
	if err := r.s.fail("outbox.mark"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ev := range r.s.data.outbox {
		if ev.ID == id {
			fn(ev)
			return nil
		}
	}
	return domain.NewNotFoundError("outbox_event", fmt.Sprint(id))
}

// ErrInjected is a convenience error for FailOn hooks.
var ErrInjected = errors.New("injected failure")

// FailWhen returns a FailOn hook that fails the named operation with err.
func FailWhen(op string, err error) func(string) error {
	return func(got string) error {
		if got == op {
			return err
		}
		return nil
	}
}

func containsState(states []domain.BookState, s domain.BookState) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

func copyBook(b *domain.Book) *domain.Book {
	cp := *b
	return &cp
}

func copyOutline(o *domain.Outline) *domain.Outline {
	cp := *o
	cp.ChapterTitles = append([]string(nil), o.ChapterTitles...)
	cp.Rating = copyInt(o.Rating)
	return &cp
}

func copyChapter(c *domain.Chapter) *domain.Chapter {
	cp := *c
	cp.Rating = copyInt(c.Rating)
	return &cp
}

func copyFinalState(f *domain.FinalState) *domain.FinalState {
	cp := *f
	cp.Rating = copyInt(f.Rating)
	cp.Artifacts = append([]domain.Artifact(nil), f.Artifacts...)
	return &cp
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
