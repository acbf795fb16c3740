// The queue store owns all batch/item state and every status derivation.
// It performs no I/O; the dispatcher, channel manager and persistence
// adapter all read snapshots and mutate through the operations below.

package queue

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrsandeep/shipyard-go/internal/models"
)

// Subscriber receives a snapshot of the queue after every mutation.
type Subscriber func(models.QueueState)

// Store is the single shared mutable structure of the engine. All mutations
// flow through its operations, which serialize on one mutex and rederive
// batch status in full on every change.
type Store struct {
	mu        sync.Mutex
	batches   []*models.Batch
	items     map[models.CorrelationKey]*models.Item
	visible   bool
	minimized bool

	subs    map[int]Subscriber
	nextSub int

	// Deliveries run outside mu; notifyMu plus the sequence numbers keep
	// them in capture order so a subscriber never gets an older snapshot
	// after a newer one.
	notifyMu sync.Mutex
	seq      uint64 // guarded by mu
	lastSent uint64 // guarded by notifyMu

	now func() time.Time // swappable in tests
}

func NewStore() *Store {
	return &Store{
		items:   make(map[models.CorrelationKey]*models.Item),
		subs:    make(map[int]Subscriber),
		visible: true,
		now:     time.Now,
	}
}

// Subscribe registers fn to be called with a snapshot after every mutation.
// The returned function unsubscribes it.
func (s *Store) Subscribe(fn Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// AddBatch constructs a batch of pending items and returns its identifiers.
// An empty file list creates nothing. It never performs I/O; submission is
// the dispatcher's job.
func (s *Store) AddBatch(files []models.FileRef, name string) (string, []models.CorrelationKey) {
	if len(files) == 0 {
		return "", nil
	}
	batchID := uuid.NewString()
	itemIDs := make([]models.CorrelationKey, len(files))
	for i := range files {
		itemIDs[i] = models.CorrelationKey(uuid.NewString())
	}
	if name == "" {
		name = "Upload " + s.now().Format("2006-01-02 15:04:05")
	}
	s.dispatch(addBatch{BatchID: batchID, Name: name, Files: files, ItemIDs: itemIDs})
	return batchID, itemIDs
}

// UpdateItemStatus moves an item through its lifecycle. Illegal transitions
// (any edge out of a terminal state other than error -> pending) are dropped.
// Repeating a terminal status is harmless because counts are rederived, not
// incremented.
func (s *Store) UpdateItemStatus(id models.CorrelationKey, status models.ItemStatus, errMsg string, result *models.UploadResult) {
	s.dispatch(updateItemStatus{ItemID: id, Status: status, Error: errMsg, Result: result})
}

// UpdateItemProgress records progress for an item still in flight.
func (s *Store) UpdateItemProgress(id models.CorrelationKey, progress int, stage, message string) {
	s.dispatch(updateItemProgress{ItemID: id, Progress: progress, Stage: stage, Message: message})
}

// BindSession records the channel session attached to an item.
func (s *Store) BindSession(id models.CorrelationKey, sessionID string) {
	s.dispatch(bindSession{ItemID: id, SessionID: sessionID})
}

// RemoveBatch drops a batch and all of its items.
func (s *Store) RemoveBatch(batchID string) {
	s.dispatch(removeBatch{BatchID: batchID})
}

// ClearCompleted retains only batches that are still active. Irreversible.
func (s *Store) ClearCompleted() {
	s.dispatch(clearCompleted{})
}

// SetVisibility updates the queue's visibility flags.
func (s *Store) SetVisibility(visible, minimized bool) {
	s.dispatch(setVisibility{Visible: visible, Minimized: minimized})
}

// Reset discards all queue state.
func (s *Store) Reset() {
	s.dispatch(reset{})
}

// Load replaces the store's contents with a restored snapshot. Used once at
// startup, before the dispatcher or channel manager are running.
func (s *Store) Load(state models.QueueState) {
	s.mu.Lock()
	s.batches = nil
	s.items = make(map[models.CorrelationKey]*models.Item)
	for _, b := range state.Batches {
		batch := cloneBatch(b)
		s.batches = append(s.batches, batch)
		for _, it := range batch.Items {
			s.items[it.ID] = it
		}
		rederive(batch)
	}
	s.visible = state.Visible
	s.minimized = state.Minimized
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a deep copy of the current queue state.
func (s *Store) Snapshot() models.QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Item returns a copy of a single item, if present.
func (s *Store) Item(id models.CorrelationKey) (models.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return models.Item{}, false
	}
	return *cloneItem(it), true
}

func (s *Store) dispatch(a Action) {
	s.mu.Lock()
	s.apply(a)
	s.mu.Unlock()
	s.notify()
}

// apply is the single transition function. Every Action variant must be
// handled here; an unhandled variant panics.
func (s *Store) apply(a Action) {
	switch a := a.(type) {
	case addBatch:
		batch := &models.Batch{
			ID:         a.BatchID,
			Name:       a.Name,
			Status:     models.BatchActive,
			CreatedAt:  s.now(),
			TotalFiles: len(a.Files),
		}
		for i, f := range a.Files {
			item := &models.Item{
				ID:        a.ItemIDs[i],
				File:      f,
				Status:    models.StatusPending,
				BatchID:   a.BatchID,
				StartTime: s.now(),
			}
			batch.Items = append(batch.Items, item)
			s.items[item.ID] = item
		}
		s.batches = append(s.batches, batch)
		rederive(batch)

	case updateItemStatus:
		item, ok := s.items[a.ItemID]
		if !ok {
			return
		}
		if !allowTransition(item.Status, a.Status) {
			log.Printf("queue: dropping illegal transition %s -> %s for item %s", item.Status, a.Status, a.ItemID)
			return
		}
		item.Status = a.Status
		item.Error = a.Error
		if a.Result != nil {
			item.Result = a.Result
		}
		switch a.Status {
		case models.StatusPending:
			// Retry path: wipe the previous attempt's outcome.
			item.Progress = 0
			item.Stage = ""
			item.Message = ""
			item.Result = nil
			item.CompletedTime = nil
			item.StartTime = s.now()
		case models.StatusCompleted, models.StatusDuplicate:
			item.Progress = 100
			fallthrough
		case models.StatusError:
			if item.CompletedTime == nil {
				t := s.now()
				item.CompletedTime = &t
			}
		}
		s.rederiveBatch(item.BatchID)

	case updateItemProgress:
		item, ok := s.items[a.ItemID]
		if !ok || item.Status.Terminal() {
			return
		}
		item.Progress = clampProgress(a.Progress)
		if a.Stage != "" {
			item.Stage = a.Stage
		}
		if a.Message != "" {
			item.Message = a.Message
		}
		// First pipeline event promotes the item out of uploading.
		if item.Status == models.StatusUploading {
			item.Status = models.StatusProcessing
		}
		s.rederiveBatch(item.BatchID)

	case bindSession:
		if item, ok := s.items[a.ItemID]; ok {
			item.SessionID = a.SessionID
		}

	case removeBatch:
		kept := s.batches[:0]
		for _, b := range s.batches {
			if b.ID == a.BatchID {
				for _, it := range b.Items {
					delete(s.items, it.ID)
				}
				continue
			}
			kept = append(kept, b)
		}
		s.batches = kept

	case clearCompleted:
		kept := s.batches[:0]
		for _, b := range s.batches {
			if b.Status != models.BatchActive {
				for _, it := range b.Items {
					delete(s.items, it.ID)
				}
				continue
			}
			kept = append(kept, b)
		}
		s.batches = kept

	case setVisibility:
		s.visible = a.Visible
		s.minimized = a.Minimized

	case reset:
		s.batches = nil
		s.items = make(map[models.CorrelationKey]*models.Item)

	default:
		panic("queue: unhandled action")
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	snap := s.snapshotLocked()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if seq < s.lastSent {
		// A newer snapshot has already gone out.
		return
	}
	s.lastSent = seq
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) snapshotLocked() models.QueueState {
	state := models.QueueState{
		Visible:   s.visible,
		Minimized: s.minimized,
	}
	var sum, count int
	for _, b := range s.batches {
		state.Batches = append(state.Batches, cloneBatch(b))
		for _, it := range b.Items {
			sum += effectiveProgress(it)
			count++
			if it.Status == models.StatusUploading || it.Status == models.StatusProcessing {
				state.ActiveUploads++
			}
		}
	}
	if count > 0 {
		state.TotalProgress = sum / count
	}
	return state
}

func (s *Store) rederiveBatch(batchID string) {
	for _, b := range s.batches {
		if b.ID == batchID {
			rederive(b)
			return
		}
	}
}

// rederive recomputes a batch's status and counts purely from its items.
func rederive(b *models.Batch) {
	b.TotalFiles = len(b.Items)
	b.CompletedFiles = 0
	b.ErrorFiles = 0
	var unfinished, completed, duplicates, errored int
	for _, it := range b.Items {
		switch it.Status {
		case models.StatusCompleted:
			completed++
		case models.StatusDuplicate:
			duplicates++
		case models.StatusError:
			errored++
		default:
			unfinished++
		}
	}
	b.CompletedFiles = completed + duplicates
	b.ErrorFiles = errored
	switch {
	case len(b.Items) == 0:
		// Nothing outstanding; restored or hand-built empty batches count
		// as finished.
		b.Status = models.BatchCompleted
	case unfinished > 0:
		b.Status = models.BatchActive
	case errored > 0:
		b.Status = models.BatchError
	case duplicates == len(b.Items):
		b.Status = models.BatchDuplicate
	case completed == len(b.Items):
		b.Status = models.BatchCompleted
	default:
		b.Status = models.BatchPartial
	}
}

// allowTransition encodes the item state machine: pending -> uploading ->
// processing -> terminal, with error -> pending as the only backward edge.
func allowTransition(from, to models.ItemStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return from == models.StatusError && to == models.StatusPending
	}
	if to.Terminal() {
		return true
	}
	rank := map[models.ItemStatus]int{
		models.StatusPending:    0,
		models.StatusUploading:  1,
		models.StatusProcessing: 2,
	}
	return rank[to] > rank[from]
}

// effectiveProgress is the item's contribution to aggregate progress:
// finished items count as 100, errors as 0, the rest report as-is.
func effectiveProgress(it *models.Item) int {
	switch it.Status {
	case models.StatusCompleted, models.StatusDuplicate:
		return 100
	case models.StatusError:
		return 0
	default:
		return clampProgress(it.Progress)
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func cloneBatch(b *models.Batch) *models.Batch {
	nb := *b
	nb.Items = make([]*models.Item, len(b.Items))
	for i, it := range b.Items {
		nb.Items[i] = cloneItem(it)
	}
	return &nb
}

func cloneItem(it *models.Item) *models.Item {
	ni := *it
	if it.Result != nil {
		r := *it.Result
		ni.Result = &r
	}
	if it.CompletedTime != nil {
		t := *it.CompletedTime
		ni.CompletedTime = &t
	}
	return &ni
}
