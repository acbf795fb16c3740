package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/shipyard-go/internal/models"
)

func twoFiles() []models.FileRef {
	return []models.FileRef{
		{Name: "a.pdf", Size: 100, Data: []byte("aaa")},
		{Name: "b.pdf", Size: 200, Data: []byte("bbb")},
	}
}

func batchByID(t *testing.T, s *Store, id string) *models.Batch {
	t.Helper()
	for _, b := range s.Snapshot().Batches {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("batch %s not found in snapshot", id)
	return nil
}

func TestAddBatch(t *testing.T) {
	s := NewStore()
	batchID, itemIDs := s.AddBatch(twoFiles(), "tax documents")

	require.Len(t, itemIDs, 2)
	b := batchByID(t, s, batchID)
	assert.Equal(t, "tax documents", b.Name)
	assert.Equal(t, models.BatchActive, b.Status)
	assert.Equal(t, 2, b.TotalFiles)
	assert.Equal(t, 0, b.CompletedFiles)
	for i, it := range b.Items {
		assert.Equal(t, itemIDs[i], it.ID)
		assert.Equal(t, models.StatusPending, it.Status)
		assert.Equal(t, batchID, it.BatchID)
	}
}

func TestAddBatchGeneratesName(t *testing.T) {
	s := NewStore()
	batchID, _ := s.AddBatch(twoFiles(), "")
	b := batchByID(t, s, batchID)
	if b.Name == "" {
		t.Error("expected a generated batch name, got empty string")
	}
}

func TestAddBatchRejectsEmptyFileList(t *testing.T) {
	s := NewStore()
	batchID, ids := s.AddBatch(nil, "empty")
	assert.Empty(t, batchID)
	assert.Empty(t, ids)
	assert.Empty(t, s.Snapshot().Batches)
}

func TestBatchStatusDerivation(t *testing.T) {
	s := NewStore()
	batchID, ids := s.AddBatch(twoFiles(), "")

	// One item finishing leaves the batch active while the other is open.
	s.UpdateItemStatus(ids[0], models.StatusUploading, "", nil)
	s.UpdateItemStatus(ids[0], models.StatusCompleted, "", nil)
	assert.Equal(t, models.BatchActive, batchByID(t, s, batchID).Status)

	// An errored sibling outranks a completed one.
	s.UpdateItemStatus(ids[1], models.StatusError, "disk full", nil)
	b := batchByID(t, s, batchID)
	assert.Equal(t, models.BatchError, b.Status)
	assert.Equal(t, 1, b.CompletedFiles)
	assert.Equal(t, 1, b.ErrorFiles)
}

func TestBatchStatusAllDuplicates(t *testing.T) {
	s := NewStore()
	batchID, ids := s.AddBatch(twoFiles(), "")
	for _, id := range ids {
		s.UpdateItemStatus(id, models.StatusDuplicate, "", &models.UploadResult{Duplicate: true})
	}
	b := batchByID(t, s, batchID)
	assert.Equal(t, models.BatchDuplicate, b.Status)
	assert.Equal(t, 2, b.CompletedFiles)
	assert.Equal(t, 100, s.Snapshot().TotalProgress)
}

func TestBatchStatusPartial(t *testing.T) {
	s := NewStore()
	batchID, ids := s.AddBatch(twoFiles(), "")
	s.UpdateItemStatus(ids[0], models.StatusCompleted, "", nil)
	s.UpdateItemStatus(ids[1], models.StatusDuplicate, "", nil)
	assert.Equal(t, models.BatchPartial, batchByID(t, s, batchID).Status)
}

func TestTerminalStatusIdempotent(t *testing.T) {
	s := NewStore()
	batchID, ids := s.AddBatch(twoFiles(), "")
	s.UpdateItemStatus(ids[0], models.StatusCompleted, "", nil)

	before := batchByID(t, s, batchID)
	s.UpdateItemStatus(ids[0], models.StatusCompleted, "", nil)
	s.UpdateItemStatus(ids[0], models.StatusCompleted, "", nil)
	after := batchByID(t, s, batchID)

	assert.Equal(t, before.CompletedFiles, after.CompletedFiles)
	assert.Equal(t, before.ErrorFiles, after.ErrorFiles)
}

func TestTerminalStateIsSticky(t *testing.T) {
	s := NewStore()
	_, ids := s.AddBatch(twoFiles(), "")
	s.UpdateItemStatus(ids[0], models.StatusCompleted, "", nil)

	// No edge leaves a terminal state except error -> pending.
	s.UpdateItemStatus(ids[0], models.StatusProcessing, "", nil)
	it, _ := s.Item(ids[0])
	assert.Equal(t, models.StatusCompleted, it.Status)

	s.UpdateItemStatus(ids[0], models.StatusPending, "", nil)
	it, _ = s.Item(ids[0])
	assert.Equal(t, models.StatusCompleted, it.Status)
}

func TestRetryResetsErroredItem(t *testing.T) {
	s := NewStore()
	_, ids := s.AddBatch(twoFiles(), "")
	s.UpdateItemStatus(ids[0], models.StatusUploading, "", nil)
	s.UpdateItemProgress(ids[0], 40, "extract", "")
	s.UpdateItemStatus(ids[0], models.StatusError, "timeout", nil)

	s.UpdateItemStatus(ids[0], models.StatusPending, "", nil)
	it, ok := s.Item(ids[0])
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, it.Status)
	assert.Equal(t, 0, it.Progress)
	assert.Empty(t, it.Error)
	assert.Nil(t, it.CompletedTime)

	// The retried item may reach a different terminal state than before.
	s.UpdateItemStatus(ids[0], models.StatusUploading, "", nil)
	s.UpdateItemStatus(ids[0], models.StatusDuplicate, "", nil)
	it, _ = s.Item(ids[0])
	assert.Equal(t, models.StatusDuplicate, it.Status)
}

func TestProgressPromotesUploadingToProcessing(t *testing.T) {
	s := NewStore()
	_, ids := s.AddBatch(twoFiles(), "")
	s.UpdateItemStatus(ids[0], models.StatusUploading, "", nil)
	s.UpdateItemProgress(ids[0], 25, "extract", "extracting text")

	it, _ := s.Item(ids[0])
	assert.Equal(t, models.StatusProcessing, it.Status)
	assert.Equal(t, 25, it.Progress)
	assert.Equal(t, "extract", it.Stage)
}

func TestProgressIgnoredOnTerminalItem(t *testing.T) {
	s := NewStore()
	_, ids := s.AddBatch(twoFiles(), "")
	s.UpdateItemStatus(ids[0], models.StatusError, "boom", nil)
	s.UpdateItemProgress(ids[0], 90, "index", "")
	it, _ := s.Item(ids[0])
	assert.Equal(t, models.StatusError, it.Status)
	assert.Equal(t, 0, it.Progress)
}

func TestTotalProgress(t *testing.T) {
	s := NewStore()
	_, ids := s.AddBatch([]models.FileRef{
		{Name: "a", Data: []byte("a")},
		{Name: "b", Data: []byte("b")},
		{Name: "c", Data: []byte("c")},
		{Name: "d", Data: []byte("d")},
	}, "")

	s.UpdateItemStatus(ids[0], models.StatusCompleted, "", nil) // counts 100
	s.UpdateItemStatus(ids[1], models.StatusError, "x", nil)    // counts 0
	s.UpdateItemStatus(ids[2], models.StatusUploading, "", nil)
	s.UpdateItemProgress(ids[2], 50, "upload", "") // counts 50
	// ids[3] pending, counts 0

	assert.Equal(t, (100+0+50+0)/4, s.Snapshot().TotalProgress)
}

func TestClearCompletedKeepsOnlyActive(t *testing.T) {
	s := NewStore()
	doneID, doneItems := s.AddBatch(twoFiles(), "done")
	for _, id := range doneItems {
		s.UpdateItemStatus(id, models.StatusCompleted, "", nil)
	}
	activeID, _ := s.AddBatch(twoFiles(), "active")

	s.ClearCompleted()
	snap := s.Snapshot()
	require.Len(t, snap.Batches, 1)
	assert.Equal(t, activeID, snap.Batches[0].ID)

	// The cleared batch's items are gone too.
	_, ok := s.Item(doneItems[0])
	assert.False(t, ok)
	_ = doneID
}

func TestRemoveBatch(t *testing.T) {
	s := NewStore()
	batchID, ids := s.AddBatch(twoFiles(), "")
	s.RemoveBatch(batchID)
	assert.Empty(t, s.Snapshot().Batches)
	_, ok := s.Item(ids[0])
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	s := NewStore()
	s.AddBatch(twoFiles(), "")
	s.Reset()
	assert.Empty(t, s.Snapshot().Batches)
	assert.Equal(t, 0, s.Snapshot().TotalProgress)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	s := NewStore()
	var got []models.QueueState
	unsubscribe := s.Subscribe(func(state models.QueueState) {
		got = append(got, state)
	})

	s.AddBatch(twoFiles(), "")
	require.NotEmpty(t, got)
	assert.Len(t, got[len(got)-1].Batches, 1)

	unsubscribe()
	n := len(got)
	s.AddBatch(twoFiles(), "")
	assert.Len(t, got, n, "unsubscribed subscriber must not be called")
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore()
	batchID, ids := s.AddBatch(twoFiles(), "")
	snap := s.Snapshot()
	snap.Batches[0].Items[0].Status = models.StatusError
	snap.Batches[0].Name = "mutated"

	b := batchByID(t, s, batchID)
	assert.NotEqual(t, "mutated", b.Name)
	it, _ := s.Item(ids[0])
	assert.Equal(t, models.StatusPending, it.Status)
}

func TestLoadRestoredState(t *testing.T) {
	s := NewStore()
	created := time.Now().Add(-5 * time.Minute)
	s.Load(models.QueueState{
		Visible: true,
		Batches: []*models.Batch{{
			ID:        "b1",
			Name:      "restored",
			CreatedAt: created,
			Items: []*models.Item{
				{ID: "i1", BatchID: "b1", Status: models.StatusCompleted, File: models.FileRef{Name: "a", Size: 3}},
				{ID: "i2", BatchID: "b1", Status: models.StatusError, File: models.FileRef{Name: "b", Size: 3}},
			},
		}},
	})

	snap := s.Snapshot()
	require.Len(t, snap.Batches, 1)
	// Derived fields are recomputed on load rather than trusted.
	assert.Equal(t, models.BatchError, snap.Batches[0].Status)
	assert.Equal(t, 1, snap.Batches[0].CompletedFiles)

	// Restored items are addressable for retries.
	s.UpdateItemStatus("i2", models.StatusPending, "", nil)
	it, ok := s.Item("i2")
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, it.Status)
}

func TestLoadEmptyBatchDerivesCompleted(t *testing.T) {
	s := NewStore()
	s.Load(models.QueueState{Batches: []*models.Batch{{ID: "b1", Name: "hollow"}}})
	snap := s.Snapshot()
	require.Len(t, snap.Batches, 1)
	assert.Equal(t, models.BatchCompleted, snap.Batches[0].Status)
}

func TestSubscriberSnapshotsAreOrdered(t *testing.T) {
	s := NewStore()
	var mu sync.Mutex
	var counts []int
	s.Subscribe(func(state models.QueueState) {
		mu.Lock()
		counts = append(counts, len(state.Batches))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddBatch(twoFiles(), "")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, counts)
	for i := 1; i < len(counts); i++ {
		assert.GreaterOrEqual(t, counts[i], counts[i-1],
			"a subscriber must never see an older snapshot after a newer one")
	}
	assert.Equal(t, 20, counts[len(counts)-1], "the last delivery reflects the final state")
}

func TestActiveUploadsCount(t *testing.T) {
	s := NewStore()
	_, ids := s.AddBatch(twoFiles(), "")
	s.UpdateItemStatus(ids[0], models.StatusUploading, "", nil)
	s.UpdateItemStatus(ids[1], models.StatusUploading, "", nil)
	s.UpdateItemProgress(ids[1], 10, "upload", "")
	assert.Equal(t, 2, s.Snapshot().ActiveUploads)

	s.UpdateItemStatus(ids[0], models.StatusCompleted, "", nil)
	assert.Equal(t, 1, s.Snapshot().ActiveUploads)
}
