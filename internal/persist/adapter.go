// Snapshot/restore for the upload queue. Snapshots are written as one keyed
// blob on every store change; restore prunes entries that a crashed or
// long-dead session left behind before handing the state back.

package persist

import (
	"encoding/json"
	"log"
	"time"

	"github.com/vrsandeep/shipyard-go/internal/models"
)

const stateKey = "upload_queue"

const (
	// DefaultFreshThreshold is the age under which a batch is always kept
	// and a transient item is not yet presumed stuck.
	DefaultFreshThreshold = 30 * time.Minute
	// DefaultStaleThreshold is the age past which a batch is dropped unless
	// it finished completely.
	DefaultStaleThreshold = 60 * time.Minute
)

// Adapter serializes queue snapshots into a BlobStore and restores them
// with the two-tier staleness policy.
type Adapter struct {
	blobs BlobStore
	fresh time.Duration
	stale time.Duration

	now func() time.Time // swappable in tests
}

func NewAdapter(blobs BlobStore, fresh, stale time.Duration) *Adapter {
	if fresh == 0 {
		fresh = DefaultFreshThreshold
	}
	if stale == 0 {
		stale = DefaultStaleThreshold
	}
	return &Adapter{blobs: blobs, fresh: fresh, stale: stale, now: time.Now}
}

// persistedState is the on-disk shape: the batch array plus visibility
// flags, written and read atomically as a whole.
type persistedState struct {
	Batches   []*models.Batch `json:"batches"`
	Visible   bool            `json:"visible"`
	Minimized bool            `json:"minimized"`
}

// Snapshot serializes state into the blob store. In-memory payloads do not
// survive a restart, so items keep only their name/size descriptor (the
// FileRef's Data field is never marshalled).
func (a *Adapter) Snapshot(state models.QueueState) error {
	blob, err := json.Marshal(persistedState{
		Batches:   state.Batches,
		Visible:   state.Visible,
		Minimized: state.Minimized,
	})
	if err != nil {
		return err
	}
	return a.blobs.Put(stateKey, blob)
}

// Restore reads the stored blob and prunes stale entries. A blob that fails
// to parse is discarded wholesale rather than partially trusted.
func (a *Adapter) Restore() (models.QueueState, error) {
	empty := models.QueueState{Visible: true}

	blob, err := a.blobs.Get(stateKey)
	if err == ErrNotFound {
		return empty, nil
	}
	if err != nil {
		return empty, err
	}

	var stored persistedState
	if err := json.Unmarshal(blob, &stored); err != nil {
		log.Printf("persist: discarding corrupted queue snapshot: %v", err)
		a.blobs.Delete(stateKey)
		return empty, nil
	}

	return models.QueueState{
		Batches:   a.prune(stored.Batches),
		Visible:   stored.Visible,
		Minimized: stored.Minimized,
	}, nil
}

// prune applies the two-tier staleness policy:
//   - batches younger than the fresh threshold are always kept;
//   - batches older than the stale threshold are dropped unless fully
//     completed;
//   - within kept batches, transient items (uploading/processing) whose
//     start time is past the fresh threshold are dropped as presumed-stuck,
//     while terminal items are retained regardless of age;
//   - a batch left with no items is dropped entirely.
func (a *Adapter) prune(batches []*models.Batch) []*models.Batch {
	now := a.now()
	var kept []*models.Batch
	for _, b := range batches {
		age := now.Sub(b.CreatedAt)
		if age > a.stale && b.Status != models.BatchCompleted {
			log.Printf("persist: dropping stale batch %s (%s old, status %s)", b.ID, age.Round(time.Minute), b.Status)
			continue
		}

		var items []*models.Item
		for _, it := range b.Items {
			stuck := (it.Status == models.StatusUploading || it.Status == models.StatusProcessing) &&
				now.Sub(it.StartTime) > a.fresh
			if stuck {
				log.Printf("persist: dropping presumed-stuck item %s (started %s ago)", it.ID, now.Sub(it.StartTime).Round(time.Minute))
				continue
			}
			items = append(items, it)
		}
		if len(items) == 0 {
			continue
		}
		b.Items = items
		kept = append(kept, b)
	}
	return kept
}
