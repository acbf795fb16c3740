// The store's transition surface is a closed set of action types applied by
// Store.apply. Adding an action without handling it there is a programming
// error and panics, so the dispatch cannot silently miss a case.

package queue

import "github.com/vrsandeep/shipyard-go/internal/models"

// Action is the sum type of every mutation the store accepts.
type Action interface {
	isAction()
}

// addBatch creates a batch of pending items from file descriptors.
type addBatch struct {
	BatchID string
	Name    string
	Files   []models.FileRef
	ItemIDs []models.CorrelationKey
}

// updateItemStatus moves one item through its lifecycle.
type updateItemStatus struct {
	ItemID models.CorrelationKey
	Status models.ItemStatus
	Error  string
	Result *models.UploadResult
}

// updateItemProgress records pipeline progress for one item.
type updateItemProgress struct {
	ItemID   models.CorrelationKey
	Progress int
	Stage    string
	Message  string
}

// bindSession records the channel session currently attached to an item.
type bindSession struct {
	ItemID    models.CorrelationKey
	SessionID string
}

// removeBatch drops a batch and its items.
type removeBatch struct {
	BatchID string
}

// clearCompleted retains only batches that are still active.
type clearCompleted struct{}

// setVisibility updates the queue's UI flags.
type setVisibility struct {
	Visible   bool
	Minimized bool
}

// reset discards all queue state.
type reset struct{}

func (addBatch) isAction()           {}
func (updateItemStatus) isAction()   {}
func (updateItemProgress) isAction() {}
func (bindSession) isAction()        {}
func (removeBatch) isAction()        {}
func (clearCompleted) isAction()     {}
func (setVisibility) isAction()      {}
func (reset) isAction()              {}
