// The upload dispatcher creates batches in the queue store and drives each
// item through: open channel, submit request, hand off to async events.
// Items go out in fixed-size concurrency groups; a group must fully settle
// before the next one starts, and one item's failure never touches its
// siblings.

package uploader

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/vrsandeep/shipyard-go/internal/models"
	"github.com/vrsandeep/shipyard-go/internal/queue"
	"github.com/vrsandeep/shipyard-go/internal/transport"
)

// DefaultGroupSize matches the transport's connection ceiling.
const DefaultGroupSize = 6

// SessionOpener is the slice of the channel manager the dispatcher needs.
type SessionOpener interface {
	CreateSession(ctx context.Context, key models.CorrelationKey) (string, error)
	CloseSession(key models.CorrelationKey)
}

// Options configure one submission.
type Options struct {
	BatchName string
	Metadata  map[string]string
}

// Dispatcher submits files with bounded concurrency.
type Dispatcher struct {
	store     *queue.Store
	channels  SessionOpener
	submitter transport.Submitter
	groupSize int
}

func New(store *queue.Store, channels SessionOpener, submitter transport.Submitter, groupSize int) *Dispatcher {
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}
	return &Dispatcher{
		store:     store,
		channels:  channels,
		submitter: submitter,
		groupSize: groupSize,
	}
}

// Submit creates a batch for files and dispatches every item, group by
// group. It returns once all items have settled; callers that want the
// batch id immediately should read it from the store's snapshot fan-out or
// call SubmitAsync.
func (d *Dispatcher) Submit(ctx context.Context, files []models.FileRef, opts Options) (string, []models.CorrelationKey, error) {
	if len(files) == 0 {
		return "", nil, &transport.ValidationError{Reason: "no files provided"}
	}
	batchID, itemIDs := d.store.AddBatch(files, opts.BatchName)
	d.dispatch(ctx, itemIDs, opts.Metadata)
	return batchID, itemIDs, nil
}

// SubmitAsync creates the batch synchronously and dispatches in the
// background, returning the identifiers right away.
func (d *Dispatcher) SubmitAsync(ctx context.Context, files []models.FileRef, opts Options) (string, []models.CorrelationKey, error) {
	if len(files) == 0 {
		return "", nil, &transport.ValidationError{Reason: "no files provided"}
	}
	batchID, itemIDs := d.store.AddBatch(files, opts.BatchName)
	go d.dispatch(ctx, itemIDs, opts.Metadata)
	return batchID, itemIDs, nil
}

// RetryItem resets one errored item to pending and re-runs its submission.
func (d *Dispatcher) RetryItem(ctx context.Context, id models.CorrelationKey) error {
	item, ok := d.store.Item(id)
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	if item.Status != models.StatusError {
		return fmt.Errorf("item %s is %s, only errored items can be retried", id, item.Status)
	}
	d.store.UpdateItemStatus(id, models.StatusPending, "", nil)
	d.dispatch(ctx, []models.CorrelationKey{id}, nil)
	return nil
}

// RetryBatch re-runs every currently errored item in one batch.
func (d *Dispatcher) RetryBatch(ctx context.Context, batchID string) error {
	var found bool
	var ids []models.CorrelationKey
	for _, b := range d.store.Snapshot().Batches {
		if b.ID != batchID {
			continue
		}
		found = true
		for _, it := range b.Items {
			if it.Status == models.StatusError {
				ids = append(ids, it.ID)
			}
		}
	}
	if !found {
		return fmt.Errorf("batch %s not found", batchID)
	}
	d.retry(ctx, ids)
	return nil
}

// RetryAll re-runs every errored item across all batches.
func (d *Dispatcher) RetryAll(ctx context.Context) {
	var ids []models.CorrelationKey
	for _, b := range d.store.Snapshot().Batches {
		for _, it := range b.Items {
			if it.Status == models.StatusError {
				ids = append(ids, it.ID)
			}
		}
	}
	d.retry(ctx, ids)
}

func (d *Dispatcher) retry(ctx context.Context, ids []models.CorrelationKey) {
	for _, id := range ids {
		d.store.UpdateItemStatus(id, models.StatusPending, "", nil)
	}
	d.dispatch(ctx, ids, nil)
}

// dispatch submits items in groups of groupSize. Group N+1 never starts
// until every member of group N has settled.
func (d *Dispatcher) dispatch(ctx context.Context, ids []models.CorrelationKey, metadata map[string]string) {
	for start := 0; start < len(ids); start += d.groupSize {
		end := start + d.groupSize
		if end > len(ids) {
			end = len(ids)
		}
		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(id models.CorrelationKey) {
				defer wg.Done()
				d.submitItem(ctx, id, metadata)
			}(id)
		}
		wg.Wait()
	}
}

// submitItem runs one item's full path. Every failure mode lands in an
// item-status update; nothing escapes to the caller.
func (d *Dispatcher) submitItem(ctx context.Context, id models.CorrelationKey, metadata map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("uploader: submission of item %s panicked: %v", id, r)
			d.store.UpdateItemStatus(id, models.StatusError, fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	item, ok := d.store.Item(id)
	if !ok {
		return
	}
	d.store.UpdateItemStatus(id, models.StatusUploading, "", nil)

	// The channel must be open before the request goes out, or early
	// pipeline events would have nowhere to land.
	sessionID, err := d.channels.CreateSession(ctx, id)
	if err != nil {
		d.store.UpdateItemStatus(id, models.StatusError, err.Error(), nil)
		return
	}

	resp, err := d.submitter.Submit(ctx, transport.Request{
		Key:       id,
		SessionID: sessionID,
		File:      item.File,
		Metadata:  metadata,
	})
	if err != nil {
		d.channels.CloseSession(id)
		d.store.UpdateItemStatus(id, models.StatusError, err.Error(), nil)
		return
	}

	switch {
	case resp.Error != "":
		d.channels.CloseSession(id)
		d.store.UpdateItemStatus(id, models.StatusError, resp.Error, nil)
	case resp.Duplicate:
		// The pipeline recognized the file synchronously; no async events
		// will follow.
		d.channels.CloseSession(id)
		d.store.UpdateItemStatus(id, models.StatusDuplicate, "", &models.UploadResult{
			Duplicate:  true,
			DocumentID: resp.DocumentID,
		})
	case !resp.Accepted:
		d.channels.CloseSession(id)
		d.store.UpdateItemStatus(id, models.StatusError, "submission rejected by ingest pipeline", nil)
	default:
		// Accepted; the progress channel takes over from here.
	}
}

// Cancel closes an item's channel and marks it errored locally. The remote
// side may continue or time out on its own; there is no mid-flight abort of
// a submitted request.
func (d *Dispatcher) Cancel(id models.CorrelationKey) error {
	item, ok := d.store.Item(id)
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	if item.Status.Terminal() {
		return fmt.Errorf("item %s is already %s", id, item.Status)
	}
	d.channels.CloseSession(id)
	d.store.UpdateItemStatus(id, models.StatusError, "cancelled by user", nil)
	return nil
}
