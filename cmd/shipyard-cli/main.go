package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/vrsandeep/shipyard-go/internal/core"
	"github.com/vrsandeep/shipyard-go/internal/models"
	"github.com/vrsandeep/shipyard-go/internal/uploader"
)

func main() {
	batchName := flag.String("name", "", "display name for the submitted batch")
	watch := flag.Bool("watch", false, "watch the configured drop directory and submit new files as they appear")
	flag.Parse()

	app, err := core.New()
	if err != nil {
		log.Fatalf("Failed to set up application: %v", err)
	}
	defer app.Close()

	if *watch {
		watchAndSubmit(app)
		return
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: shipyard-cli [-name NAME] FILE... | shipyard-cli -watch")
		os.Exit(2)
	}

	files := make([]models.FileRef, 0, flag.NArg())
	for _, path := range flag.Args() {
		ref, err := fileRef(path)
		if err != nil {
			log.Fatalf("Cannot submit %s: %v", path, err)
		}
		files = append(files, ref)
	}

	batchID, _, err := app.Dispatcher().Submit(context.Background(), files, uploader.Options{BatchName: *batchName})
	if err != nil {
		log.Fatalf("Submission failed: %v", err)
	}
	waitForBatch(app, batchID)
	report(app, batchID)
}

// waitForBatch blocks until every item in the batch reaches a terminal
// status, or the user interrupts.
func waitForBatch(app *core.App, batchID string) {
	done := make(chan struct{}, 1)
	unsubscribe := app.Store().Subscribe(func(state models.QueueState) {
		for _, b := range state.Batches {
			if b.ID == batchID && b.Status != models.BatchActive {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	for _, b := range app.Store().Snapshot().Batches {
		if b.ID == batchID && b.Status != models.BatchActive {
			return
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-quit:
		log.Println("Interrupted; queue state has been persisted.")
	}
}

// watchAndSubmit submits every file that lands in the drop directory as its
// own single-item batch.
func watchAndSubmit(app *core.App) {
	dir := app.Config().Watch.Path
	if dir == "" {
		log.Fatal("No watch path configured (watch.path / SHIPYARD_WATCH_PATH)")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("Could not create watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		log.Fatalf("Could not watch %s: %v", dir, err)
	}
	log.Printf("Watching %s for new files...", dir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			ref, err := fileRef(event.Name)
			if err != nil {
				log.Printf("Skipping %s: %v", event.Name, err)
				continue
			}
			log.Printf("Submitting %s", event.Name)
			go func(ref models.FileRef) {
				if _, _, err := app.Dispatcher().Submit(context.Background(), []models.FileRef{ref}, uploader.Options{}); err != nil {
					log.Printf("Submission of %s failed: %v", ref.Name, err)
				}
			}(ref)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		case <-quit:
			log.Println("Stopping watcher.")
			return
		}
	}
}

func fileRef(path string) (models.FileRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.FileRef{}, err
	}
	if info.IsDir() {
		return models.FileRef{}, fmt.Errorf("%s is a directory", path)
	}
	return models.FileRef{
		Name: filepath.Base(path),
		Size: info.Size(),
		Path: path,
	}, nil
}

// report prints each item's terminal outcome for the submitted batch.
func report(app *core.App, batchID string) {
	for _, b := range app.Store().Snapshot().Batches {
		if b.ID != batchID {
			continue
		}
		fmt.Printf("Batch %s: %s (%d/%d done, %d errors)\n", b.Name, b.Status, b.CompletedFiles, b.TotalFiles, b.ErrorFiles)
		for _, it := range b.Items {
			line := fmt.Sprintf("  %-40s %s", it.File.Name, it.Status)
			if it.Error != "" {
				line += " (" + it.Error + ")"
			}
			if it.Result != nil && it.Result.DocumentID != "" {
				line += " -> " + it.Result.DocumentID
			}
			fmt.Println(line)
		}
	}
}
