package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"fitsqa/internal/config"
	"fitsqa/internal/logging"
	"fitsqa/internal/pipeline"
	"fitsqa/internal/server"
	"fitsqa/internal/storage"
)

// Watches a directory for new frames for a fixed time and prints every focus
// decision, exercising watcher, pipeline and storage together.
func main() {
	dir := flag.String("dir", "/data/incoming", "directory receiving new frames")
	duration := flag.Duration("duration", 30*time.Second, "how long to watch")
	db := flag.String("db", "test_integration.db", "sqlite database")
	flag.Parse()

	fmt.Println("Testing watcher + focus pipeline integration")

	store, err := storage.New(*db)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger := logging.NewWriter(os.Stdout, "info", "traditional")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	pipe, err := pipeline.New(ctx, cfg, logger, store)
	if err != nil {
		log.Fatal("Failed to create pipeline:", err)
	}
	defer pipe.Stop()

	watcher, err := server.NewWatcher([]string{*dir}, pipe.Submit, logger)
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	if err := watcher.Start(ctx); err != nil {
		log.Fatal("Failed to start watcher:", err)
	}
	defer watcher.Stop()

	fmt.Printf("Watching %s for %s (max FWHM %.2f px)\n", *dir, *duration, cfg.QA.MaxFWHM)

	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()
	count, inFocus := 0, 0

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nTest completed. %d frames checked, %d in focus.\n", count, inFocus)
			if recs, err := store.FocusResults("", 1); err == nil && len(recs) > 0 {
				fmt.Printf("Last stored decision: %s median FWHM %.2f\n", recs[0].FilePath, recs[0].MedianFWHM)
			}
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			count++
			if res.Error != nil {
				fmt.Printf("Frame %s: %v\n", res.Job.InputPath, res.Error)
				continue
			}
			ok, _ = res.Meta["in_focus"].(bool)
			if ok {
				inFocus++
			}
			fmt.Printf("Frame %s: median FWHM %v, in focus %t\n", res.Job.InputPath, res.Meta["median_fwhm"], ok)
		case <-time.After(10 * time.Second):
			fmt.Println("No frames in last 10 seconds...")
		}
	}
}
