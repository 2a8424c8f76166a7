// Soak harness: pushes a burst of synthetic frames through the stacker,
// worker and filter pipeline as fast as they will go, then checks that
// every frame context was released and prints the run stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"skywatch/internal/capture"
	"skywatch/internal/config"
	"skywatch/internal/filters"
	"skywatch/internal/frame"
	"skywatch/internal/logging"
	"skywatch/internal/metric"
	"skywatch/internal/render"
	"skywatch/internal/stacker"
	"skywatch/internal/state"
	"skywatch/internal/storage"
	"skywatch/internal/worker"
)

func main() {
	frames := flag.Int("frames", 500, "frames to push through the pipeline")
	width := flag.Int("width", 640, "frame width")
	height := flag.Int("height", 480, "frame height")
	keepDB := flag.Bool("keep-db", false, "keep the history database after the run")
	flag.Parse()

	cfg := config.Default()
	cfg.Camera.Width = *width
	cfg.Camera.Height = *height
	cfg.Stacking.Enabled = true
	cfg.Worker.Enabled = true
	cfg.Worker.OverflowPolicy = config.OverflowWait

	logger := logging.New("info", "text")
	mgr := config.NewManager(cfg, logger)
	store := state.New(mgr)
	prom := metric.New()

	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("skywatch-soak-%d.db", os.Getpid()))
	history, err := storage.New(dbPath)
	if err != nil {
		log.Fatal("open history: ", err)
	}
	defer func() {
		history.Close()
		if !*keepDB {
			os.Remove(dbPath)
		}
	}()

	pipeline := filters.NewPipeline(logger, filters.Defaults()...)
	wk := worker.New(worker.Options{
		Stacker:   stacker.New(logger),
		Pipeline:  pipeline,
		Publisher: store,
		History:   history,
		Metrics:   prom,
		Log:       logger,
		Config:    mgr.Snapshot(),
		SessionID: "soak",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		wk.Run(ctx)
	}()

	camera := capture.NewSyntheticCamera(1)
	if err := camera.Initialize(ctx); err != nil {
		log.Fatal("camera init: ", err)
	}

	snap := mgr.Snapshot()
	contexts := &frame.ContextFactory{
		Projector: render.NewEquidistantProjector(snap.Camera.Width, snap.Camera.Height),
		Engine:    render.NewStaticEngine(),
	}

	start := time.Now()
	for i := 0; i < *frames; i++ {
		img, err := camera.Capture(ctx, capture.CaptureRequest{
			Exposure: frame.Exposure{Duration: snap.ExposureDuration(), Gain: snap.Camera.Gain},
			Width:    snap.Camera.Width,
			Height:   snap.Camera.Height,
		})
		if err != nil {
			log.Fatal("capture: ", err)
		}
		img.Context = contexts.New(img.Timestamp)
		item := &worker.WorkItem{
			FrameNumber:   uint64(i + 1),
			Capture:       img,
			Config:        snap,
			ConfigVersion: snap.Version,
			EnqueuedAt:    time.Now(),
		}
		if !wk.Enqueue(item) {
			log.Fatal("enqueue rejected with worker enabled")
		}
	}

	// Cancelling drains the queue; Run returns once the consumer exits.
	for wk.Status().Processed+wk.Status().Dropped < uint64(*frames) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
	elapsed := time.Since(start)

	status := wk.Status()
	fmt.Printf("pushed %d frames in %s (%.1f fps)\n",
		*frames, elapsed.Round(time.Millisecond), float64(*frames)/elapsed.Seconds())
	fmt.Printf("  processed: %d  dropped: %d  peak depth: %d\n",
		status.Processed, status.Dropped, status.PeakQueueDepth)
	fmt.Printf("  avg queue latency: %.2fms  avg stack: %.2fms  avg filter: %.2fms\n",
		status.AvgQueueLatencyMs, status.AvgStackMs, status.AvgFilterMs)

	rows, err := history.RecentFrames(5)
	if err != nil {
		log.Fatal("history read: ", err)
	}
	fmt.Printf("  history rows sampled: %d\n", len(rows))

	if leaked := contexts.InFlight(); leaked != 0 {
		fmt.Printf("FAIL: %d frame contexts leaked\n", leaked)
		os.Exit(1)
	}
	fmt.Println("no frame contexts leaked")
}
