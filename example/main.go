package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	evenodd "github.com/Skryldev/evenodd-lab"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
)

func main() {
	// ── Graceful shutdown via signal ──────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Simulated 60 Hz projector ─────────────────────────────────────────
	period := evenodd.PeriodFromRefresh(60)
	sim, err := evenodd.NewSimulator(evenodd.SimConfig{
		FramePeriodNs:    period,
		BoundaryNs:       5_000_000,
		BandNs:           200_000,
		DropProbability:  1,
		NoiseProbability: 0.001,
		Seed:             time.Now().UnixNano(),
	}, logger.Nop())
	if err != nil {
		log.Fatalf("failed to create simulator: %v", err)
	}
	simCtx, stopSim := context.WithCancel(ctx)
	defer stopSim()
	go sim.Run(simCtx)

	// ── Progress channel ──────────────────────────────────────────────────
	progressCh := make(chan evenodd.ProgressUpdate, 32)
	go func() {
		for upd := range progressCh {
			fmt.Printf("[%s] stage=%-10s %3.0f%%  %s\n",
				upd.SessionID[:8], upd.Stage, upd.Percent, upd.Message)
		}
	}()

	// ── Create rig ────────────────────────────────────────────────────────
	rig, err := evenodd.New(evenodd.Config{
		Presenter:   sim,
		Logger:      logger.Nop(),
		ProgressCh:  progressCh,
		ResultsFile: os.Getenv("EVENODD_RESULTS"),
		Options: []evenodd.Option{
			evenodd.WithQuickScanDwell(20 * time.Millisecond),
			evenodd.WithDescentDwell(50 * time.Millisecond),
			evenodd.WithConfirmation(200 * time.Millisecond),
		},
	})
	if err != nil {
		log.Fatalf("failed to create rig: %v", err)
	}
	defer func() {
		if err := rig.Close(); err != nil {
			fmt.Printf("close: %v\n", err)
		}
		close(progressCh)
	}()

	// ── Example 1: Calibration only starts from the RGB view ──────────────
	fmt.Println("\n── Example 1: View Gating ──")
	viewExample(rig)

	// ── Example 2: Auto calibration ──────────────────────────────────────
	fmt.Println("\n── Example 2: Auto Calibration ──")
	calibrateExample(ctx, rig, sim)

	// ── Example 3: Manual controls ───────────────────────────────────────
	fmt.Println("\n── Example 3: Manual Controls ──")
	manualExample(rig)
}

func viewExample(rig *evenodd.Rig) {
	_ = rig.SetView(evenodd.ColorSpaceOCV)
	if _, ok := rig.StartAutoCalibration(); !ok {
		fmt.Println("start ignored while the OCV view is shown")
	}
	_ = rig.SetView(evenodd.ColorSpaceRGB)
}

func calibrateExample(ctx context.Context, rig *evenodd.Rig, sim *evenodd.Simulator) {
	id, ok := rig.StartAutoCalibration()
	if !ok {
		fmt.Println("calibration did not start")
		return
	}
	fmt.Printf("session %s started\n", id)

	if err := rig.Wait(ctx); err != nil {
		rig.CancelCalibration()
		fmt.Printf("interrupted: %v\n", err)
		return
	}

	status := rig.Status()
	if status.State != evenodd.StateCompleted {
		fmt.Printf("calibration ended in state %s\n", status.State)
		return
	}
	result, _ := rig.LastResult()
	fmt.Printf("Done! took=%s samples=%d\n", result.Duration.Round(time.Millisecond), result.Samples)
	fmt.Printf("  Worst offset   : %d ns (%d dropped, confirmed %d)\n",
		result.WorstOffsetNs, result.HighestDropped, result.ConfirmedDropped)
	fmt.Printf("  Optimal offset : %d ns\n", result.OptimalOffsetNs)
	fmt.Printf("  In drop band   : %v\n", sim.InBand(result.OptimalOffsetNs))
}

func manualExample(rig *evenodd.Rig) {
	rig.SetFlipEvenOdd(true)
	if err := rig.SetVSyncFrameOffset(2); err != nil {
		fmt.Printf("vsync offset: %v\n", err)
	}
	if err := rig.SetVSyncFrameOffset(42); err != nil {
		fmt.Printf("vsync offset rejected: %v\n", err)
	}
	if err := rig.SetTimingOffset(-5); err != nil {
		fmt.Printf("timing offset rejected: %v\n", err)
	}

	status := rig.Status()
	fmt.Printf("Status:\n")
	fmt.Printf("  Timing offset : %d ns\n", status.TimingOffset)
	fmt.Printf("  Flip even/odd : %v\n", status.FlipEvenOdd)
	fmt.Printf("  VSync offset  : %d frames\n", status.VSyncFrameOffset)
	fmt.Printf("  Frames        : %d dropped / %d total\n", status.DroppedFrames, status.TotalFrames)
}
