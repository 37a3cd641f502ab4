package evenodd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Skryldev/evenodd-lab/infrastructure/web"
	"github.com/Skryldev/evenodd-lab/internal/mocks"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
)

var _ web.Controller = (*Rig)(nil)

func TestRig_CalibrateAndPersist(t *testing.T) {
	tel := mocks.NewFakeTelemetry(1000, mocks.BandDrops(400, 500, 3))
	resultsFile := filepath.Join(t.TempDir(), "result.yaml")
	progressCh := make(chan ProgressUpdate, 256)

	rig, err := New(Config{
		Presenter:   mocks.NewFakePresenter(tel),
		Logger:      logger.Nop(),
		ProgressCh:  progressCh,
		ResultsFile: resultsFile,
		Options: []Option{
			WithQuickScanSteps(10),
			WithDescentMinSteps(10),
			WithQuickScanDwell(time.Microsecond),
			WithDescentDwell(time.Microsecond),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.Close()

	if _, ok := rig.StartAutoCalibration(); !ok {
		t.Fatal("Start failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rig.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	status := rig.Status()
	if status.State != StateCompleted || status.OptimalOffset != 900 {
		t.Fatalf("status = %+v", status)
	}

	var last ProgressUpdate
	for len(progressCh) > 0 {
		last = <-progressCh
	}
	if last.Stage != StageDone || last.Percent != 100 {
		t.Errorf("last update = %+v, want done at 100%%", last)
	}

	// a second rig on the same display picks the result up
	tel2 := mocks.NewFakeTelemetry(1000, mocks.NoDrops)
	rig2, err := New(Config{Presenter: mocks.NewFakePresenter(tel2), Logger: logger.Nop(), ResultsFile: resultsFile})
	if err != nil {
		t.Fatal(err)
	}
	defer rig2.Close()

	r, ok, err := rig2.RestoreLastResult(context.Background())
	if err != nil || !ok {
		t.Fatalf("RestoreLastResult: ok=%v err=%v", ok, err)
	}
	if r.OptimalOffsetNs != 900 || tel2.TimingOffset() != 900 {
		t.Errorf("restored offset = %d, register = %d", r.OptimalOffsetNs, tel2.TimingOffset())
	}
}

func TestNew_RequiresPresenter(t *testing.T) {
	if _, err := New(Config{Logger: logger.Nop()}); err == nil {
		t.Error("expected error without presenter")
	}
}
