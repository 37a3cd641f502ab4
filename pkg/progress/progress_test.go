package progress

import "testing"

func TestChannelReporter_DropsWhenFull(t *testing.T) {
	ch := make(chan Update, 1)
	r := NewChannelReporter(ch)

	r.Report(Update{Percent: 1})
	r.Report(Update{Percent: 2})

	if len(ch) != 1 {
		t.Fatalf("len = %d, want 1", len(ch))
	}
	if u := <-ch; u.Percent != 1 {
		t.Errorf("Percent = %v, want the first update", u.Percent)
	}
}

func TestMultiReporter(t *testing.T) {
	var a, b []Update
	m := NewMultiReporter(ReporterFunc(func(u Update) { a = append(a, u) }))
	m.Add(ReporterFunc(func(u Update) { b = append(b, u) }))
	m.Add(NoopReporter{})

	m.Report(Update{Stage: StageQuickScan, Percent: 10})
	m.Report(Update{Stage: StageDone, Percent: 100})

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("a=%d b=%d, want 2/2", len(a), len(b))
	}
	if b[1].Stage != StageDone {
		t.Errorf("Stage = %s, want done", b[1].Stage)
	}
}
