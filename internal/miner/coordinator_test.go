package miner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/device"
	"github.com/bardlex/gominer/internal/hashing"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/submit"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const testWorkSize = 1 << 24

type batchScript struct {
	count, first uint32
	indices      []uint32
}

type fakeDevice struct {
	mu      sync.Mutex
	name    string
	scripts []batchScript
	results map[uint32][8]uint32
	initErr error

	pending *batchScript
	runs    []uint32
	kernel  []device.KernelData
	cleared []uint32
	closed  bool

	// kernelAt holds len(runs) at each kernel upload.
	kernelAt []int
	// onRun is called after batch n (1-based) was dispatched.
	onRun func(n int)
}

func (d *fakeDevice) Init(context.Context) error { return d.initErr }

func (d *fakeDevice) Info() device.Info {
	return device.Info{Name: d.name, VendorID: "0x1002", Arch: "gfx1030", Freq: 2100}
}

func (d *fakeDevice) SetKernelData(k device.KernelData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernel = append(d.kernel, k)
	d.kernelAt = append(d.kernelAt, len(d.runs))
	return nil
}

func (d *fakeDevice) RunBatch(start, _ uint32) error {
	d.mu.Lock()
	d.runs = append(d.runs, start)
	d.pending = nil
	if len(d.scripts) > 0 {
		d.pending = &d.scripts[0]
		d.scripts = d.scripts[1:]
	}
	n, hook := len(d.runs), d.onRun
	d.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (d *fakeDevice) CandidateCountAndFirst() (uint32, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return 0, 0, nil
	}
	return d.pending.count, d.pending.first, nil
}

func (d *fakeDevice) CandidateIndices(count, offset uint32) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset != 2 || d.pending == nil || int(count) > len(d.pending.indices) {
		return nil, errors.New(errors.ErrorTypeDevice, "indices", "unexpected read")
	}
	return d.pending.indices[:count], nil
}

func (d *fakeDevice) ResultAt(index uint32) ([8]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.results[index], nil
}

func (d *fakeDevice) ClearCandidates(count uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, count)
	d.pending = nil
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) history() (runs []uint32, kernel []device.KernelData, kernelAt []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.runs...),
		append([]device.KernelData(nil), d.kernel...),
		append([]int(nil), d.kernelAt...)
}

func (d *fakeDevice) clearedCounts() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.cleared...)
}

type nopSource struct{}

func (nopSource) GenerateWork(*work.Work) bool { return false }

type closedSink struct{}

func (closedSink) Push(*submit.Share) bool { return false }

var testTarget = bitcoin.Target{
	0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
	0xffffffff, 0xffffffff, 0xffffffff, 0x7fffffff,
}

// pickResults finds device results whose final hash passes and fails testTarget.
func pickResults(t *testing.T) (pass [][8]uint32, fail [8]uint32) {
	t.Helper()
	found := false
	for i := uint32(1); i < 1024 && (len(pass) < 2 || !found); i++ {
		r := [8]uint32{i, 0x9e3779b9, i * 7}
		if bitcoin.MeetsTarget(hashing.BMW256(r), testTarget) {
			pass = append(pass, r)
		} else if !found {
			fail, found = r, true
		}
	}
	if len(pass) < 2 || !found {
		t.Fatal("could not find passing and failing results")
	}
	return pass, fail
}

// fillTestWork writes a header whose job words are derived from seed.
func fillTestWork(w *work.Work, jobID string, seed uint32, clean bool) {
	for i := 0; i < 19; i++ {
		w.Data[i] = seed + uint32(i)
	}
	w.Data[bitcoin.VersionIndex] = 0x20000000
	w.JobID = jobID
	w.Clean = clean
	w.Target = testTarget
	w.TargetDiff = 1
	w.ExtraNonce2 = []byte{0, 0, 0, 7}
}

func publishTestWork(s *work.State) {
	s.Publish(func(w *work.Work) { fillTestWork(w, "job1", 1, false) })
}

func newTestCoordinator(t *testing.T, cfg Config, sink ShareSink, devs ...device.Device) (*Coordinator, *work.State) {
	t.Helper()
	v, err := validation.NewCandidateValidator(validation.AlgoLyra2REv2)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkSize == 0 {
		cfg.WorkSize = testWorkSize
	}
	cfg.IdlePause = 5 * time.Millisecond
	state := work.NewState(len(devs))
	st := stats.New(len(devs), 1, log.Nop())
	return New(cfg, state, nopSource{}, sink, st, v, devs, log.Nop()), state
}

func popShare(t *testing.T, q *submit.Queue) *submit.Share {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, ok := q.Pop(ctx)
	if !ok {
		t.Fatal("no share queued")
	}
	return s
}

func runAsync(ctx context.Context, c *Coordinator) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestWorkerQueuesOnlyValidatedNonces(t *testing.T) {
	pass, fail := pickResults(t)
	dev := &fakeDevice{
		name: "gpu0",
		scripts: []batchScript{
			{},
			{count: 3, first: 5, indices: []uint32{9, 12}},
		},
		results: map[uint32][8]uint32{5: pass[0], 9: fail, 12: pass[1]},
	}
	q := submit.NewQueue()
	c, state := newTestCoordinator(t, Config{}, q, dev)
	publishTestWork(state)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	first, second := popShare(t, q), popShare(t, q)
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	batchStart := uint32(testWorkSize)
	if got := first.Work.Data[bitcoin.NonceIndex]; got != batchStart+5 {
		t.Errorf("first nonce = %d, want %d", got, batchStart+5)
	}
	if got := second.Work.Data[bitcoin.NonceIndex]; got != batchStart+12 {
		t.Errorf("second nonce = %d, want %d", got, batchStart+12)
	}
	if first.Work.JobID != "job1" || first.Work.ExtraNonce2Hex() != "00000007" || first.Device != 0 {
		t.Errorf("share = %+v", first)
	}
	if first.Work.ShareDiff <= 0 {
		t.Errorf("ShareDiff = %g, want > 0", first.Work.ShareDiff)
	}
	if cleared := dev.clearedCounts(); len(cleared) == 0 || cleared[0] != 3 {
		t.Errorf("cleared = %v, want [3 ...]", cleared)
	}
	if !dev.closed {
		t.Error("device not closed")
	}
}

func TestWorkerClearsAllInvalidBatch(t *testing.T) {
	pass, fail := pickResults(t)
	dev := &fakeDevice{
		name: "gpu0",
		scripts: []batchScript{
			{count: 1, first: 3},
			{count: 1, first: 4},
		},
		results: map[uint32][8]uint32{3: fail, 4: pass[0]},
	}
	q := submit.NewQueue()
	c, state := newTestCoordinator(t, Config{}, q, dev)
	publishTestWork(state)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	share := popShare(t, q)
	cancel()
	waitDone(t, done)

	if got := share.Work.Data[bitcoin.NonceIndex]; got != testWorkSize+4 {
		t.Errorf("nonce = %d, want %d", got, testWorkSize+4)
	}
	if q.Len() != 0 {
		t.Errorf("queue holds %d extra shares", q.Len())
	}
	cleared := dev.clearedCounts()
	if len(cleared) < 2 || cleared[0] != 1 || cleared[1] != 1 {
		t.Errorf("cleared = %v, want [1 1]", cleared)
	}
}

func TestWorkerUploadsKernelData(t *testing.T) {
	dev := &fakeDevice{name: "gpu0"}
	c, state := newTestCoordinator(t, Config{}, submit.NewQueue(), dev)
	publishTestWork(state)

	var want work.Work
	state.Snapshot(&want)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	waitDone(t, runAsync(ctx, c))

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.kernel) == 0 {
		t.Fatal("kernel data never uploaded")
	}
	k := dev.kernel[0]
	if k.H != hashing.Midstate(want.Data[:]) {
		t.Error("midstate mismatch")
	}
	if k.In16 != want.Data[16] || k.In17 != want.Data[17] || k.In18 != want.Data[18] || k.HTarg != testTarget[7] {
		t.Errorf("kernel data = %+v", k)
	}
	if len(dev.runs) == 0 || dev.runs[0] != 0 {
		t.Errorf("first batch start = %v, want 0", dev.runs)
	}
}

func TestWorkerStopsWhenQueueClosed(t *testing.T) {
	pass, _ := pickResults(t)
	dev := &fakeDevice{
		name:    "gpu0",
		scripts: []batchScript{{count: 1, first: 2}},
		results: map[uint32][8]uint32{2: pass[0]},
	}
	c, state := newTestCoordinator(t, Config{}, closedSink{}, dev)
	publishTestWork(state)

	if err := waitDone(t, runAsync(context.Background(), c)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestTimeLimitStopsMining(t *testing.T) {
	stopped := make(chan struct{})
	var once sync.Once
	cfg := Config{
		TimeLimit:   time.Nanosecond,
		OnTimeLimit: func() { once.Do(func() { close(stopped) }) },
	}
	dev := &fakeDevice{name: "gpu0"}
	c, state := newTestCoordinator(t, cfg, submit.NewQueue(), dev)
	publishTestWork(state)

	clock := time.Unix(1000, 0)
	var mu sync.Mutex
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	if err := waitDone(t, runAsync(context.Background(), c)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Error("OnTimeLimit not called")
	}
}

func TestRunWithoutDevices(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{}, submit.NewQueue())
	if err := c.Run(context.Background()); !errors.IsType(err, errors.ErrorTypeConfig) {
		t.Errorf("Run() error = %v, want a config error", err)
	}
}

func TestFailedDeviceIsSkipped(t *testing.T) {
	bad := &fakeDevice{name: "bad", initErr: errors.New(errors.ErrorTypeDevice, "init", "no device")}
	good := &fakeDevice{name: "good"}
	c, state := newTestCoordinator(t, Config{}, submit.NewQueue(), bad, good)
	publishTestWork(state)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	waitDone(t, runAsync(ctx, c))

	bad.mu.Lock()
	badRuns := len(bad.runs)
	bad.mu.Unlock()
	good.mu.Lock()
	goodRuns := len(good.runs)
	good.mu.Unlock()

	if badRuns != 0 || goodRuns == 0 {
		t.Errorf("runs: bad=%d good=%d", badRuns, goodRuns)
	}
}

func TestBench(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{WorkSize: 1 << 20}, submit.NewQueue(), &fakeDevice{name: "gpu0"})
	b := c.Bench()
	if b.Device != "gpu0" || b.VendorID != "0x1002" || b.Throughput != 1<<20 || b.Intensity != 20 {
		t.Errorf("Bench() = %+v", b)
	}
}

func TestRunFailsWhenNoDeviceStarts(t *testing.T) {
	bad := &fakeDevice{name: "bad", initErr: errors.New(errors.ErrorTypeDevice, "init", "no device")}
	c, _ := newTestCoordinator(t, Config{}, submit.NewQueue(), bad)
	if err := c.Run(context.Background()); !errors.IsType(err, errors.ErrorTypeDevice) {
		t.Errorf("Run() error = %v, want a device error", err)
	}
	if !bad.closed {
		t.Error("device not closed")
	}
}

func TestCleanJobDuringAdoptionRestartsWorker(t *testing.T) {
	dev := &fakeDevice{name: "gpu0"}
	c, state := newTestCoordinator(t, Config{}, submit.NewQueue(), dev)
	publishTestWork(state)

	// The clean job lands right after the worker adopted job1, before its
	// first batch.
	var once sync.Once
	c.now = func() time.Time {
		once.Do(func() {
			state.PublishClean(func(w *work.Work) { fillTestWork(w, "job2", 100, true) })
		})
		return time.Unix(1000, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev.onRun = func(int) {
		dev.mu.Lock()
		uploads := len(dev.kernel)
		dev.mu.Unlock()
		if uploads == 2 {
			cancel()
		}
	}

	if err := waitDone(t, runAsync(ctx, c)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	runs, kernel, kernelAt := dev.history()
	if len(kernel) != 2 {
		t.Fatalf("kernel uploads = %d, want 2", len(kernel))
	}
	if kernelAt[1] != 1 {
		t.Errorf("job2 uploaded after %d batches of job1, want 1", kernelAt[1])
	}
	if kernel[1].In16 != 116 {
		t.Errorf("second upload In16 = %d, want the job2 header", kernel[1].In16)
	}
	if runs[kernelAt[1]] != 0 {
		t.Errorf("job2 scan started at %d, want 0", runs[kernelAt[1]])
	}
}

func TestRestartMidRange(t *testing.T) {
	dev := &fakeDevice{name: "gpu0"}
	c, state := newTestCoordinator(t, Config{}, submit.NewQueue(), dev)
	publishTestWork(state)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev.onRun = func(n int) {
		switch n {
		case 3:
			state.PublishClean(func(w *work.Work) { fillTestWork(w, "job2", 100, true) })
		case 6:
			cancel()
		}
	}

	if err := waitDone(t, runAsync(ctx, c)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	runs, kernel, kernelAt := dev.history()
	want := []uint32{0, testWorkSize, 2 * testWorkSize, 0, testWorkSize, 2 * testWorkSize}
	if len(runs) != len(want) {
		t.Fatalf("runs = %v, want %v", runs, want)
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Errorf("run %d started at %d, want %d", i, runs[i], want[i])
		}
	}
	if len(kernelAt) != 2 || kernelAt[0] != 0 || kernelAt[1] != 3 {
		t.Errorf("kernel uploads at runs %v, want [0 3]", kernelAt)
	}
	if len(kernel) == 2 && kernel[1].In17 != 117 {
		t.Errorf("second upload In17 = %d, want the job2 header", kernel[1].In17)
	}
}

func TestBatchStartsFollowPartition(t *testing.T) {
	devs := []*fakeDevice{{name: "gpu0"}, {name: "gpu1"}}
	c, state := newTestCoordinator(t, Config{}, submit.NewQueue(), devs[0], devs[1])
	publishTestWork(state)

	const batches = 5
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stopped sync.WaitGroup
	stopped.Add(len(devs))
	for _, d := range devs {
		var once sync.Once
		d.onRun = func(n int) {
			if n == batches {
				once.Do(stopped.Done)
			}
		}
	}
	go func() {
		stopped.Wait()
		cancel()
	}()

	waitDone(t, runAsync(ctx, c))

	for id, d := range devs {
		rng := work.Partition(id, len(devs), testWorkSize)
		runs, _, _ := d.history()
		if len(runs) < batches {
			t.Fatalf("device %d ran %d batches, want at least %d", id, len(runs), batches)
		}
		for i, start := range runs {
			if want := rng.Offset + uint32(i)*testWorkSize; start != want {
				t.Errorf("device %d run %d started at %d, want %d", id, i, start, want)
			}
		}
	}
}

func TestWorkAdoptionAfterShare(t *testing.T) {
	tests := []struct {
		name        string
		jobID       string
		seed        uint32
		clean       bool
		wantAdopted bool
	}{
		{"same job new extranonce", "job1", 50, false, false},
		{"new job id", "job2", 50, false, true},
		{"clean job same id", "job1", 50, true, true},
		{"identical header", "job2", 1, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pass, _ := pickResults(t)
			dev := &fakeDevice{
				name:    "gpu0",
				scripts: []batchScript{{count: 1, first: 2}},
				results: map[uint32][8]uint32{2: pass[0]},
			}
			q := submit.NewQueue()
			c, state := newTestCoordinator(t, Config{}, q, dev)
			publishTestWork(state)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			dev.onRun = func(n int) {
				switch n {
				case 1:
					state.Publish(func(w *work.Work) { fillTestWork(w, tt.jobID, tt.seed, tt.clean) })
				case 2:
					cancel()
				}
			}

			if err := waitDone(t, runAsync(ctx, c)); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			share := popShare(t, q)
			if share.Work.JobID != "job1" {
				t.Errorf("share job = %q, want job1", share.Work.JobID)
			}

			runs, kernel, _ := dev.history()
			if len(runs) != 2 {
				t.Fatalf("runs = %v, want 2 batches", runs)
			}
			if tt.wantAdopted {
				if len(kernel) != 2 || runs[1] != 0 {
					t.Errorf("work not adopted: uploads=%d second start=%d", len(kernel), runs[1])
				}
			} else if len(kernel) != 1 || runs[1] != testWorkSize {
				t.Errorf("work adopted mid-range: uploads=%d second start=%d", len(kernel), runs[1])
			}
		})
	}
}
