// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/rctrace/backends"
	"github.com/gomlx/rctrace/backends/simplego"
	"github.com/gomlx/rctrace/internal/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newDriver(t *testing.T, config string) *simplego.Backend {
	driver, err := simplego.NewBackend(config)
	require.NoError(t, err)
	t.Cleanup(driver.Finalize)
	return driver
}

// counts returns the counts observed in iteration, in order.
func counts(t *testing.T, report *Report, iteration int) []int {
	var result []int
	for _, o := range report.Observations {
		if o.Iteration == iteration {
			require.NoError(t, o.Err)
			result = append(result, o.Count)
		}
	}
	return result
}

func TestCheckpoints(t *testing.T) {
	assert.Equal(t, "creation", CheckpointCreation.String())
	assert.Equal(t, "setting argument", CheckpointSetArg.String())
	assert.Equal(t, "enqueueing kernel", CheckpointEnqueue.String())
	assert.Equal(t, "waiting for kernel", CheckpointWait.String())
	assert.Equal(t, "Checkpoint(7)", Checkpoint(7).String())
	assert.True(t, ModeNoEvent.Reports(CheckpointEnqueue))
	assert.False(t, ModeNoEvent.Reports(CheckpointWait))
	assert.False(t, ModeWaited.Reports(CheckpointEnqueue))
	assert.Equal(t, "waited", ModeWaited.String())
}

func TestFindDevice(t *testing.T) {
	driver := newDriver(t, "platforms=cpu")
	device, found, err := FindDevice(driver, backends.DeviceTypeCPU)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, backends.DeviceTypeCPU, device.Type())

	// No device of the class is not an error.
	device, found, err = FindDevice(driver, backends.DeviceTypeGPU)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, device)

	cfg := DefaultConfig()
	_, err = Run(context.Background(), driver, cfg, ModeNoEvent, nil)
	assert.True(t, backends.IsKind(err, backends.SetupError), "got %v", err)
}

func TestRun(t *testing.T) {
	testCases := []struct {
		name          string
		config        string
		deviceType    backends.DeviceType
		noEvent       []int
		noEventLeaked int
		waited        []int
	}{
		// Kernel keeps the in-flight reference until its event is released: without an event, it leaks.
		{"gpu", "", backends.DeviceTypeGPU, []int{1, 2, 3}, 1, []int{1, 2, 2}},
		// No in-flight reference at all.
		{"cpu", "", backends.DeviceTypeCPU, []int{1, 2, 2}, 0, []int{1, 2, 2}},
		// In-flight reference until the kernel completes, which the latency delays.
		{"complete", "policy=complete,latency=20ms", backends.DeviceTypeGPU, []int{1, 2, 3}, 0, []int{1, 2, 2}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			driver := newDriver(t, tc.config)
			cfg := DefaultConfig()
			cfg.DeviceType = tc.deviceType

			var observed []Observation
			report, err := Run(context.Background(), driver, cfg, ModeNoEvent, func(o Observation) {
				observed = append(observed, o)
			})
			require.NoError(t, err)
			assert.Equal(t, tc.noEvent, counts(t, report, 0))
			assert.Equal(t, report.Observations, observed)
			assert.Equal(t, tc.noEventLeaked, report.LeakedBuffers)
			assert.Empty(t, report.Check())

			report, err = Run(context.Background(), driver, cfg, ModeWaited, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.waited, counts(t, report, 0))
			assert.Equal(t, 0, report.LeakedBuffers)
			assert.Empty(t, report.Check())
			o, found := report.Observation(0, CheckpointWait)
			require.True(t, found)
			assert.Equal(t, ModeWaited, o.Mode)
		})
	}
}

func TestRun_Iterations(t *testing.T) {
	driver := newDriver(t, "")
	cfg := DefaultConfig()
	cfg.IterationCount = 3
	cfg.ElemCount = 10_000

	report, err := Run(context.Background(), driver, cfg, ModeNoEvent, nil)
	require.NoError(t, err)
	require.Len(t, report.Observations, 9)
	for iteration := range 3 {
		// The previous buffer is released when the new one is bound, but its in-flight reference is not.
		assert.Equal(t, []int{1, 2, 3}, counts(t, report, iteration))
	}
	assert.Equal(t, 3, report.LeakedBuffers)

	report, err = Run(context.Background(), driver, cfg, ModeWaited, nil)
	require.NoError(t, err)
	for iteration := range 3 {
		assert.Equal(t, []int{1, 2, 2}, counts(t, report, iteration))
	}
	assert.Equal(t, 0, report.LeakedBuffers)
	assert.Equal(t, 3, driver.LiveBuffers(), "only the buffers leaked by the no-event run should be alive")
}

func TestRun_NoEventWithLatency(t *testing.T) {
	// Commands are still queued when their buffers are released by the next iteration.
	driver := newDriver(t, "latency=10ms,platforms=cpu")
	cfg := DefaultConfig()
	cfg.DeviceType = backends.DeviceTypeCPU
	cfg.IterationCount = 3
	cfg.ElemCount = 10_000

	report, err := Run(context.Background(), driver, cfg, ModeNoEvent, nil)
	require.NoError(t, err)
	for iteration := range 3 {
		assert.Equal(t, []int{1, 2, 2}, counts(t, report, iteration))
	}
	assert.Equal(t, 0, report.LeakedBuffers)
	assert.Empty(t, report.Check())
	completed, faults := driver.Executed()
	assert.Equal(t, 3, completed, "every enqueued command should have executed")
	assert.Equal(t, 0, faults)
}

func TestRun_DTypes(t *testing.T) {
	driver := newDriver(t, "")
	for _, dtype := range backends.SupportedDTypes {
		cfg := DefaultConfig()
		cfg.DType = dtype
		cfg.ElemCount = 1000
		report, err := Run(context.Background(), driver, cfg, ModeWaited, nil)
		require.NoError(t, err, "dtype %s", dtype)
		assert.Equal(t, []int{1, 2, 2}, counts(t, report, 0))
	}
	_, err := KernelSource(dtypes.Int8)
	assert.Error(t, err)
}

func TestRun_QueryUnsupported(t *testing.T) {
	driver := newDriver(t, "refquery=false")
	cfg := DefaultConfig()
	cfg.ElemCount = 1000
	report, err := Run(context.Background(), driver, cfg, ModeNoEvent, nil)
	require.NoError(t, err, "failing to query the count is not fatal")
	require.Len(t, report.Observations, 3)
	for _, o := range report.Observations {
		assert.False(t, o.Ok())
		assert.True(t, backends.IsKind(o.Err, backends.QueryError), "got %v", o.Err)
	}
	assert.Empty(t, report.Check())
}

func newTestSession(t *testing.T, config string, elemCount int) *Session {
	cfg := DefaultConfig()
	cfg.ElemCount = elemCount
	session, err := Setup(newDriver(t, config), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestSetup_Errors(t *testing.T) {
	driver := newDriver(t, "platforms=cpu")
	cfg := DefaultConfig()
	cfg.DeviceType = backends.DeviceTypeCPU
	cfg.DType = dtypes.Int32
	_, err := Setup(driver, cfg)
	assert.True(t, backends.IsKind(err, backends.SetupError), "got %v", err)
	assert.False(t, backends.IsKind(err, backends.CompilationError), "unsupported dtype is not a compilation error: %v", err)

	cfg = DefaultConfig()
	_, err = Setup(driver, cfg)
	assert.True(t, backends.IsKind(err, backends.SetupError), "no GPU device: got %v", err)
}

func TestTracker_Bind(t *testing.T) {
	session := newTestSession(t, "", 100)
	first := session.NewTracker(ModeNoEvent, 0, nil)
	defer func() { require.NoError(t, first.Release()) }()
	o := must.M1(first.Allocate())
	assert.Equal(t, 1, o.Count)
	o = must.M1(first.Bind(OutputSlot))
	assert.Equal(t, 2, o.Count)

	// Binding the second buffer releases the slot's reference to the first.
	second := session.NewTracker(ModeNoEvent, 1, nil)
	defer func() { require.NoError(t, second.Release()) }()
	must.M1(second.Allocate())
	o = must.M1(second.Bind(OutputSlot))
	assert.Equal(t, 2, o.Count)
	o = ObserveCount(first.Buffer(), ModeNoEvent, 0, CheckpointSetArg)
	assert.Equal(t, 1, o.Count)
	assert.Len(t, first.Observations(), 2)

	_, err := second.Bind("in")
	assert.True(t, backends.IsKind(err, backends.BindError), "got %v", err)
}

func TestTracker_Errors(t *testing.T) {
	session := newTestSession(t, "", 100)

	// Submitting with the slot unbound.
	tracker := session.NewTracker(ModeWaited, 0, nil)
	must.M1(tracker.Allocate())
	_, err := tracker.Submit(true)
	assert.True(t, backends.IsKind(err, backends.SubmitError), "got %v", err)

	// Waiting without a completion event.
	must.M1(tracker.Bind(OutputSlot))
	must.M1(tracker.Submit(false))
	_, err = tracker.Await(context.Background())
	assert.True(t, backends.IsKind(err, backends.WaitError), "got %v", err)
	require.NoError(t, tracker.Release())

	// Kernel fault: global work size larger than the buffer.
	tracker = session.NewTracker(ModeWaited, 1, nil)
	defer func() { require.NoError(t, tracker.Release()) }()
	must.M1(tracker.Allocate())
	must.M1(tracker.Bind(OutputSlot))
	session.Config.ElemCount = 200
	must.M1(tracker.Submit(true))
	_, err = tracker.Await(context.Background())
	assert.True(t, backends.IsKind(err, backends.WaitError), "got %v", err)
}

func TestTracker_AwaitCancelled(t *testing.T) {
	session := newTestSession(t, "latency=200ms", 100)
	tracker := session.NewTracker(ModeWaited, 0, nil)
	defer func() { require.NoError(t, tracker.Release()) }()
	must.M1(tracker.Allocate())
	must.M1(tracker.Bind(OutputSlot))
	must.M1(tracker.Submit(true))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tracker.Await(ctx)
	assert.True(t, backends.IsKind(err, backends.WaitError), "got %v", err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Len(t, tracker.Observations(), 2, "no observation after an abandoned wait")
}

func TestReport_Check(t *testing.T) {
	cfg := DefaultConfig()
	report := &Report{Mode: ModeWaited, Config: cfg, Observations: []Observation{
		{Mode: ModeWaited, Checkpoint: CheckpointCreation, Count: 1},
		{Mode: ModeWaited, Checkpoint: CheckpointSetArg, Count: 2},
		{Mode: ModeWaited, Checkpoint: CheckpointWait, Count: 3},
	}}
	violations := report.Check()
	require.Len(t, violations, 1)
	assert.Equal(t, CheckpointWait, violations[0].Checkpoint)
	assert.Equal(t, "iteration 0, after waiting for kernel: count is 3, expected 2 as after setting argument",
		violations[0].String())

	report = &Report{Mode: ModeNoEvent, Config: cfg, Observations: []Observation{
		{Checkpoint: CheckpointCreation, Count: 2},
		{Checkpoint: CheckpointSetArg, Count: 3},
		{Checkpoint: CheckpointEnqueue, Count: 1},
	}}
	violations = report.Check()
	require.Len(t, violations, 2)
	assert.Equal(t, CheckpointCreation, violations[0].Checkpoint)
	assert.Equal(t, CheckpointEnqueue, violations[1].Checkpoint)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rctrace.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver = "sim:policy=complete"
iteration_count = 3
device_type = "cpu"
dtype = "f64"
`), 0o644))
	cfg := DefaultConfig()
	driverConfig, err := LoadConfigFile(path, &cfg)
	require.NoError(t, err)
	assert.Equal(t, "sim:policy=complete", driverConfig)
	assert.Equal(t, 3, cfg.IterationCount)
	assert.Equal(t, 1_000_000, cfg.ElemCount, "not set in the file")
	assert.Equal(t, backends.DeviceTypeCPU, cfg.DeviceType)
	assert.Equal(t, dtypes.Float64, cfg.DType)
	require.NoError(t, cfg.Validate())

	require.NoError(t, os.WriteFile(path, []byte("elem_counts = 10\n"), 0o644))
	_, err = LoadConfigFile(path, &cfg)
	assert.ErrorContains(t, err, "elem_counts")

	require.NoError(t, os.WriteFile(path, []byte("device_type = \"fpga\"\n"), 0o644))
	_, err = LoadConfigFile(path, &cfg)
	assert.Error(t, err)

	cfg.ElemCount = 0
	assert.Error(t, cfg.Validate())
}

func TestMultiObserver(t *testing.T) {
	var first, second []Checkpoint
	observer := MultiObserver(
		func(o Observation) { first = append(first, o.Checkpoint) },
		nil,
		func(o Observation) { second = append(second, o.Checkpoint) })
	observer(Observation{Checkpoint: CheckpointSetArg})
	assert.Equal(t, []Checkpoint{CheckpointSetArg}, first)
	assert.Equal(t, first, second)
}
