package miner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	simulatedHealthyTemp = 52.0
	simulatedFaultyTemp  = 95.0
)

// SimulatedDevice is an in-process DeviceLink backed by the software
// scanner. It stands in for solver hardware in tests and on hosts
// without an attached unit.
type SimulatedDevice struct {
	id    string
	delay time.Duration // minimum solve latency

	faulty   atomic.Bool
	accepted atomic.Uint64

	mu   sync.Mutex
	seq  int
	jobs map[string]*simulatedJob
	khs  float64
}

type simulatedJob struct {
	cancel context.CancelFunc
	done   chan struct{}
	res    JobResult // written before done closes
}

func NewSimulatedDevice(id string, delay time.Duration) *SimulatedDevice {
	return &SimulatedDevice{
		id:    id,
		delay: delay,
		jobs:  make(map[string]*simulatedJob),
	}
}

func (d *SimulatedDevice) ID() string { return d.id }

// SetFaulty flips the device into a failing state: polls report
// faults and pings run hot. Clearing it lets the next probe restore
// the device.
func (d *SimulatedDevice) SetFaulty(v bool) {
	d.faulty.Store(v)
}

func (d *SimulatedDevice) Submit(ctx context.Context, job Job) (string, error) {
	jctx, cancel := context.WithCancel(context.Background())
	j := &simulatedJob{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.seq++
	id := strconv.Itoa(d.seq)
	d.jobs[id] = j
	d.mu.Unlock()

	go d.work(jctx, j, job)
	return id, nil
}

func (d *SimulatedDevice) work(ctx context.Context, j *simulatedJob, job Job) {
	defer close(j.done)
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.delay):
		}
	}
	started := time.Now()
	res, err := ScanRange(ctx, job.Algorithm, job.Header, job.Target, job.Start, job.End, time.Time{})
	if err != nil {
		return
	}
	if elapsed := time.Since(started); elapsed > 0 && res.Tried > 0 {
		d.mu.Lock()
		d.khs = float64(res.Tried) / elapsed.Seconds() / 1000
		d.mu.Unlock()
	}
	if res.Found {
		d.accepted.Add(1)
		j.res = JobResult{Status: JobFound, Nonce: res.Nonce}
	}
}

func (d *SimulatedDevice) Poll(ctx context.Context, jobID string) (JobResult, error) {
	d.mu.Lock()
	j, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return JobResult{}, fmt.Errorf("simulated device %s: unknown job %s", d.id, jobID)
	}
	tele := d.telemetry()
	if d.faulty.Load() {
		return JobResult{Status: JobFault, Telemetry: tele}, nil
	}
	select {
	case <-j.done:
		res := j.res
		res.Telemetry = tele
		return res, nil
	default:
		return JobResult{Status: JobPending, Telemetry: tele}, nil
	}
}

func (d *SimulatedDevice) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	j, ok := d.jobs[jobID]
	delete(d.jobs, jobID)
	d.mu.Unlock()
	if ok {
		j.cancel()
	}
	return nil
}

func (d *SimulatedDevice) Ping(ctx context.Context) (Telemetry, error) {
	return d.telemetry(), nil
}

func (d *SimulatedDevice) telemetry() Telemetry {
	d.mu.Lock()
	khs := d.khs
	d.mu.Unlock()
	t := Telemetry{
		Temperature: simulatedHealthyTemp,
		HashrateKHS: khs,
		Accepted:    d.accepted.Load(),
	}
	if d.faulty.Load() {
		t.Temperature = simulatedFaultyTemp
	}
	return t
}

func (d *SimulatedDevice) Close() error {
	d.mu.Lock()
	jobs := d.jobs
	d.jobs = make(map[string]*simulatedJob)
	d.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
	}
	return nil
}
