package miner

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/shared"
)

var (
	deviceTemperatureMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "device_temperature_celsius",
		Help:      "Last reported device temperature",
	}, []string{"device"})

	deviceHashrateMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "device_hashrate_khs",
		Help:      "Last reported device hashrate",
	}, []string{"device"})

	devicesDegradedMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "devices_degraded",
		Help:      "Devices currently out of rotation",
	})

	deviceFaultsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "device_faults_total",
		Help:      "Faults reported by devices while solving",
	}, []string{"device"})
)

// JobStatus is a device's report on one submitted job.
type JobStatus uint8

const (
	JobPending JobStatus = iota
	JobFound
	JobFault
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobFound:
		return "found"
	case JobFault:
		return "fault"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// Telemetry is a device's self-reported operating state.
type Telemetry struct {
	Temperature    float64
	HashrateKHS    float64
	Accepted       uint64
	Rejected       uint64
	HardwareErrors uint64
}

// Job is one unit of search work handed to a device: scan the nonce
// range [Start, End) over the given work header.
type Job struct {
	Header    []byte
	Target    []byte
	Algorithm shared.HashAlgorithm
	Start     uint64
	End       uint64
}

// JobResult is a device's answer to a poll.
type JobResult struct {
	Status    JobStatus
	Nonce     uint32
	Telemetry Telemetry
}

// DeviceLink drives one attached solving unit. Submit hands over a
// job and returns a handle; Poll reports progress until the job is
// found, faulted or cancelled. Implementations must tolerate Cancel
// on finished jobs.
type DeviceLink interface {
	ID() string
	Submit(ctx context.Context, job Job) (string, error)
	Poll(ctx context.Context, jobID string) (JobResult, error)
	Cancel(ctx context.Context, jobID string) error
	Ping(ctx context.Context) (Telemetry, error)
	Close() error
}

// DeviceManager tracks attached devices and their health. A device
// that faults or reports unhealthy telemetry is pulled out of
// rotation and re-probed periodically until it recovers.
type DeviceManager struct {
	cfg     *Config
	devices []DeviceLink

	mu       sync.Mutex
	degraded map[string]string // device id -> reason
}

func NewDeviceManager(cfg *Config, devices ...DeviceLink) *DeviceManager {
	return &DeviceManager{
		cfg:      cfg,
		devices:  devices,
		degraded: make(map[string]string),
	}
}

// Devices returns every attached device, healthy or not.
func (m *DeviceManager) Devices() []DeviceLink {
	return m.devices
}

// Healthy returns the devices currently in rotation, in attach order.
func (m *DeviceManager) Healthy() []DeviceLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	healthy := make([]DeviceLink, 0, len(m.devices))
	for _, dev := range m.devices {
		if _, bad := m.degraded[dev.ID()]; !bad {
			healthy = append(healthy, dev)
		}
	}
	return healthy
}

// Degraded returns a snapshot of out-of-rotation devices and why.
func (m *DeviceManager) Degraded() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.degraded))
	for id, reason := range m.degraded {
		out[id] = reason
	}
	return out
}

// MarkDegraded pulls a device out of rotation. Repeated calls update
// the reason without re-logging.
func (m *DeviceManager) MarkDegraded(ctx context.Context, id, reason string) {
	m.mu.Lock()
	_, known := m.degraded[id]
	m.degraded[id] = reason
	n := len(m.degraded)
	m.mu.Unlock()

	devicesDegradedMetric.Set(float64(n))
	if !known {
		logging.FromContext(ctx).Warn("device degraded", zap.String("device", id), zap.String("reason", reason))
	}
}

func (m *DeviceManager) restore(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.degraded, id)
	n := len(m.degraded)
	m.mu.Unlock()

	devicesDegradedMetric.Set(float64(n))
	logging.FromContext(ctx).Info("device recovered", zap.String("device", id))
}

// evaluate grades telemetry against the health thresholds.
func (m *DeviceManager) evaluate(t Telemetry) (string, bool) {
	if t.Temperature > m.cfg.MaxTemperature {
		return fmt.Sprintf("temperature %.1f over limit %.1f", t.Temperature, m.cfg.MaxTemperature), false
	}
	if t.Accepted > 0 {
		if rate := float64(t.HardwareErrors) / float64(t.Accepted); rate > m.cfg.MaxErrorRate {
			return fmt.Sprintf("hardware error rate %.3f over limit %.3f", rate, m.cfg.MaxErrorRate), false
		}
	}
	return "", true
}

// Probe pings every device, refreshes its gauges and moves it in or
// out of rotation based on the returned telemetry.
func (m *DeviceManager) Probe(ctx context.Context) {
	for _, dev := range m.devices {
		id := dev.ID()
		tele, err := dev.Ping(ctx)
		if err != nil {
			m.MarkDegraded(ctx, id, fmt.Sprintf("ping failed: %v", err))
			continue
		}
		m.Observe(id, tele)

		reason, ok := m.evaluate(tele)
		m.mu.Lock()
		_, bad := m.degraded[id]
		m.mu.Unlock()
		switch {
		case !ok:
			m.MarkDegraded(ctx, id, reason)
		case bad:
			m.restore(ctx, id)
		}
	}
}

// Observe publishes one telemetry reading to the device gauges.
func (m *DeviceManager) Observe(id string, t Telemetry) {
	deviceTemperatureMetric.WithLabelValues(id).Set(t.Temperature)
	deviceHashrateMetric.WithLabelValues(id).Set(t.HashrateKHS)
}

// Run probes devices on the configured cadence until the context is
// cancelled.
func (m *DeviceManager) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("devices")
	ctx = logging.NewContext(ctx, logger)

	m.Probe(ctx)

	sched := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger)))))
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", m.cfg.ProbeInterval), func() { m.Probe(ctx) }); err != nil {
		return fmt.Errorf("scheduling device probe: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	<-ctx.Done()
	return nil
}

// Close shuts down every attached device.
func (m *DeviceManager) Close() error {
	var errs error
	for _, dev := range m.devices {
		if err := dev.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s: %w", dev.ID(), err))
		}
	}
	return errs
}
