package miner

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// DefaultCGMinerAddr is where a locally running cgminer listens.
const DefaultCGMinerAddr = "127.0.0.1:4028"

const (
	cgminerTimeout    = 5 * time.Second
	cgminerRetries    = 3
	cgminerRetryDelay = time.Second
)

// CGMinerClient speaks the cgminer TCP JSON API: one connection per
// request, a newline-terminated command, half-close, then a read to
// EOF.
type CGMinerClient struct {
	addr   string
	dialer net.Dialer
}

func NewCGMinerClient(addr string) *CGMinerClient {
	if addr == "" {
		addr = DefaultCGMinerAddr
	}
	return &CGMinerClient{addr: addr, dialer: net.Dialer{Timeout: cgminerTimeout}}
}

type cgRequest struct {
	Command   string `json:"command"`
	Parameter string `json:"parameter,omitempty"`
}

type cgStatus struct {
	Status      string `json:"STATUS"`
	Code        int    `json:"Code"`
	Msg         string `json:"Msg"`
	Description string `json:"Description"`
}

type cgVersion struct {
	CGMiner string `json:"CGMiner"`
	API     string `json:"API"`
}

// CGMinerDev is one device row from a DEVS reply. The spaced json
// keys are cgminer's own.
type CGMinerDev struct {
	ID             int     `json:"ID"`
	Name           string  `json:"Name"`
	Enabled        string  `json:"Enabled"`
	Status         string  `json:"Status"`
	Temperature    float64 `json:"Temperature"`
	KHS5s          float64 `json:"KHS 5s"`
	Accepted       uint64  `json:"Accepted"`
	Rejected       uint64  `json:"Rejected"`
	HardwareErrors uint64  `json:"Hardware Errors"`
}

// CGMinerSummary is the aggregate SUMMARY reply.
type CGMinerSummary struct {
	Elapsed        uint64  `json:"Elapsed"`
	KHS5s          float64 `json:"KHS 5s"`
	Accepted       uint64  `json:"Accepted"`
	Rejected       uint64  `json:"Rejected"`
	HardwareErrors uint64  `json:"Hardware Errors"`
}

type cgJobReply struct {
	JobID          string  `json:"Job ID"`
	Status         string  `json:"Status"`
	Nonce          uint32  `json:"Nonce"`
	Temperature    float64 `json:"Temperature"`
	KHS5s          float64 `json:"KHS 5s"`
	Accepted       uint64  `json:"Accepted"`
	Rejected       uint64  `json:"Rejected"`
	HardwareErrors uint64  `json:"Hardware Errors"`
}

type cgEnvelope struct {
	Status  []cgStatus       `json:"STATUS"`
	Version []cgVersion      `json:"VERSION"`
	Summary []CGMinerSummary `json:"SUMMARY"`
	Devs    []CGMinerDev     `json:"DEVS"`
	Jobs    []cgJobReply     `json:"JOB"`
}

func (e *cgEnvelope) err() error {
	if len(e.Status) == 0 {
		return errors.New("reply missing status section")
	}
	if s := e.Status[0]; s.Status == "E" {
		return fmt.Errorf("%s (code %d)", s.Msg, s.Code)
	}
	return nil
}

func (c *CGMinerClient) query(ctx context.Context, command, parameter string) (*cgEnvelope, error) {
	var lastErr error
	for attempt := 0; attempt < cgminerRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cgminerRetryDelay):
			}
		}
		env, err := c.queryOnce(ctx, command, parameter)
		if err == nil {
			if err := env.err(); err != nil {
				return nil, fmt.Errorf("cgminer %s: %w", command, err)
			}
			return env, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("cgminer %s after %d attempts: %w", command, cgminerRetries, lastErr)
}

func (c *CGMinerClient) queryOnce(ctx context.Context, command, parameter string) (*cgEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, cgminerTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	req, err := json.Marshal(cgRequest{Command: command, Parameter: parameter})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	// Half-close tells the API the request is complete; it replies
	// and closes.
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return nil, fmt.Errorf("half-closing: %w", err)
		}
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	return parseCGMinerReply(raw)
}

// parseCGMinerReply handles the API's NUL terminator and the
// concatenated-objects form multi-part commands produce.
func parseCGMinerReply(raw []byte) (*cgEnvelope, error) {
	raw = bytes.TrimRight(raw, "\x00\n ")
	if len(raw) == 0 {
		return nil, errors.New("empty reply")
	}
	if bytes.Contains(raw, []byte("}{")) {
		fixed := append([]byte{'['}, bytes.ReplaceAll(raw, []byte("}{"), []byte("},{"))...)
		fixed = append(fixed, ']')
		var parts []cgEnvelope
		if err := json.Unmarshal(fixed, &parts); err != nil {
			return nil, fmt.Errorf("decoding concatenated reply: %w", err)
		}
		var merged cgEnvelope
		for _, p := range parts {
			merged.Status = append(merged.Status, p.Status...)
			merged.Version = append(merged.Version, p.Version...)
			merged.Summary = append(merged.Summary, p.Summary...)
			merged.Devs = append(merged.Devs, p.Devs...)
			merged.Jobs = append(merged.Jobs, p.Jobs...)
		}
		return &merged, nil
	}
	var env cgEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	return &env, nil
}

// Version returns the cgminer and API version strings.
func (c *CGMinerClient) Version(ctx context.Context) (string, string, error) {
	env, err := c.query(ctx, "version", "")
	if err != nil {
		return "", "", err
	}
	if len(env.Version) == 0 {
		return "", "", errors.New("cgminer version: reply missing version section")
	}
	return env.Version[0].CGMiner, env.Version[0].API, nil
}

// Summary returns the aggregate mining statistics.
func (c *CGMinerClient) Summary(ctx context.Context) (CGMinerSummary, error) {
	env, err := c.query(ctx, "summary", "")
	if err != nil {
		return CGMinerSummary{}, err
	}
	if len(env.Summary) == 0 {
		return CGMinerSummary{}, errors.New("cgminer summary: reply missing summary section")
	}
	return env.Summary[0], nil
}

// Devs lists the devices cgminer manages.
func (c *CGMinerClient) Devs(ctx context.Context) ([]CGMinerDev, error) {
	env, err := c.query(ctx, "devs", "")
	if err != nil {
		return nil, err
	}
	return env.Devs, nil
}

// EnableDevice puts a device back into cgminer's own rotation.
func (c *CGMinerClient) EnableDevice(ctx context.Context, dev int) error {
	_, err := c.query(ctx, "gpuenable", strconv.Itoa(dev))
	return err
}

// DisableDevice takes a device out of cgminer's own rotation.
func (c *CGMinerClient) DisableDevice(ctx context.Context, dev int) error {
	_, err := c.query(ctx, "gpudisable", strconv.Itoa(dev))
	return err
}

// Restart asks cgminer to restart itself.
func (c *CGMinerClient) Restart(ctx context.Context) error {
	_, err := c.query(ctx, "restart", "")
	return err
}

// CGMinerDevice adapts one device slot behind a cgminer API endpoint
// to the DeviceLink interface. Job push rides the vendor firmware's
// job/jobstatus/jobcancel extension commands; stock cgminer reports
// work but cannot accept it.
type CGMinerDevice struct {
	client *CGMinerClient
	dev    int
	id     string
}

func NewCGMinerDevice(client *CGMinerClient, dev int) *CGMinerDevice {
	return &CGMinerDevice{client: client, dev: dev, id: fmt.Sprintf("cgminer-%d", dev)}
}

// NewCGMinerDevices wraps every enabled device the endpoint reports.
func NewCGMinerDevices(ctx context.Context, client *CGMinerClient) ([]DeviceLink, error) {
	devs, err := client.Devs(ctx)
	if err != nil {
		return nil, err
	}
	links := make([]DeviceLink, 0, len(devs))
	for _, d := range devs {
		if d.Enabled != "Y" {
			continue
		}
		links = append(links, NewCGMinerDevice(client, d.ID))
	}
	return links, nil
}

func (d *CGMinerDevice) ID() string { return d.id }

func (d *CGMinerDevice) Submit(ctx context.Context, job Job) (string, error) {
	param := fmt.Sprintf("%d,%s,%s,%s,%d,%d",
		d.dev, job.Algorithm,
		hex.EncodeToString(job.Header), hex.EncodeToString(job.Target),
		job.Start, job.End)
	env, err := d.client.query(ctx, "job", param)
	if err != nil {
		return "", err
	}
	if len(env.Jobs) == 0 {
		return "", errors.New("job reply missing handle")
	}
	return env.Jobs[0].JobID, nil
}

func (d *CGMinerDevice) Poll(ctx context.Context, jobID string) (JobResult, error) {
	env, err := d.client.query(ctx, "jobstatus", jobID)
	if err != nil {
		return JobResult{}, err
	}
	if len(env.Jobs) == 0 {
		return JobResult{}, errors.New("jobstatus reply missing job")
	}
	j := env.Jobs[0]
	res := JobResult{
		Nonce: j.Nonce,
		Telemetry: Telemetry{
			Temperature:    j.Temperature,
			HashrateKHS:    j.KHS5s,
			Accepted:       j.Accepted,
			Rejected:       j.Rejected,
			HardwareErrors: j.HardwareErrors,
		},
	}
	switch j.Status {
	case "pending":
		res.Status = JobPending
	case "found":
		res.Status = JobFound
	case "fault":
		res.Status = JobFault
	default:
		return JobResult{}, fmt.Errorf("unknown job status %q", j.Status)
	}
	return res, nil
}

func (d *CGMinerDevice) Cancel(ctx context.Context, jobID string) error {
	_, err := d.client.query(ctx, "jobcancel", jobID)
	return err
}

func (d *CGMinerDevice) Ping(ctx context.Context) (Telemetry, error) {
	devs, err := d.client.Devs(ctx)
	if err != nil {
		return Telemetry{}, err
	}
	for _, row := range devs {
		if row.ID != d.dev {
			continue
		}
		if row.Enabled != "Y" {
			return Telemetry{}, fmt.Errorf("device %d disabled", d.dev)
		}
		return Telemetry{
			Temperature:    row.Temperature,
			HashrateKHS:    row.KHS5s,
			Accepted:       row.Accepted,
			Rejected:       row.Rejected,
			HardwareErrors: row.HardwareErrors,
		}, nil
	}
	return Telemetry{}, fmt.Errorf("device %d not in devs reply", d.dev)
}

// Close is a no-op: the client opens one connection per query.
func (d *CGMinerDevice) Close() error { return nil }
