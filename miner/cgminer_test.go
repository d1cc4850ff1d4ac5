package miner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashworknet/hashwork/miner"
	"github.com/hashworknet/hashwork/shared"
)

// fakeCGMiner answers the TCP JSON API the way cgminer does: read the
// request to EOF, write one NUL-terminated reply, close.
type fakeCGMiner struct {
	mu      sync.Mutex
	handler func(cmd, param string) any
	calls   [][2]string
}

func newFakeCGMiner(t *testing.T, handler func(cmd, param string) any) (*fakeCGMiner, string) {
	t.Helper()
	f := &fakeCGMiner{handler: handler}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f, ln.Addr().String()
}

func (f *fakeCGMiner) serve(conn net.Conn) {
	defer conn.Close()
	raw, err := io.ReadAll(conn)
	if err != nil {
		return
	}
	var req struct {
		Command   string `json:"command"`
		Parameter string `json:"parameter"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &req); err != nil {
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, [2]string{req.Command, req.Parameter})
	reply := f.handler(req.Command, req.Parameter)
	f.mu.Unlock()

	var out []byte
	switch v := reply.(type) {
	case []byte:
		out = v
	default:
		out, err = json.Marshal(v)
		if err != nil {
			return
		}
	}
	_, _ = conn.Write(append(out, 0))
}

func (f *fakeCGMiner) lastCall() [2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return [2]string{}
	}
	return f.calls[len(f.calls)-1]
}

func cgOK(sections map[string]any) map[string]any {
	reply := map[string]any{
		"STATUS": []map[string]any{{"STATUS": "S", "Code": 11, "Msg": "ok", "Description": "cgminer 4.3.5"}},
	}
	for k, v := range sections {
		reply[k] = v
	}
	return reply
}

func testDevsRows() []map[string]any {
	return []map[string]any{
		{
			"ID": 0, "Name": "ICA", "Enabled": "Y", "Status": "Alive",
			"Temperature": 61.5, "KHS 5s": 312.5,
			"Accepted": 1000, "Rejected": 4, "Hardware Errors": 3,
		},
		{
			"ID": 1, "Name": "ICA", "Enabled": "N", "Status": "Dead",
			"Temperature": 0.0, "KHS 5s": 0.0,
			"Accepted": 0, "Rejected": 0, "Hardware Errors": 0,
		},
	}
}

func TestCGMinerClientParsesReplies(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	_, addr := newFakeCGMiner(t, func(cmd, _ string) any {
		switch cmd {
		case "version":
			return cgOK(map[string]any{"VERSION": []map[string]any{{"CGMiner": "4.3.5", "API": "1.26"}}})
		case "summary":
			return cgOK(map[string]any{"SUMMARY": []map[string]any{{
				"Elapsed": 3600, "KHS 5s": 625.0,
				"Accepted": 2000, "Rejected": 8, "Hardware Errors": 6,
			}}})
		case "devs":
			return cgOK(map[string]any{"DEVS": testDevsRows()})
		default:
			return cgOK(nil)
		}
	})
	client := miner.NewCGMinerClient(addr)
	ctx := context.Background()

	version, api, err := client.Version(ctx)
	req.NoError(err)
	req.Equal("4.3.5", version)
	req.Equal("1.26", api)

	summary, err := client.Summary(ctx)
	req.NoError(err)
	req.Equal(uint64(3600), summary.Elapsed)
	req.Equal(625.0, summary.KHS5s)
	req.Equal(uint64(2000), summary.Accepted)
	req.Equal(uint64(6), summary.HardwareErrors)

	devs, err := client.Devs(ctx)
	req.NoError(err)
	req.Len(devs, 2)
	req.Equal(0, devs[0].ID)
	req.Equal("Y", devs[0].Enabled)
	req.Equal(61.5, devs[0].Temperature)
	req.Equal(312.5, devs[0].KHS5s)
	req.Equal(uint64(3), devs[0].HardwareErrors)
	req.Equal("N", devs[1].Enabled)
}

func TestCGMinerClientReportsErrorStatus(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	_, addr := newFakeCGMiner(t, func(_, _ string) any {
		return map[string]any{
			"STATUS": []map[string]any{{"STATUS": "E", "Code": 14, "Msg": "Invalid command"}},
		}
	})
	client := miner.NewCGMinerClient(addr)

	_, err := client.Devs(context.Background())
	req.ErrorContains(err, "Invalid command")
	req.ErrorContains(err, "code 14")
}

func TestCGMinerClientHandlesConcatenatedReply(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	first, err := json.Marshal(cgOK(map[string]any{"SUMMARY": []map[string]any{{"KHS 5s": 625.0}}}))
	require.NoError(t, err)
	second, err := json.Marshal(cgOK(map[string]any{"DEVS": testDevsRows()}))
	require.NoError(t, err)

	_, addr := newFakeCGMiner(t, func(_, _ string) any {
		return append(append([]byte{}, first...), second...)
	})
	client := miner.NewCGMinerClient(addr)

	devs, err := client.Devs(context.Background())
	req.NoError(err)
	req.Len(devs, 2)
	req.Equal(61.5, devs[0].Temperature)
}

func TestCGMinerClientRetryGivesUpOnDeadline(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	addr := ln.Addr().String()
	req.NoError(ln.Close())

	client := miner.NewCGMinerClient(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, _, err = client.Version(ctx)
	req.ErrorIs(err, context.DeadlineExceeded)
}

func TestCGMinerClientControlCommands(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	fake, addr := newFakeCGMiner(t, func(_, _ string) any { return cgOK(nil) })
	client := miner.NewCGMinerClient(addr)
	ctx := context.Background()

	req.NoError(client.DisableDevice(ctx, 3))
	req.Equal([2]string{"gpudisable", "3"}, fake.lastCall())

	req.NoError(client.EnableDevice(ctx, 3))
	req.Equal([2]string{"gpuenable", "3"}, fake.lastCall())

	req.NoError(client.Restart(ctx))
	req.Equal([2]string{"restart", ""}, fake.lastCall())
}

func TestCGMinerDeviceJobLifecycle(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	polls := 0
	fake, addr := newFakeCGMiner(t, func(cmd, param string) any {
		switch cmd {
		case "job":
			return cgOK(map[string]any{"JOB": []map[string]any{{"Job ID": "j1", "Status": "pending"}}})
		case "jobstatus":
			polls++
			if polls == 1 {
				return cgOK(map[string]any{"JOB": []map[string]any{{
					"Job ID": param, "Status": "pending",
					"Temperature": 61.5, "KHS 5s": 256.0,
				}}})
			}
			return cgOK(map[string]any{"JOB": []map[string]any{{
				"Job ID": param, "Status": "found", "Nonce": 77,
				"Temperature": 62.0, "KHS 5s": 258.0,
			}}})
		default:
			return cgOK(nil)
		}
	})
	client := miner.NewCGMinerClient(addr)
	dev := miner.NewCGMinerDevice(client, 0)
	ctx := context.Background()

	req.Equal("cgminer-0", dev.ID())

	jobID, err := dev.Submit(ctx, miner.Job{
		Header:    testHeader(t),
		Target:    shared.TargetFromDifficulty(testDifficulty),
		Algorithm: shared.AlgoSHA256,
		Start:     0,
		End:       1 << 31,
	})
	req.NoError(err)
	req.Equal("j1", jobID)

	res, err := dev.Poll(ctx, jobID)
	req.NoError(err)
	req.Equal(miner.JobPending, res.Status)
	req.Equal(61.5, res.Telemetry.Temperature)
	req.Equal(256.0, res.Telemetry.HashrateKHS)

	res, err = dev.Poll(ctx, jobID)
	req.NoError(err)
	req.Equal(miner.JobFound, res.Status)
	req.Equal(uint32(77), res.Nonce)

	req.NoError(dev.Cancel(ctx, jobID))
	req.Equal([2]string{"jobcancel", "j1"}, fake.lastCall())
}

func TestCGMinerDevicePing(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	_, addr := newFakeCGMiner(t, func(cmd, _ string) any {
		if cmd == "devs" {
			return cgOK(map[string]any{"DEVS": testDevsRows()})
		}
		return cgOK(nil)
	})
	client := miner.NewCGMinerClient(addr)
	ctx := context.Background()

	tele, err := miner.NewCGMinerDevice(client, 0).Ping(ctx)
	req.NoError(err)
	req.Equal(61.5, tele.Temperature)
	req.Equal(312.5, tele.HashrateKHS)
	req.Equal(uint64(1000), tele.Accepted)
	req.Equal(uint64(3), tele.HardwareErrors)

	_, err = miner.NewCGMinerDevice(client, 1).Ping(ctx)
	req.ErrorContains(err, "disabled")

	_, err = miner.NewCGMinerDevice(client, 9).Ping(ctx)
	req.ErrorContains(err, "not in devs")
}

func TestNewCGMinerDevicesSkipsDisabled(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	_, addr := newFakeCGMiner(t, func(cmd, _ string) any {
		if cmd == "devs" {
			return cgOK(map[string]any{"DEVS": testDevsRows()})
		}
		return cgOK(nil)
	})

	links, err := miner.NewCGMinerDevices(context.Background(), miner.NewCGMinerClient(addr))
	req.NoError(err)
	req.Len(links, 1)
	req.Equal("cgminer-0", links[0].ID())
}
