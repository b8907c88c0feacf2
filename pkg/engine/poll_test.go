package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const pollModel = `
hosts:
  zeus:
    hostname: zeus.example.com
  ares:
    hostname: ares.example.com
aspects:
  disks:
    polls:
      capacity:
        interval: 5ms
        tasks:
          - task: command
            scope:
              cmd: df
`

func TestPollerTicksAllHosts(t *testing.T) {
	reg := loadReg(t, pollModel)

	var probes int32
	run := func(ctx context.Context, p *PollDef, host *HostDef) error {
		atomic.AddInt32(&probes, 1)
		return nil
	}
	hosts := func(p *PollDef) ([]*HostDef, error) { return reg.Hosts(), nil }

	poller := NewPoller(reg, run, hosts, zerolog.Nop())
	poller.Start(context.Background())
	defer poller.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&probes) < 4 {
		select {
		case <-deadline:
			t.Fatalf("expected at least two full ticks, got %d probes", atomic.LoadInt32(&probes))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollerStopWaitsAndStops(t *testing.T) {
	reg := loadReg(t, pollModel)

	var probes int32
	run := func(ctx context.Context, p *PollDef, host *HostDef) error {
		atomic.AddInt32(&probes, 1)
		return nil
	}
	hosts := func(p *PollDef) ([]*HostDef, error) { return reg.Hosts(), nil }

	poller := NewPoller(reg, run, hosts, zerolog.Nop())
	poller.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&probes) == 0 {
		select {
		case <-deadline:
			t.Fatal("poll never ticked")
		case <-time.After(5 * time.Millisecond):
		}
	}
	poller.Stop()

	settled := atomic.LoadInt32(&probes)
	time.Sleep(30 * time.Millisecond)
	if after := atomic.LoadInt32(&probes); after != settled {
		t.Errorf("poll kept ticking after Stop: %d -> %d", settled, after)
	}
}

func TestPollerStartTwiceIsIgnored(t *testing.T) {
	reg := loadReg(t, pollModel)
	run := func(ctx context.Context, p *PollDef, host *HostDef) error { return nil }
	hosts := func(p *PollDef) ([]*HostDef, error) { return nil, nil }

	poller := NewPoller(reg, run, hosts, zerolog.Nop())
	ctx := context.Background()
	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
}
