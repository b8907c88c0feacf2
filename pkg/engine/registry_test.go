package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/opereon/opereon/pkg/model"
)

func loadTree(t *testing.T, src string) *model.Tree {
	t.Helper()
	tree, err := model.LoadYAML([]byte(src))
	if err != nil {
		t.Fatalf("loading model: %v", err)
	}
	return tree
}

func loadReg(t *testing.T, src string) *Registry {
	t.Helper()
	reg, err := LoadRegistry(loadTree(t, src))
	if err != nil {
		t.Fatalf("loading registry: %v", err)
	}
	return reg
}

const registryModel = `
hosts:
  zeus:
    hostname: zeus.example.com
    ssh_dest:
      port: 2222
      username: ops
  ares:
    hostname: ares.example.com
procs:
  sync-packages:
    proc: update
    label: Synchronize packages
    watch:
      ${$$hosts.*.packages[*]}: +-*
    run:
      - tasks:
          - task: command
            scope:
              cmd: true
  install-tool:
    proc: exec
    run:
      - tasks:
          - task: command
            scope:
              cmd: true
  verify-config:
    proc: check
    run:
      - tasks:
          - task: file-compare
            scope:
              src_path: etc/app.conf
              dst_path: /etc/app.conf
aspects:
  disks:
    events:
      alert: {}
      disk-full:
        extends: alert
    queries:
      usage:
        cache_interval: 30s
        tasks:
          - task: command
            scope:
              cmd: df
            output: json
    polls:
      capacity:
        interval: 1m
        tasks:
          - task: command
            scope:
              cmd: df
    on:
      alert:
        run:
          - tasks:
              - task: command
                scope:
                  cmd: notify
    fns:
      remount:
        tasks:
          - task: command
            scope:
              cmd: mount
    checks:
      mounts:
        proc: check
        run:
          - tasks:
              - task: command
                scope:
                  cmd: mountpoint
`

func TestLoadRegistry(t *testing.T) {
	reg := loadReg(t, registryModel)

	if len(reg.Hosts()) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(reg.Hosts()))
	}
	zeus := reg.Host("zeus")
	if zeus == nil || zeus.Hostname != "zeus.example.com" {
		t.Fatalf("zeus not registered: %+v", zeus)
	}
	if zeus.SSH.Port != 2222 || zeus.SSH.Username != "ops" {
		t.Errorf("ssh_dest not applied: %+v", zeus.SSH)
	}
	ares := reg.Host("ares")
	if ares.SSH.Port != 22 || ares.SSH.Host != "ares.example.com" {
		t.Errorf("ssh defaults not applied: %+v", ares.SSH)
	}
	if reg.HostByHostname("ares.example.com") != ares {
		t.Error("HostByHostname lookup failed")
	}

	sync := reg.Proc("sync-packages")
	if sync == nil || sync.Kind != ProcUpdate {
		t.Fatalf("sync-packages not registered as update proc")
	}
	if sync.Label != "Synchronize packages" {
		t.Errorf("label not applied: %q", sync.Label)
	}
	if len(sync.Watches) != 1 || !sync.Watches[0].Mask.Has(model.ChangeRemoved) {
		t.Errorf("watch entry not parsed: %+v", sync.Watches)
	}

	ups := reg.UpdateProcs()
	if len(ups) != 1 || ups[0].Name != "sync-packages" {
		t.Errorf("UpdateProcs = %v", ups)
	}

	// Aspect checks register as procs under their qualified name.
	if p := reg.Proc("disks.mounts"); p == nil || p.Kind != ProcCheck {
		t.Error("aspect check not registered as proc")
	}
	if q := reg.Query("disks.usage"); q == nil || q.CacheInterval != 30*time.Second {
		t.Error("query not registered")
	}
	if f := reg.Fn("disks.remount"); f == nil {
		t.Error("fn not registered")
	}
	if len(reg.Aspects()) != 1 || len(reg.Aspects()[0].Polls) != 1 {
		t.Error("poll not registered")
	}
}

func TestEventIsA(t *testing.T) {
	reg := loadReg(t, registryModel)

	if !reg.EventIsA("disk-full", "alert") {
		t.Error("disk-full should be an alert through extends")
	}
	if !reg.EventIsA("alert", "alert") {
		t.Error("a type is itself")
	}
	if reg.EventIsA("alert", "disk-full") {
		t.Error("supertype must not match as subtype")
	}
	if reg.EventIsA("unknown", "alert") {
		t.Error("unknown types never match")
	}
}

func TestLoadRegistryErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"update proc without watch", `
procs:
  broken:
    proc: update
    run:
      - tasks:
          - task: command
            scope:
              cmd: true
`},
		{"unknown proc kind", `
procs:
  broken:
    proc: cron
`},
		{"host without hostname", `
hosts:
  broken: {}
`},
		{"event extends unknown type", `
aspects:
  a:
    events:
      child:
        extends: missing
`},
		{"event extends cycle", `
aspects:
  a:
    events:
      x:
        extends: y
      y:
        extends: x
`},
		{"event chain reaching a foreign cycle", `
aspects:
  a:
    events:
      leaf:
        extends: x
      x:
        extends: y
      y:
        extends: x
`},
		{"aspect check with wrong kind", `
aspects:
  a:
    checks:
      c:
        proc: exec
`},
		{"poll without interval", `
aspects:
  a:
    polls:
      p:
        tasks:
          - task: command
            scope:
              cmd: true
`},
	}
	for _, tc := range tests {
		_, err := LoadRegistry(loadTree(t, tc.src))
		if err == nil {
			t.Errorf("%s: expected an error", tc.name)
			continue
		}
		if !errors.Is(err, &CoreError{Class: ClassMalformedModel}) {
			t.Errorf("%s: expected malformed-model class, got %v", tc.name, err)
		}
	}
}

func TestLoadRegistryDuplicateProc(t *testing.T) {
	src := `
procs:
  disks.mounts:
    proc: exec
aspects:
  disks:
    checks:
      mounts:
        proc: check
`
	if _, err := LoadRegistry(loadTree(t, src)); err == nil {
		t.Fatal("expected duplicate proc error")
	}
}
