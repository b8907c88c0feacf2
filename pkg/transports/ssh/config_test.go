package ssh

import (
	"testing"
	"time"

	"github.com/opereon/opereon/pkg/config"
	"github.com/opereon/opereon/pkg/engine"
)

func TestDestForAppliesDefaults(t *testing.T) {
	h := &engine.HostDef{Name: "zeus", Hostname: "zeus.example.com"}
	cfg := config.SSHConfig{
		Username:       "ops",
		IdentityFile:   "/keys/ops_ed25519",
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: time.Minute,
	}

	d := destFor(h, cfg)
	if d.Host != "zeus.example.com" {
		t.Errorf("Host = %q", d.Host)
	}
	if d.Port != 22 {
		t.Errorf("Port = %d", d.Port)
	}
	if d.User != "ops" || d.IdentityFile != "/keys/ops_ed25519" {
		t.Errorf("credentials not taken from config: %+v", d)
	}
	if d.ConnectTimeout != 5*time.Second || d.CommandTimeout != time.Minute {
		t.Errorf("timeouts not taken from config: %+v", d)
	}
	if d.Address() != "zeus.example.com:22" {
		t.Errorf("Address = %q", d.Address())
	}
}

func TestDestForHostOverridesWin(t *testing.T) {
	h := &engine.HostDef{
		Name:     "ares",
		Hostname: "ares.example.com",
		SSH: engine.SSHDest{
			Host:         "10.0.0.5",
			Port:         2222,
			Username:     "root",
			IdentityFile: "/keys/ares",
		},
	}
	cfg := config.SSHConfig{Username: "ops", IdentityFile: "/keys/default"}

	d := destFor(h, cfg)
	if d.Host != "10.0.0.5" || d.Port != 2222 {
		t.Errorf("declared destination overridden: %+v", d)
	}
	if d.User != "root" || d.IdentityFile != "/keys/ares" {
		t.Errorf("declared credentials overridden: %+v", d)
	}
	if d.Address() != "10.0.0.5:2222" {
		t.Errorf("Address = %q", d.Address())
	}
}

func TestDestForZeroTimeoutDefaults(t *testing.T) {
	h := &engine.HostDef{Name: "zeus", Hostname: "zeus.example.com"}
	d := destFor(h, config.SSHConfig{})
	if d.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %s", d.ConnectTimeout)
	}
	if d.CommandTimeout != 0 {
		t.Errorf("CommandTimeout must stay unlimited, got %s", d.CommandTimeout)
	}
}
