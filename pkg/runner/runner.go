package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer releases in-flight work during shutdown.
type Drainer interface {
	Drain() error
}

// Version is stamped at build time with -ldflags "-X .../pkg/runner.Version=...".
var Version = "dev"

// BannerEnabled toggles the startup banner on stdout.
var BannerEnabled = true

func PrintBanner() {
	tpl := "{{ .Title \"CALLBRIDGE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, BannerEnabled, true, bytes.NewBufferString(tpl))
}
