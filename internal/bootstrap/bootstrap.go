// Package bootstrap makes sure the winget and Chocolatey CLIs exist,
// installing them when allowed.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

var log = logging.L("bootstrap")

// ErrTimeout is returned when a dependency does not appear before the deadline.
var ErrTimeout = errors.New("timed out waiting for dependency")

// appInstallerURI opens the Store page for App Installer, which ships winget.
const appInstallerURI = "ms-windows-store://pdp/?ProductId=9NBLGGH4NNS1"

// Options controls polling and installation.
type Options struct {
	AutoInstall             bool
	FailOnMissingDependency bool
	PollInterval            time.Duration
	MaxWait                 time.Duration
	ChocolateyInstallURL    string
}

// OptionsFromConfig converts the bootstrap config section.
func OptionsFromConfig(cfg config.BootstrapConfig) Options {
	return Options{
		AutoInstall:             cfg.AutoInstall,
		FailOnMissingDependency: cfg.FailOnMissingDependency,
		PollInterval:            time.Duration(cfg.PollIntervalSeconds) * time.Second,
		MaxWait:                 time.Duration(cfg.MaxWaitSeconds) * time.Second,
		ChocolateyInstallURL:    cfg.ChocolateyInstallURL,
	}
}

// Status is the outcome for one source.
type Status struct {
	Source    patching.Source
	Command   string
	Present   bool
	Installed bool
	Err       error
}

// Bootstrapper checks and installs source CLIs.
type Bootstrapper struct {
	opts  Options
	exec  patching.ExecFunc
	check func(patching.Source) error
}

// New returns a Bootstrapper that runs installers through execFn.
func New(opts Options, execFn patching.ExecFunc) *Bootstrapper {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxWait < opts.PollInterval {
		opts.MaxWait = opts.PollInterval
	}
	return &Bootstrapper{opts: opts, exec: execFn, check: patching.CheckDependency}
}

// WaitFor polls ready every interval until it returns true, ctx ends, or
// maxWait elapses.
func WaitFor(ctx context.Context, interval, maxWait time.Duration, ready func() bool) error {
	if ready() {
		return nil
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if ready() {
				return nil
			}
			return ErrTimeout
		case <-ticker.C:
			if ready() {
				return nil
			}
		}
	}
}

// EnsureSources checks every source and installs missing CLIs when
// AutoInstall is set. Store shares winget's CLI. The returned error is
// non-nil only when FailOnMissingDependency is set and a CLI is still absent.
func (b *Bootstrapper) EnsureSources(ctx context.Context, sources []patching.Source) ([]Status, error) {
	statuses := eachCommand(sources, func(src patching.Source) Status { return b.ensure(ctx, src) })

	var missing []error
	for _, st := range statuses {
		if !st.Present {
			missing = append(missing, st.Err)
		}
	}
	if len(missing) > 0 && b.opts.FailOnMissingDependency {
		return statuses, errors.Join(missing...)
	}
	return statuses, nil
}

// CheckSources reports which CLIs are present without installing anything,
// whatever AutoInstall says.
func (b *Bootstrapper) CheckSources(sources []patching.Source) []Status {
	return eachCommand(sources, func(src patching.Source) Status {
		st := Status{Source: src, Command: patching.CommandFor(src)}
		if st.Err = b.check(src); st.Err == nil {
			st.Present = true
		} else {
			log.Warn("dependency missing", logging.KeySource, string(src), "command", st.Command)
		}
		return st
	})
}

// eachCommand runs fn once per distinct CLI and copies the status to sources
// sharing it.
func eachCommand(sources []patching.Source, fn func(patching.Source) Status) []Status {
	seen := make(map[string]Status)
	statuses := make([]Status, 0, len(sources))
	for _, src := range sources {
		cmd := patching.CommandFor(src)
		if prev, ok := seen[cmd]; ok {
			prev.Source = src
			statuses = append(statuses, prev)
			continue
		}
		st := fn(src)
		statuses = append(statuses, st)
		seen[cmd] = st
	}
	return statuses
}

func (b *Bootstrapper) ensure(ctx context.Context, src patching.Source) Status {
	st := Status{Source: src, Command: patching.CommandFor(src)}
	if st.Err = b.check(src); st.Err == nil {
		st.Present = true
		return st
	}
	if !b.opts.AutoInstall {
		log.Warn("dependency missing", logging.KeySource, string(src), "command", st.Command)
		return st
	}

	var err error
	switch st.Command {
	case "choco":
		err = b.InstallChocolatey(ctx)
	default:
		err = b.InstallWinget(ctx)
	}
	if err != nil {
		st.Err = err
		log.Error("dependency install failed", logging.KeySource, string(src), logging.KeyError, err.Error())
		return st
	}

	err = WaitFor(ctx, b.opts.PollInterval, b.opts.MaxWait, func() bool { return b.check(src) == nil })
	if err != nil {
		st.Err = fmt.Errorf("%s installed but not found on PATH: %w", st.Command, err)
		return st
	}
	st.Present, st.Installed, st.Err = true, true, nil
	log.Info("dependency installed", logging.KeySource, string(src), "command", st.Command)
	return st
}

// InstallChocolatey runs the official install script through PowerShell.
func (b *Bootstrapper) InstallChocolatey(ctx context.Context) error {
	url := b.opts.ChocolateyInstallURL
	if url == "" {
		url = "https://community.chocolatey.org/install.ps1"
	}
	script := "Set-ExecutionPolicy Bypass -Scope Process -Force; " +
		"[System.Net.ServicePointManager]::SecurityProtocol = [System.Net.ServicePointManager]::SecurityProtocol -bor 3072; " +
		"iex ((New-Object System.Net.WebClient).DownloadString('" + strings.ReplaceAll(url, "'", "''") + "'))"
	return b.run(ctx, "choco", "powershell.exe",
		[]string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script})
}

// InstallWinget asks the Store to install App Installer. Installation
// finishes asynchronously, so callers poll with WaitFor.
func (b *Bootstrapper) InstallWinget(ctx context.Context) error {
	script := "Start-Process '" + appInstallerURI + "'"
	return b.run(ctx, "winget", "powershell.exe",
		[]string{"-NoProfile", "-NonInteractive", "-Command", script})
}

func (b *Bootstrapper) run(ctx context.Context, what, name string, args []string) error {
	if b.exec == nil {
		return errors.New("no executor configured")
	}
	log.Info("installing dependency", "command", what)
	stdout, stderr, code, err := b.exec(ctx, name, args, b.opts.MaxWait)
	if err != nil {
		return fmt.Errorf("install %s: %w", what, err)
	}
	if code != 0 {
		out := strings.TrimSpace(stderr)
		if out == "" {
			out = strings.TrimSpace(stdout)
		}
		return fmt.Errorf("install %s exited with code %d: %s", what, code, out)
	}
	return nil
}
