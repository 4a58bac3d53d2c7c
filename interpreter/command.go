package interpreter

import (
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/kolide/uptane/pacman"
	"github.com/kolide/uptane/transport"
	"github.com/kolide/uptane/tuf"
)

// Command is the tagged union of actions the EventInterpreter asks the
// CommandInterpreter to perform.
type Command interface{ isCommand() }

type Authenticate struct{ Auth transport.Auth }
type GetUpdateRequests struct{}
type ListInstalledPackages struct{}
type ListSystemInfo struct{}
type SendInstalledPackages struct{ Packages []pacman.Package }
type SendSystemInfo struct{}
type SendInstallReport struct{ Report InstallResult }
type StartDownload struct{ UpdateID string }
type StartInstall struct{ UpdateID string }
type Shutdown struct{}

type UptaneSendManifest struct{ Manifests *tuf.Manifests }
type UptaneStartInstall struct{ Targets map[string]tuf.TufMeta }

func (Authenticate) isCommand()          {}
func (GetUpdateRequests) isCommand()     {}
func (ListInstalledPackages) isCommand() {}
func (ListSystemInfo) isCommand()        {}
func (SendInstalledPackages) isCommand() {}
func (SendSystemInfo) isCommand()        {}
func (SendInstallReport) isCommand()     {}
func (StartDownload) isCommand()         {}
func (StartInstall) isCommand()          {}
func (Shutdown) isCommand()              {}
func (UptaneSendManifest) isCommand()    {}
func (UptaneStartInstall) isCommand()    {}

// CommandExec wraps a Command for execution and, optionally, a channel to
// receive the single terminal Event it produces (in addition to the
// broadcast sent to the CommandInterpreter's output channel).
type CommandExec struct {
	Cmd   Command
	Reply chan<- Event
}

// EventInterpreter consumes Events, emits Commands, and may inject further
// Events onto its own input queue (e.g. to fan the one-time Authenticated
// event out into several startup commands).
type EventInterpreter struct {
	Initial bool
	LoopTx  chan<- Event
	Auth    transport.Auth
	Pacman  *pacman.Manager // nil means Off
	AutoDL  bool
	SysInfo bool
	Log     log.Logger // nil for silent
}

func (e *EventInterpreter) pacmanOff() bool {
	return e.Pacman == nil || e.Pacman.Kind == pacman.Off
}

// Interpret handles one Event, queuing zero or more Commands onto cmdTx and
// optionally re-injecting Events onto e.LoopTx.
func (e *EventInterpreter) Interpret(event Event, cmdTx chan<- CommandExec) {
	if e.Log != nil {
		level.Debug(e.Log).Log("msg", "event received", "event", fmt.Sprintf("%T", event))
	}
	queue := func(cmd Command) { cmdTx <- CommandExec{Cmd: cmd} }

	switch ev := event.(type) {
	case Authenticated:
		if e.Initial {
			e.LoopTx <- InstalledPackagesNeeded{}
			e.LoopTx <- SystemInfoNeeded{}
			e.LoopTx <- UptaneManifestNeeded{}
			e.Initial = false
		}

	case UpdateAvailable:
		if e.AutoDL {
			queue(StartDownload{UpdateID: ev.UpdateID})
		}

	case DownloadComplete:
		if !e.pacmanOff() {
			queue(StartInstall{UpdateID: ev.UpdateID})
		}

	case DownloadFailed:
		queue(SendInstallReport{Report: InstallResult{ID: ev.UpdateID, Code: pacman.ResultGeneralError, Log: ev.Reason}})

	case InstallComplete:
		queue(SendInstallReport{Report: ev.Result})

	case InstallFailed:
		queue(SendInstallReport{Report: ev.Result})

	case InstalledPackagesNeeded:
		if !e.pacmanOff() {
			queue(ListInstalledPackages{})
		}

	case FoundInstalledPackages:
		queue(SendInstalledPackages{Packages: ev.Packages})

	case InstallReportSent:
		e.LoopTx <- InstalledPackagesNeeded{}

	case NotAuthenticated:
		queue(Authenticate{Auth: e.Auth})

	case SystemInfoNeeded:
		if e.SysInfo {
			queue(ListSystemInfo{})
		}

	case FoundSystemInfo:
		queue(SendSystemInfo{})

	case UpdatesReceived:
		for _, req := range ev.Requests {
			switch {
			case req.Status == StatusPending && e.AutoDL:
				queue(StartDownload{UpdateID: req.RequestID})
			case req.Status == StatusInFlight && e.pacmanOff():
				// drop
			case req.Status == StatusInFlight && e.Pacman.IsInstalled(req.Package):
				queue(SendInstallReport{Report: InstallResult{ID: req.RequestID, Code: pacman.ResultOK, Log: "<generated>"}})
			case req.Status == StatusInFlight:
				queue(StartDownload{UpdateID: req.RequestID})
			default:
				// drop
			}
		}

	case UptaneInstallComplete:
		manifests := ev.Manifests
		queue(UptaneSendManifest{Manifests: &manifests})

	case UptaneInstallFailed:
		manifests := ev.Manifests
		queue(UptaneSendManifest{Manifests: &manifests})

	case UptaneManifestNeeded:
		if e.Pacman != nil && e.Pacman.Kind == pacman.Uptane {
			queue(UptaneSendManifest{Manifests: nil})
		}

	case UptaneTargetsUpdated:
		queue(UptaneStartInstall{Targets: ev.Targets})
	}
}
