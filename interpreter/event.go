// Package interpreter implements the two cooperating event/command loops
// that coordinate authentication, fetch, download, install, and report
// phases: the EventInterpreter translates external Events into Commands,
// and the CommandInterpreter executes Commands against the Uptane client,
// the transfer engine, the HTTP client, and the PackageManager.
package interpreter

import (
	"github.com/kolide/uptane/pacman"
	"github.com/kolide/uptane/tuf"
)

// Event is the tagged union of terminal/intermediate outcomes flowing from
// the CommandInterpreter (and gateways) back into the EventInterpreter.
type Event interface{ isEvent() }

type Authenticated struct{}
type NotAuthenticated struct{}

// UpdateAvailable is pushed by the RVI gateway's Notify handler when the
// backend announces a new package before any poll-driven GetUpdateRequests.
type UpdateAvailable struct {
	UpdateID string
	Size     uint64
}

type DownloadingUpdate struct{ UpdateID string }
type DownloadComplete struct {
	UpdateID    string
	UpdateImage string
	Signature   string
}
type DownloadFailed struct {
	UpdateID string
	Reason   string
}

type InstallingUpdate struct{ UpdateID string }
type InstallComplete struct{ Result InstallResult }
type InstallFailed struct{ Result InstallResult }

type InstalledPackagesNeeded struct{}
type FoundInstalledPackages struct{ Packages []pacman.Package }
type InstalledPackagesSent struct{}

type SystemInfoNeeded struct{}
type FoundSystemInfo struct{ Info string }
type SystemInfoSent struct{}

type InstallReportSent struct{ Report InstallResult }

type NoUpdateRequests struct{}
type UpdatesReceived struct{ Requests []UpdateRequest }

type UptaneManifestNeeded struct{}
type UptaneManifestSent struct{}
type UptaneNoUpdates struct{}
type UptaneTargetsUpdated struct{ Targets map[string]tuf.TufMeta }
type UptaneInstallComplete struct{ Manifests tuf.Manifests }
type UptaneInstallFailed struct{ Manifests tuf.Manifests }

// Error is the catch-all terminal event for command failures that don't
// map to a more specific event (e.g. NotAuthenticated for auth failures).
type Error struct{ Message string }

func (Authenticated) isEvent()           {}
func (NotAuthenticated) isEvent()        {}
func (UpdateAvailable) isEvent()         {}
func (DownloadingUpdate) isEvent()       {}
func (DownloadComplete) isEvent()        {}
func (DownloadFailed) isEvent()          {}
func (InstallingUpdate) isEvent()        {}
func (InstallComplete) isEvent()         {}
func (InstallFailed) isEvent()           {}
func (InstalledPackagesNeeded) isEvent() {}
func (FoundInstalledPackages) isEvent()  {}
func (InstalledPackagesSent) isEvent()   {}
func (SystemInfoNeeded) isEvent()        {}
func (FoundSystemInfo) isEvent()         {}
func (SystemInfoSent) isEvent()          {}
func (InstallReportSent) isEvent()       {}
func (NoUpdateRequests) isEvent()        {}
func (UpdatesReceived) isEvent()         {}
func (UptaneManifestNeeded) isEvent()    {}
func (UptaneManifestSent) isEvent()      {}
func (UptaneNoUpdates) isEvent()         {}
func (UptaneTargetsUpdated) isEvent()    {}
func (UptaneInstallComplete) isEvent()   {}
func (UptaneInstallFailed) isEvent()     {}
func (Error) isEvent()                   {}

// RequestStatus is the closed set of update-request states reported by the
// Director alongside an UpdatesReceived event.
type RequestStatus string

const (
	StatusPending  RequestStatus = "Pending"
	StatusInFlight RequestStatus = "InFlight"
)

// UpdateRequest is one pending or in-flight update as reported by the
// Director, ordered by InstallPos.
type UpdateRequest struct {
	RequestID  string
	InstallPos int
	Status     RequestStatus
	Package    pacman.Package
}

// InstallResult is the outcome of one install attempt, reported both as an
// Event payload and as the body of a SendInstallReport command.
type InstallResult struct {
	ID   string
	Code pacman.ResultCode
	Log  string
}
