package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/kolide/uptane/pacman"
	"github.com/kolide/uptane/transport"
	"github.com/kolide/uptane/tuf"
	"github.com/kolide/uptane/uptane"
)

// Mode toggles how the CommandInterpreter executes the handful of commands
// that differ between the legacy SOTA protocol and Uptane.
type Mode int

const (
	ModeSota Mode = iota
	ModeUptane
)

// Config carries the CommandInterpreter's static, out-of-scope-collaborator
// configuration: server endpoints, the device's system-info shell command,
// and the Treehub URL used to resolve Uptane targets. When InstallDir is
// set, SOTA-mode installs back it up into StagingDir first and roll back
// on failure.
type Config struct {
	AuthServer       string
	ImagesServer     string
	SystemInfoCmd    string
	TreehubURL       string
	PrimaryEcuSerial string
	InstallDir       string
	StagingDir       string
}

// CommandInterpreter executes one Command at a time, broadcasting every
// resulting Event on its output channel and (if the triggering CommandExec
// carried one) also echoing it on a reply channel.
type CommandInterpreter struct {
	Mode    Mode
	Config  Config
	Auth    transport.Auth
	HTTP    transport.Doer
	Pacman  *pacman.Manager
	Uptane  *uptane.Client
	Version string
	log     log.Logger
}

// NewCommandInterpreter builds a CommandInterpreter. logger may be nil to use
// a no-op logger.
func NewCommandInterpreter(mode Mode, cfg Config, doer transport.Doer, pm *pacman.Manager, up *uptane.Client, logger log.Logger) *CommandInterpreter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CommandInterpreter{Mode: mode, Config: cfg, HTTP: doer, Pacman: pm, Uptane: up, log: logger}
}

// Interpret executes ce.Cmd, sending the single terminal Event it produces
// on etx (and, if set, on ce.Reply). Every error translates to an Error
// event except transport.ErrHTTPAuth, which maps to NotAuthenticated.
func (ci *CommandInterpreter) Interpret(ctx context.Context, ce CommandExec, etx chan<- Event) {
	level.Debug(ci.log).Log("msg", "command received", "cmd", fmt.Sprintf("%T", ce.Cmd))
	event, err := ci.process(ctx, ce.Cmd, etx)
	if err != nil {
		if errors.Is(err, transport.ErrHTTPAuth) {
			level.Error(ci.log).Log("msg", "authentication failed", "err", err)
			event = NotAuthenticated{}
		} else {
			event = Error{Message: err.Error()}
		}
	}
	if ce.Reply != nil {
		ce.Reply <- event
	}
	etx <- event
}

func (ci *CommandInterpreter) process(ctx context.Context, cmd Command, etx chan<- Event) (Event, error) {
	switch c := cmd.(type) {
	case Authenticate:
		return ci.authenticate(ctx, c.Auth)

	case GetUpdateRequests:
		if ci.Mode == ModeUptane {
			return ci.uptaneGetUpdateRequests(ctx)
		}
		return ci.sotaGetUpdateRequests(ctx)

	case ListInstalledPackages:
		packages, err := ci.Pacman.InstalledPackages()
		if err != nil {
			return nil, err
		}
		return FoundInstalledPackages{Packages: packages}, nil

	case ListSystemInfo:
		info, err := ci.systemInfo()
		if err != nil {
			return nil, err
		}
		return FoundSystemInfo{Info: info}, nil

	case SendInstalledPackages:
		body, err := json.Marshal(c.Packages)
		if err != nil {
			return nil, errors.Wrap(err, "encoding installed packages")
		}
		if _, err := ci.HTTP.Post(ctx, ci.endpoint("/api/v1/system_info/packages"), body); err != nil {
			return nil, err
		}
		return InstalledPackagesSent{}, nil

	case SendSystemInfo:
		info, err := ci.systemInfo()
		if err != nil {
			return nil, err
		}
		if _, err := ci.HTTP.Post(ctx, ci.endpoint("/api/v1/system_info"), []byte(info)); err != nil {
			return nil, err
		}
		return SystemInfoSent{}, nil

	case SendInstallReport:
		body, err := json.Marshal(c.Report)
		if err != nil {
			return nil, errors.Wrap(err, "encoding install report")
		}
		if _, err := ci.HTTP.Post(ctx, ci.endpoint("/api/v1/updates/"+c.Report.ID), body); err != nil {
			return nil, err
		}
		return InstallReportSent{Report: c.Report}, nil

	case StartDownload:
		etx <- DownloadingUpdate{UpdateID: c.UpdateID}
		image, err := ci.downloadUpdate(ctx, c.UpdateID)
		if err != nil {
			return DownloadFailed{UpdateID: c.UpdateID, Reason: err.Error()}, nil
		}
		return DownloadComplete{UpdateID: c.UpdateID, UpdateImage: image, Signature: ""}, nil

	case StartInstall:
		if ci.Mode != ModeSota {
			return nil, errors.New("interpreter: StartInstall requires Sota mode")
		}
		etx <- InstallingUpdate{UpdateID: c.UpdateID}
		path := filepath.Join(os.TempDir(), c.UpdateID)
		code, installLog := ci.installPackage(path)
		result := InstallResult{ID: c.UpdateID, Code: code, Log: installLog}
		if code.IsSuccess() {
			return InstallComplete{Result: result}, nil
		}
		return InstallFailed{Result: result}, nil

	case Shutdown:
		os.Exit(0)
		return nil, nil

	case UptaneSendManifest:
		if ci.Mode != ModeUptane {
			return nil, errors.New("interpreter: UptaneSendManifest requires Uptane mode")
		}
		manifests := c.Manifests
		if manifests == nil {
			signed, err := ci.Uptane.SignManifest(tuf.TufImage{}, nil)
			if err != nil {
				return nil, err
			}
			m := tuf.Manifests{ci.Config.PrimaryEcuSerial: signed}
			manifests = &m
		}
		if err := ci.Uptane.PutManifest(ctx, *manifests); err != nil {
			return nil, err
		}
		return UptaneManifestSent{}, nil

	case UptaneStartInstall:
		if ci.Mode != ModeUptane {
			return nil, errors.New("interpreter: UptaneStartInstall requires Uptane mode")
		}
		return ci.uptaneInstall(c.Targets), nil

	default:
		return nil, errors.Errorf("interpreter: unhandled command %T", cmd)
	}
}

func (ci *CommandInterpreter) endpoint(path string) string {
	return strings.TrimRight(ci.Config.ImagesServer, "/") + path
}

func (ci *CommandInterpreter) authenticate(ctx context.Context, auth transport.Auth) (Event, error) {
	if auth.Kind == transport.AuthCredentials {
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", auth.ClientID)
		form.Set("client_secret", auth.ClientSecret)
		body, err := ci.HTTP.Post(ctx, strings.TrimRight(ci.Config.AuthServer, "/")+"/token", []byte(form.Encode()))
		if err != nil {
			return nil, err
		}
		var token struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int64  `json:"expires_in"`
			Scope       string `json:"scope"`
		}
		if err := json.Unmarshal(body, &token); err != nil {
			return nil, errors.Wrap(err, "parsing token response")
		}
		ci.Auth = transport.Auth{
			Kind:        transport.AuthToken,
			AccessToken: token.AccessToken,
			TokenType:   token.TokenType,
			ExpiresIn:   token.ExpiresIn,
			Scope:       token.Scope,
		}
	} else {
		ci.Auth = auth
	}
	// swap in a client bearing the token so every later request is
	// authenticated
	if c, ok := ci.HTTP.(*transport.Client); ok && ci.Auth.Kind == transport.AuthToken {
		ci.HTTP = c.WithToken(ci.Auth.AccessToken)
	}
	return Authenticated{}, nil
}

func (ci *CommandInterpreter) sotaGetUpdateRequests(ctx context.Context) (Event, error) {
	body, err := ci.HTTP.Get(ctx, ci.endpoint("/api/v1/updates"))
	if err != nil {
		return nil, err
	}
	var updates []UpdateRequest
	if err := json.Unmarshal(body, &updates); err != nil {
		return nil, errors.Wrap(err, "parsing update requests")
	}
	if len(updates) == 0 {
		return NoUpdateRequests{}, nil
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].InstallPos < updates[j].InstallPos })
	return UpdatesReceived{Requests: updates}, nil
}

func (ci *CommandInterpreter) uptaneGetUpdateRequests(ctx context.Context) (Event, error) {
	if _, err := ci.Uptane.GetRoot(ctx, uptane.ServiceDirector); err != nil {
		return nil, err
	}
	targets, err := ci.Uptane.GetDirector(ctx, tuf.RoleTargets)
	if err != nil {
		return nil, err
	}
	if !targets.IsNew() {
		return UptaneNoUpdates{}, nil
	}
	return UptaneTargetsUpdated{Targets: targets.Data.Targets}, nil
}

func (ci *CommandInterpreter) downloadUpdate(ctx context.Context, updateID string) (string, error) {
	body, err := ci.HTTP.Get(ctx, ci.endpoint("/api/v1/updates/"+updateID+"/download"))
	if err != nil {
		return "", err
	}
	path := filepath.Join(os.TempDir(), updateID)
	if err := ioutil.WriteFile(path, body, 0644); err != nil {
		return "", errors.Wrapf(err, "writing downloaded update to %q", path)
	}
	return path, nil
}

// installPackage drives the package manager for one artifact. With an
// InstallDir configured the installation runs through the backup/rollback
// cycle so a failed install leaves the previous contents in place.
func (ci *CommandInterpreter) installPackage(path string) (pacman.ResultCode, string) {
	if ci.Config.InstallDir == "" {
		return ci.Pacman.InstallPackage(path)
	}
	code, installLog, err := pacman.BackupAndInstall(ci.Config.InstallDir, ci.Config.StagingDir, path, ci.Pacman)
	if err != nil {
		level.Error(ci.log).Log("msg", "backup/rollback cycle failed", "err", err)
		return pacman.ResultGeneralError, err.Error()
	}
	return code, installLog
}

func (ci *CommandInterpreter) systemInfo() (string, error) {
	if ci.Config.SystemInfoCmd == "" {
		return "", errors.New("interpreter: system_info command not configured")
	}
	out, err := exec.Command(ci.Config.SystemInfoCmd).Output()
	if err != nil {
		return "", errors.Wrap(err, "running system_info command")
	}
	return string(out), nil
}

// uptaneInstall extracts install descriptors from targets, drives the
// package manager for each, and returns the terminal UptaneInstallComplete
// or UptaneInstallFailed event carrying one signed EcuVersion manifest per
// attempted ECU.
func (ci *CommandInterpreter) uptaneInstall(targets map[string]tuf.TufMeta) Event {
	packages := ci.Uptane.ExtractPackages(targets, ci.Config.TreehubURL)
	manifests := make(tuf.Manifests, len(packages))
	if len(packages) == 0 {
		result := &tuf.InstallResult{
			ID:      ci.Config.PrimaryEcuSerial,
			Code:    string(pacman.ResultGeneralError),
			Message: "no installable targets",
		}
		if signed, err := ci.Uptane.SignManifest(tuf.TufImage{}, result); err == nil {
			manifests[ci.Config.PrimaryEcuSerial] = signed
		} else {
			level.Error(ci.log).Log("msg", "signing failure manifest", "err", err)
		}
		return UptaneInstallFailed{Manifests: manifests}
	}
	allSucceeded := true

	for _, pkg := range packages {
		code, installLog := ci.Pacman.InstallPackage(pkg.Commit)
		result := &tuf.InstallResult{
			ID:      pkg.Ecu,
			Code:    string(code),
			Message: installLog,
		}
		image := tuf.TufImage{Filepath: pkg.Refname, Fileinfo: tuf.TufMeta{Hashes: map[string]string{"sha256": pkg.Commit}}}
		signed, err := ci.Uptane.SignManifest(image, result)
		if err != nil {
			level.Error(ci.log).Log("msg", "signing ecu manifest failed", "ecu", pkg.Ecu, "err", err)
			allSucceeded = false
			continue
		}
		manifests[pkg.Ecu] = signed
		if !code.IsSuccess() {
			allSucceeded = false
		}
	}

	if allSucceeded {
		return UptaneInstallComplete{Manifests: manifests}
	}
	return UptaneInstallFailed{Manifests: manifests}
}
