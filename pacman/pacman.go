// Package pacman defines the pluggable PackageManager contract and its
// concrete backends. Only Test (used by the interpreter's own tests) shells
// out to nothing; Deb/Rpm/Ostree/Uptane are named dispatch targets whose
// backing shell-outs are out of scope for this core.
package pacman

import (
	"strings"

	"github.com/pkg/errors"
)

// ResultCode is the closed set of install-outcome codes reported back to
// the Director in an ECU manifest.
type ResultCode string

const (
	ResultOK               ResultCode = "OK"
	ResultAlreadyProcessed ResultCode = "ALREADY_PROCESSED"
	ResultInstallFailed    ResultCode = "INSTALL_FAILED"
	ResultGeneralError     ResultCode = "GENERAL_ERROR"
)

// IsSuccess reports whether code represents a successful (possibly
// no-op) install.
func (c ResultCode) IsSuccess() bool {
	return c == ResultOK || c == ResultAlreadyProcessed
}

// Package identifies one installed software package by name and version.
type Package struct {
	Name    string
	Version string
}

// Kind selects which concrete PackageManager backend a Manager dispatches
// to.
type Kind int

const (
	// Off disables package management; the interpreter must not call
	// installed/install/is_installed for this kind.
	Off Kind = iota
	Deb
	Rpm
	Ostree
	Uptane
	// Test is backed by a fixed, in-memory package list and a
	// configurable success/failure outcome, used by interpreter tests.
	Test
)

func (k Kind) String() string {
	switch k {
	case Off:
		return "off"
	case Deb:
		return "deb"
	case Rpm:
		return "rpm"
	case Ostree:
		return "ostree"
	case Uptane:
		return "uptane"
	case Test:
		return "test"
	default:
		return "unknown"
	}
}

// Shell is the process-execution boundary a backend uses to query or
// install packages; production backends call out to dpkg/rpm/ostree, tests
// substitute a stub.
type Shell interface {
	// Output runs name with args and returns its stdout, its stderr, and
	// its exit status.
	Output(name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// Manager implements the PackageManager contract: installed_packages,
// install_package, is_installed, extension.
type Manager struct {
	Kind  Kind
	Shell Shell

	// TestPackages/TestSucceeds back the Test kind.
	TestPackages []Package
	TestSucceeds bool
}

// New constructs a Manager for kind, backed by shell for real backends.
func New(kind Kind, shell Shell) *Manager {
	return &Manager{Kind: kind, Shell: shell}
}

// InstalledPackages lists packages currently installed, dispatching on Kind.
func (m *Manager) InstalledPackages() ([]Package, error) {
	switch m.Kind {
	case Off:
		return nil, errors.New("pacman: no package manager configured")
	case Deb:
		return m.dpkgInstalled()
	case Rpm:
		return m.rpmInstalled()
	case Ostree, Uptane:
		return m.ostreeInstalled()
	case Test:
		return m.TestPackages, nil
	default:
		return nil, errors.Errorf("pacman: unknown kind %v", m.Kind)
	}
}

// IsInstalled reports whether pkg is among InstalledPackages, returning
// false rather than failing if the listing itself errors.
func (m *Manager) IsInstalled(pkg Package) bool {
	packages, err := m.InstalledPackages()
	if err != nil {
		return false
	}
	for _, p := range packages {
		if p == pkg {
			return true
		}
	}
	return false
}

// Extension names the file extension this backend's install artifacts use.
func (m *Manager) Extension() string {
	switch m.Kind {
	case Deb:
		return "deb"
	case Rpm:
		return "rpm"
	case Ostree:
		return "ostree"
	case Uptane:
		return "uptane"
	case Test:
		return "test"
	default:
		return ""
	}
}

// InstallPackage installs the artifact at path, returning its result code
// and a combined stdout/stderr install log formatted "stdout: %s\nstderr: %s\n".
// Off and unknown kinds return ResultGeneralError with a plain message
// instead of that log.
func (m *Manager) InstallPackage(path string) (ResultCode, string) {
	switch m.Kind {
	case Off:
		return ResultGeneralError, "pacman: no package manager configured"
	case Deb:
		return m.dpkgInstall(path)
	case Rpm:
		return m.rpmInstall(path)
	case Ostree, Uptane:
		return m.ostreeInstall(path)
	case Test:
		return m.testInstall(path)
	default:
		return ResultGeneralError, "pacman: unknown kind"
	}
}

func installLog(stdout, stderr string) string {
	return "stdout: " + stdout + "\nstderr: " + stderr + "\n"
}

func (m *Manager) dpkgInstalled() ([]Package, error) {
	stdout, _, _, err := m.Shell.Output("dpkg-query", "-f", "${Package} ${Version}\n", "-W")
	if err != nil {
		return nil, errors.Wrap(err, "fetching installed packages")
	}
	return parsePackages(stdout)
}

func (m *Manager) dpkgInstall(path string) (ResultCode, string) {
	stdout, stderr, code, err := m.Shell.Output("dpkg", "-E", "-i", path)
	if err != nil {
		return ResultGeneralError, installLog(stdout, stderr)
	}
	if code != 0 {
		return ResultInstallFailed, installLog(stdout, stderr)
	}
	if strings.Contains(stdout, "already installed") {
		return ResultAlreadyProcessed, installLog(stdout, stderr)
	}
	return ResultOK, installLog(stdout, stderr)
}

func (m *Manager) rpmInstalled() ([]Package, error) {
	stdout, _, _, err := m.Shell.Output("rpm", "-qa", "--queryformat", "%{NAME} %{VERSION}-%{RELEASE}\n")
	if err != nil {
		return nil, errors.Wrap(err, "fetching installed packages")
	}
	return parsePackages(stdout)
}

func (m *Manager) rpmInstall(path string) (ResultCode, string) {
	stdout, stderr, code, err := m.Shell.Output("rpm", "-U", "--replacepkgs", path)
	if err != nil {
		return ResultGeneralError, installLog(stdout, stderr)
	}
	if code != 0 {
		return ResultInstallFailed, installLog(stdout, stderr)
	}
	return ResultOK, installLog(stdout, stderr)
}

func (m *Manager) ostreeInstalled() ([]Package, error) {
	stdout, _, _, err := m.Shell.Output("ostree", "admin", "status")
	if err != nil {
		return nil, errors.Wrap(err, "fetching ostree deployments")
	}
	var out []Package
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		out = append(out, Package{Name: fields[0], Version: fields[len(fields)-1]})
	}
	return out, nil
}

func (m *Manager) ostreeInstall(refspec string) (ResultCode, string) {
	stdout, stderr, code, err := m.Shell.Output("ostree", "admin", "deploy", refspec)
	if err != nil {
		return ResultGeneralError, installLog(stdout, stderr)
	}
	if code != 0 {
		return ResultInstallFailed, installLog(stdout, stderr)
	}
	return ResultOK, installLog(stdout, stderr)
}

func (m *Manager) testInstall(path string) (ResultCode, string) {
	if m.TestSucceeds {
		return ResultOK, installLog("", "")
	}
	return ResultInstallFailed, installLog("", "")
}

// parsePackages parses lines of "name version" into Packages, matching the
// dpkg-query/-f format.
func parsePackages(output string) ([]Package, error) {
	var out []Package
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("couldn't parse package: %q", line)
		}
		out = append(out, Package{Name: strings.TrimLeft(parts[0], "'"), Version: parts[1]})
	}
	return out, nil
}

// ParseKind parses a configuration string into a Kind, accepting the
// "test:<name>" form used by the original CLI flag.
func ParseKind(s string) (Kind, string, error) {
	switch strings.ToLower(s) {
	case "off":
		return Off, "", nil
	case "deb":
		return Deb, "", nil
	case "rpm":
		return Rpm, "", nil
	case "ostree":
		return Ostree, "", nil
	case "uptane":
		return Uptane, "", nil
	default:
		if strings.HasPrefix(s, "test:") {
			return Test, strings.TrimPrefix(s, "test:"), nil
		}
		return Off, "", errors.Errorf("pacman: unknown package manager %q", s)
	}
}
