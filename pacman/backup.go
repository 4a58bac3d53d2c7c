package pacman

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const backupTagFormat = "20060102150405"

// BackupAndInstall backs up installDir into a fresh, timestamped directory
// under stagingDir, attempts to install the artifact at artifactPath via m,
// and restores the backup over installDir if the install did not succeed.
func BackupAndInstall(installDir, stagingDir, artifactPath string, m *Manager) (ResultCode, string, error) {
	backupDir, err := backup(installDir, stagingDir)
	if err != nil {
		return ResultGeneralError, "", errors.Wrap(err, "backing up installation before update")
	}

	code, log := m.InstallPackage(artifactPath)
	if code.IsSuccess() {
		os.RemoveAll(backupDir)
		return code, log, nil
	}

	if err := rollback(backupDir, installDir); err != nil {
		return code, log, errors.Wrap(err, "rolling back failed installation")
	}
	return code, log, nil
}

// backup copies the contents of installDir (symlinks not followed) into a
// freshly created, timestamp-tagged directory under stagingDir.
func backup(installDir, stagingDir string) (string, error) {
	tag := time.Now().UTC().Format(backupTagFormat)
	backupDir := filepath.Join(stagingDir, "backup", tag)
	if err := os.MkdirAll(backupDir, 0744); err != nil {
		return "", errors.Wrap(err, "creating backup directory")
	}
	if err := copyRecursive(installDir, backupDir); err != nil {
		return "", errors.Wrap(err, "backing up installation files")
	}
	return backupDir, nil
}

// rollback replaces installDir with the contents previously saved at
// backupDir.
func rollback(backupDir, installDir string) error {
	if err := os.RemoveAll(installDir); err != nil {
		return errors.Wrap(err, "removing bad install")
	}
	if err := os.Rename(backupDir, installDir); err != nil {
		return errors.Wrap(err, "replacing old install")
	}
	return nil
}

// copyRecursive shells out to cp -R -f, which is available on every
// platform this agent targets. The /. suffix copies srcDir's contents
// rather than the directory itself, on BSD and GNU cp alike.
func copyRecursive(srcDir, targetDir string) error {
	srcDir = strings.TrimSuffix(srcDir, "/") + "/."
	return exec.Command("cp", "-R", "-f", srcDir, targetDir).Run()
}
