package pacman

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupAndInstallKeepsInstallOnSuccess(t *testing.T) {
	installDir, err := ioutil.TempDir("", "pacman-install")
	require.NoError(t, err)
	defer os.RemoveAll(installDir)
	stagingDir, err := ioutil.TempDir("", "pacman-stage")
	require.NoError(t, err)
	defer os.RemoveAll(stagingDir)

	require.NoError(t, ioutil.WriteFile(filepath.Join(installDir, "app.bin"), []byte("v1"), 0644))

	m := New(Test, nil)
	m.TestSucceeds = true

	code, log, err := BackupAndInstall(installDir, stagingDir, "/tmp/artifact", m)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, code)
	assert.Equal(t, "stdout: \nstderr: \n", log)

	data, err := ioutil.ReadFile(filepath.Join(installDir, "app.bin"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestBackupAndInstallRollsBackOnFailure(t *testing.T) {
	installDir, err := ioutil.TempDir("", "pacman-install")
	require.NoError(t, err)
	defer os.RemoveAll(installDir)
	stagingDir, err := ioutil.TempDir("", "pacman-stage")
	require.NoError(t, err)
	defer os.RemoveAll(stagingDir)

	require.NoError(t, ioutil.WriteFile(filepath.Join(installDir, "app.bin"), []byte("original"), 0644))

	m := New(Test, nil)
	m.TestSucceeds = false

	code, _, err := BackupAndInstall(installDir, stagingDir, "/tmp/artifact", m)
	require.NoError(t, err)
	assert.Equal(t, ResultInstallFailed, code)

	data, err := ioutil.ReadFile(filepath.Join(installDir, "app.bin"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "install directory must be restored from backup on failure")
}
