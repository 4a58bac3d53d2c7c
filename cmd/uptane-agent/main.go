// Command uptane-agent wires together the transport, tuf, uptane, transfer,
// pacman, and interpreter packages into a running device agent. The rvi and
// dbus packages are not wired in here.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/kolide/uptane/interpreter"
	"github.com/kolide/uptane/pacman"
	"github.com/kolide/uptane/transfer"
	"github.com/kolide/uptane/transport"
	"github.com/kolide/uptane/tuf"
	"github.com/kolide/uptane/uptane"
)

func main() {
	var (
		baseDir        = flag.String("base-directory", "./", "directory for metadata cache, transfer staging, and the device key")
		directorServer = flag.String("director-server", "https://director.example.com", "Director repository base URL")
		imagesServer   = flag.String("images-server", "https://images.example.com", "Image repository / SOTA base URL")
		authServer     = flag.String("auth-server", "https://auth.example.com", "OAuth2 token endpoint base URL")
		treehubURL     = flag.String("treehub-url", "", "Treehub base URL for OSTree package fetches")
		deviceID       = flag.String("device-id", "", "device identifier registered with the Director")
		ecuSerial      = flag.String("ecu-serial", "", "primary ECU serial number")
		mode           = flag.String("mode", "uptane", "interpreter mode: uptane or sota")
		pacmanKind     = flag.String("package-manager", "off", "off, deb, rpm, ostree, uptane, or test:<name>")
		installDir     = flag.String("install-directory", "", "directory backed up before each SOTA install and restored on failure (empty disables)")
		systemInfoCmd  = flag.String("system-info-command", "", "shell command producing this device's system info blob")
		pollInterval   = flag.Duration("poll-interval", time.Minute, "interval between GetUpdateRequests polls")
		clientTimeout  = flag.Duration("http-timeout", 30*time.Second, "HTTP client timeout")
		autoDownload   = flag.Bool("auto-download", true, "automatically start downloads for pending update requests")
	)
	flag.Parse()

	logger := log.NewLogfmtLogger(os.Stderr)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if *deviceID == "" || *ecuSerial == "" {
		level.Error(logger).Log("msg", "device-id and ecu-serial are required")
		os.Exit(1)
	}

	key, err := loadOrCreatePrimaryKey(filepath.Join(*baseDir, "device.key"))
	if err != nil {
		level.Error(logger).Log("msg", "loading primary key", "err", err)
		os.Exit(1)
	}

	doer := transport.New(nil, *clientTimeout)

	pmKind, pmArg, err := pacman.ParseKind(*pacmanKind)
	if err != nil {
		level.Error(logger).Log("msg", "parsing package manager kind", "err", err)
		os.Exit(1)
	}
	pm := pacman.New(pmKind, nil)
	if pmKind == pacman.Test {
		pm.TestSucceeds = true
		if pmArg != "" {
			pm.TestPackages = []pacman.Package{{Name: pmArg, Version: "1.0"}}
		}
	}

	store, err := uptane.NewFileStore(filepath.Join(*baseDir, "metadata"))
	if err != nil {
		level.Error(logger).Log("msg", "creating metadata store", "err", err)
		os.Exit(1)
	}

	upClient := uptane.New(uptane.Config{
		DirectorServer:   *directorServer,
		ImagesServer:     *imagesServer,
		DeviceID:         *deviceID,
		PrimaryEcuSerial: *ecuSerial,
		PrimaryKey:       key,
		SigType:          tuf.SigEd25519,
	}, doer, uptane.WithStore(store), uptane.WithLogger(logger))

	engine := transfer.NewEngine(filepath.Join(*baseDir, "images"), transfer.WithLogger(logger))
	engine.StartPruner()
	defer engine.StopPruner()

	interpMode := interpreter.ModeUptane
	if *mode == "sota" {
		interpMode = interpreter.ModeSota
	}
	cmdInterp := interpreter.NewCommandInterpreter(interpMode, interpreter.Config{
		AuthServer:       *authServer,
		ImagesServer:     *imagesServer,
		SystemInfoCmd:    *systemInfoCmd,
		TreehubURL:       *treehubURL,
		PrimaryEcuSerial: *ecuSerial,
		InstallDir:       *installDir,
		StagingDir:       filepath.Join(*baseDir, "staging"),
	}, doer, pm, upClient, logger)

	eventInterp := &interpreter.EventInterpreter{
		Initial: true,
		Auth:    transport.Auth{Kind: transport.AuthNone},
		Pacman:  pm,
		AutoDL:  *autoDownload,
		SysInfo: *systemInfoCmd != "",
		Log:     logger,
	}

	events := make(chan interpreter.Event, 32)
	commands := make(chan interpreter.CommandExec, 32)
	eventInterp.LoopTx = events

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for ce := range commands {
			cmdInterp.Interpret(ctx, ce, events)
		}
	}()

	go func() {
		for event := range events {
			eventInterp.Interpret(event, commands)
		}
	}()

	events <- interpreter.Authenticated{}

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()
	level.Info(logger).Log("msg", "uptane-agent started", "mode", *mode, "device_id", *deviceID)
	for range ticker.C {
		commands <- interpreter.CommandExec{Cmd: interpreter.GetUpdateRequests{}}
	}
}

// loadOrCreatePrimaryKey reads a raw 64-byte Ed25519 private key from path,
// generating and persisting a fresh one on first run.
func loadOrCreatePrimaryKey(path string) (tuf.PrivateKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err == nil {
		return keyFromSeedBytes(raw)
	}
	if !os.IsNotExist(err) {
		return tuf.PrivateKey{}, fmt.Errorf("reading primary key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tuf.PrivateKey{}, fmt.Errorf("generating primary key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return tuf.PrivateKey{}, fmt.Errorf("creating key directory: %w", err)
	}
	if err := ioutil.WriteFile(path, priv, 0600); err != nil {
		return tuf.PrivateKey{}, fmt.Errorf("persisting primary key: %w", err)
	}
	return keyFromSeedBytes(priv)
}

func keyFromSeedBytes(raw []byte) (tuf.PrivateKey, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return tuf.PrivateKey{}, fmt.Errorf("primary key file has unexpected length %d", len(raw))
	}
	pub := ed25519.PrivateKey(raw).Public().(ed25519.PublicKey)
	keyID := tuf.Key{
		KeyType: tuf.KeyTypeEd25519,
		KeyVal:  tuf.KeyVal{Public: base64.StdEncoding.EncodeToString(pub)},
	}
	id, err := keyID.ID()
	if err != nil {
		return tuf.PrivateKey{}, err
	}
	return tuf.PrivateKey{KeyID: id, DerKey: raw, Type: tuf.KeyTypeEd25519}, nil
}
