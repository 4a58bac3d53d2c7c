// Package dbus defines the message shapes exchanged with a session-bus
// software manager: inbound initiateDownload/updateReport calls and
// outbound updateAvailable/downloadComplete/getInstalledPackages calls.
// The bus transport itself (registering a well-known name, building a
// dbus/tree method table) is out of scope for this repository; Encode and
// Decode give every message type JSON marshalling for the bus payloads.
package dbus

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/kolide/uptane/interpreter"
)

// InitiateDownload is the inbound call asking the agent to start
// downloading update_id.
type InitiateDownload struct {
	UpdateID string `json:"update_id"`
}

// UpdateReport is the inbound call submitting the software manager's own
// install outcomes for forwarding to the backend.
type UpdateReport struct {
	UpdateID string                      `json:"update_id"`
	Results  []interpreter.InstallResult `json:"operations_results"`
}

// UpdateAvailable is the outbound signal announcing a pending update.
type UpdateAvailable struct {
	UpdateID            string `json:"update_id"`
	Signature           string `json:"signature"`
	Description         string `json:"description"`
	RequestConfirmation bool   `json:"request_confirmation"`
}

// DownloadComplete is the outbound signal announcing a finished transfer.
type DownloadComplete struct {
	UpdateImage string `json:"update_image"`
	Signature   string `json:"signature"`
}

// InstalledPackage is one entry of a getInstalledPackages response.
type InstalledPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InstalledFirmware is one firmware entry of a getInstalledPackages
// response.
type InstalledFirmware struct {
	Module       string `json:"module"`
	FirmwareID   string `json:"firmware_id"`
	LastModified int64  `json:"last_modified"`
}

// GetInstalledPackagesRequest is the outbound call asking the software
// manager to enumerate what it has installed.
type GetInstalledPackagesRequest struct {
	IncludePackages bool `json:"include_packages"`
	IncludeFirmware bool `json:"include_firmware"`
}

// GetInstalledPackagesResponse is the software manager's synchronous reply.
type GetInstalledPackagesResponse struct {
	Packages []InstalledPackage  `json:"packages"`
	Firmware []InstalledFirmware `json:"firmware"`
}

// Encode marshals a message body for the bus payload.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a bus payload into v.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "decoding dbus message")
	}
	return nil
}

// Gateway translates between inbound dbus calls and interpreter Commands,
// and between outbound interpreter Events and dbus signal bodies.
type Gateway struct {
	CmdTx chan<- interpreter.CommandExec
}

// NewGateway builds a Gateway that queues decoded commands onto cmdTx.
func NewGateway(cmdTx chan<- interpreter.CommandExec) *Gateway {
	return &Gateway{CmdTx: cmdTx}
}

// HandleInitiateDownload services the initiateDownload method call.
func (g *Gateway) HandleInitiateDownload(req InitiateDownload) {
	g.CmdTx <- interpreter.CommandExec{Cmd: interpreter.StartDownload{UpdateID: req.UpdateID}}
}

// HandleUpdateReport services the updateReport method call, forwarding
// each result as its own SendInstallReport command.
func (g *Gateway) HandleUpdateReport(req UpdateReport) {
	for _, result := range req.Results {
		result.ID = req.UpdateID
		g.CmdTx <- interpreter.CommandExec{Cmd: interpreter.SendInstallReport{Report: result}}
	}
}

// TranslateEvent maps a terminal interpreter.Event onto the dbus signal (or
// synchronous call) that reports it, if any. ok is false for events this
// gateway doesn't surface on the bus.
func TranslateEvent(event interpreter.Event) (method string, body interface{}, ok bool) {
	switch ev := event.(type) {
	case interpreter.UpdateAvailable:
		return "updateAvailable", UpdateAvailable{UpdateID: ev.UpdateID}, true
	case interpreter.DownloadComplete:
		return "downloadComplete", DownloadComplete{UpdateImage: ev.UpdateImage, Signature: ev.Signature}, true
	case interpreter.InstalledPackagesNeeded:
		return "getInstalledPackages", GetInstalledPackagesRequest{IncludePackages: true}, true
	default:
		return "", nil, false
	}
}
