package rvi

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/kolide/uptane/interpreter"
	"github.com/kolide/uptane/pacman"
	"github.com/kolide/uptane/transfer"
	"github.com/kolide/uptane/transport"
)

// LocalServices are this device's own /sota/* endpoint URLs, registered
// with the RVI node and echoed back to the backend in DownloadStarted.
type LocalServices struct {
	Start       string `json:"start"`
	Abort       string `json:"abort"`
	Chunk       string `json:"chunk"`
	Finish      string `json:"finish"`
	GetPackages string `json:"getpackages"`
}

// BackendServices are the backend's ack endpoints, learned from a Notify.
type BackendServices struct {
	Start    string `json:"start"`
	Ack      string `json:"ack"`
	Report   string `json:"report"`
	Packages string `json:"packages"`
}

// RemoteServices holds everything needed to talk back to the RVI node:
// the device identity, the node's own JSON-RPC endpoint, and the local/
// backend service addresses exchanged during registration and Notify. The
// mutex guards the address fields and the request-id counter against
// concurrent inbound dispatches.
type RemoteServices struct {
	DeviceID  string
	RviClient string
	HTTP      transport.Doer

	mu      sync.Mutex
	local   *LocalServices
	backend *BackendServices
	nextID  uint64
}

// NewRemoteServices builds a RemoteServices for deviceID, sending messages
// to rviClient over doer.
func NewRemoteServices(deviceID, rviClient string, doer transport.Doer) *RemoteServices {
	return &RemoteServices{DeviceID: deviceID, RviClient: rviClient, HTTP: doer}
}

// SetLocal records this device's registered service addresses.
func (r *RemoteServices) SetLocal(l LocalServices) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = &l
}

// SetBackend records the backend ack endpoints learned from a Notify.
func (r *RemoteServices) SetBackend(b BackendServices) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend = &b
}

func (r *RemoteServices) backendServices() (BackendServices, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend == nil {
		return BackendServices{}, errors.New("rvi: BackendServices not set")
	}
	return *r.backend, nil
}

func (r *RemoteServices) nextRequestID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *RemoteServices) sendMessage(body interface{}, addr string) ([]byte, error) {
	msg := NewRviMessage(addr, body, 60)
	req := NewRpcRequest(r.nextRequestID(), "message", msg)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding rvi message")
	}
	return r.HTTP.Post(context.Background(), r.RviClient, payload)
}

// SendDownloadStarted notifies the backend that updateID's transfer began,
// echoing back this device's local service addresses.
func (r *RemoteServices) SendDownloadStarted(updateID string) ([]byte, error) {
	r.mu.Lock()
	if r.backend == nil {
		r.mu.Unlock()
		return nil, errors.New("rvi: BackendServices not set")
	}
	if r.local == nil {
		r.mu.Unlock()
		return nil, errors.New("rvi: LocalServices not set")
	}
	start := DownloadStarted{Device: r.DeviceID, UpdateID: updateID, Services: *r.local}
	addr := r.backend.Start
	r.mu.Unlock()
	return r.sendMessage(start, addr)
}

// SendChunkReceived acks one or more received chunk indices.
func (r *RemoteServices) SendChunkReceived(chunk ChunkReceived) ([]byte, error) {
	backend, err := r.backendServices()
	if err != nil {
		return nil, err
	}
	return r.sendMessage(chunk, backend.Ack)
}

// SendUpdateReport submits an install outcome to the backend's report
// endpoint.
func (r *RemoteServices) SendUpdateReport(report interpreter.InstallResult) ([]byte, error) {
	backend, err := r.backendServices()
	if err != nil {
		return nil, err
	}
	result := struct {
		Device       string                    `json:"device"`
		UpdateReport interpreter.InstallResult `json:"update_report"`
	}{Device: r.DeviceID, UpdateReport: report}
	return r.sendMessage(result, backend.Report)
}

// SendInstalledPackages submits the device's current package list.
func (r *RemoteServices) SendInstalledPackages(packages []pacman.Package) ([]byte, error) {
	backend, err := r.backendServices()
	if err != nil {
		return nil, err
	}
	result := struct {
		DeviceID  string           `json:"device_id"`
		Installed []pacman.Package `json:"installed"`
	}{DeviceID: r.DeviceID, Installed: packages}
	return r.sendMessage(result, backend.Packages)
}

// Services binds RemoteServices bookkeeping to a transfer.Engine and
// dispatches inbound /sota/* JSON-RPC requests, forwarding any resulting
// Event to Events.
type Services struct {
	Remote *RemoteServices
	Engine *transfer.Engine
	Events chan<- interpreter.Event
}

// NewServices builds a Services dispatcher.
func NewServices(remote *RemoteServices, engine *transfer.Engine, events chan<- interpreter.Event) *Services {
	return &Services{Remote: remote, Engine: engine, Events: events}
}

// RegisterServices registers the notify endpoint and this device's five
// local service endpoints via register, which must return the URL RVI
// will use to reach the path it's given.
func (s *Services) RegisterServices(register func(path string) string) {
	register("/sota/notify")
	s.Remote.SetLocal(LocalServices{
		Start:       register("/sota/start"),
		Chunk:       register("/sota/chunk"),
		Abort:       register("/sota/abort"),
		Finish:      register("/sota/finish"),
		GetPackages: register("/sota/getpackages"),
	})
}

type inboundEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		ServiceName string            `json:"service_name"`
		Parameters  []json.RawMessage `json:"parameters"`
		Timeout     *int64            `json:"timeout,omitempty"`
	} `json:"params"`
}

// HandleService parses msg as an RpcRequest<RviMessage<Parameter>>, decodes
// its single parameter according to service, and dispatches it.
func (s *Services) HandleService(service string, msg []byte) (RpcOk, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return RpcOk{}, NewParseError(err.Error())
	}
	if len(env.Params.Parameters) == 0 {
		return RpcOk{}, NewInvalidParams(env.ID, "no parameters in request")
	}

	var param Parameter
	switch service {
	case "/sota/notify":
		param = &Notify{}
	case "/sota/start":
		param = &Start{}
	case "/sota/chunk":
		param = &Chunk{}
	case "/sota/finish":
		param = &Finish{}
	case "/sota/getpackages":
		param = &Report{}
	case "/sota/abort":
		param = &Abort{}
	default:
		return RpcOk{}, NewInvalidRequest(env.ID, "unknown service: "+service)
	}

	if err := json.Unmarshal(env.Params.Parameters[0], param); err != nil {
		return RpcOk{}, NewInvalidParams(env.ID, "couldn't decode message: "+err.Error())
	}

	event, err := param.Handle(s.Remote, s.Engine)
	if err != nil {
		return RpcOk{}, NewUnspecified(env.ID, "couldn't handle parameters: "+err.Error())
	}
	if event != nil && s.Events != nil {
		s.Events <- event
	}
	return NewRpcOk(env.ID), nil
}
