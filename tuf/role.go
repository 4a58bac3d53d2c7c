package tuf

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RoleName is the closed set of Uptane/TUF top-level roles.
type RoleName string

// The four top-level roles. Names are lowercase on output, case-insensitive
// on input.
const (
	RoleRoot      RoleName = "root"
	RoleTargets   RoleName = "targets"
	RoleSnapshot  RoleName = "snapshot"
	RoleTimestamp RoleName = "timestamp"
)

func (r RoleName) String() string { return string(r) }

// ParseRoleName accepts any case and returns the canonical lowercase RoleName.
func ParseRoleName(s string) (RoleName, error) {
	switch strings.ToLower(s) {
	case string(RoleRoot):
		return RoleRoot, nil
	case string(RoleTargets):
		return RoleTargets, nil
	case string(RoleSnapshot):
		return RoleSnapshot, nil
	case string(RoleTimestamp):
		return RoleTimestamp, nil
	default:
		return "", errors.Errorf("unknown role name %q", s)
	}
}

// MarshalText lowercases the role name on output. Text marshalling (rather
// than JSON) also covers role names used as map keys in root.json's roles
// object.
func (r RoleName) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(string(r))), nil
}

// UnmarshalText accepts any case.
func (r *RoleName) UnmarshalText(data []byte) error {
	name, err := ParseRoleName(string(data))
	if err != nil {
		return err
	}
	*r = name
	return nil
}

// RoleData is the signed content of a role metadata file.
type RoleData struct {
	Type    RoleName              `json:"_type"`
	Version uint64                `json:"version"`
	Expires time.Time             `json:"expires"`
	Keys    map[string]Key        `json:"keys,omitempty"`    // root only
	Roles   map[RoleName]RoleMeta `json:"roles,omitempty"`   // root only
	Targets map[string]TufMeta    `json:"targets,omitempty"` // targets only
	Meta    map[string]TufMeta    `json:"meta,omitempty"`    // snapshot/timestamp only
}

// Expired reports whether this role's metadata has expired as of now.
func (r RoleData) Expired(now time.Time) bool {
	return !r.Expires.After(now)
}

// RoleMeta describes which keys sign a role and the threshold required.
type RoleMeta struct {
	KeyIDs    []string `json:"keyids"`
	Threshold uint64   `json:"threshold"`
	// Version is local bookkeeping only: the last version accepted for
	// this role. It is never (de)serialized as part of role metadata.
	Version uint64 `json:"-"`
}

func (rm RoleMeta) hasKeyID(keyID string) bool {
	for _, id := range rm.KeyIDs {
		if id == keyID {
			return true
		}
	}
	return false
}

// TufMeta describes the length, hashes and optional custom data of a
// target or a role-meta entry (used by Targets and by Snapshot/Timestamp).
type TufMeta struct {
	Length uint64            `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom *TufCustom        `json:"custom,omitempty"`
}

// TufCustom carries Uptane-specific custom target metadata.
type TufCustom struct {
	EcuIdentifier string `json:"ecuIdentifier,omitempty"`
	URI           string `json:"uri,omitempty"`
}

// TufImage identifies an image installed on an ECU by filepath and metadata.
type TufImage struct {
	Filepath string  `json:"filepath"`
	Fileinfo TufMeta `json:"fileinfo"`
}

// TufSigned wraps an arbitrary signed JSON payload with its signatures. The
// bytes actually signed/verified are the canonical-JSON encoding of Signed.
type TufSigned struct {
	Signatures []Signature     `json:"signatures"`
	Signed     json.RawMessage `json:"signed"`
}

// Signature carries one signature over a TufSigned's Signed field.
type Signature struct {
	KeyID  string        `json:"keyid"`
	Method SignatureType `json:"method"`
	Sig    string        `json:"sig"` // base64
}

// SignatureType is the closed set of supported signature algorithms.
type SignatureType string

const (
	SigRsaSsaPss SignatureType = "rsassa-pss-sha256"
	SigEd25519   SignatureType = "ed25519"
)

// EcuVersion is the per-ECU installed-image report embedded in a manifest.
type EcuVersion struct {
	AttacksDetected        string     `json:"attacks_detected"`
	EcuSerial              string     `json:"ecu_serial"`
	InstalledImage         TufImage   `json:"installed_image"`
	PreviousTimeserverTime string     `json:"previous_timeserver_time"`
	TimeserverTime         string     `json:"timeserver_time"`
	Custom                 *EcuCustom `json:"custom,omitempty"`
}

// NewEcuVersion builds an EcuVersion with unix-epoch timeserver
// placeholders; a device with no timeserver reports the epoch.
func NewEcuVersion(ecuSerial string, image TufImage, custom *EcuCustom) EcuVersion {
	return EcuVersion{
		AttacksDetected:        "",
		EcuSerial:              ecuSerial,
		InstalledImage:         image,
		PreviousTimeserverTime: "1970-01-01T00:00:00Z",
		TimeserverTime:         "1970-01-01T00:00:00Z",
		Custom:                 custom,
	}
}

// EcuCustom wraps the result of the install operation for inclusion in an
// EcuVersion's custom field.
type EcuCustom struct {
	OperationResult InstallResult `json:"operation_result"`
}

// InstallResult is the outcome of an install attempt for one ECU.
type InstallResult struct {
	ID      string `json:"id"`
	Code    string `json:"result_code"`
	Message string `json:"result_text"`
}

// Manifests maps ECU serial to its signed EcuVersion.
type Manifests map[string]TufSigned

// EcuManifests is the full device report submitted to the Director.
type EcuManifests struct {
	PrimaryEcuSerial    string    `json:"primary_ecu_serial"`
	EcuVersionManifests Manifests `json:"ecu_version_manifests"`
}
