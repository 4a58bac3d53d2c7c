package uptane

import (
	"github.com/pkg/errors"

	"github.com/kolide/uptane/tuf"
)

// SignManifest constructs an EcuVersion for the primary ECU, embedding
// result as the manifest's custom operation_result when present, and
// signs it with the configured primary key.
func (c *Client) SignManifest(installedImage tuf.TufImage, result *tuf.InstallResult) (tuf.TufSigned, error) {
	var custom *tuf.EcuCustom
	if result != nil {
		custom = &tuf.EcuCustom{OperationResult: *result}
	}
	version := tuf.NewEcuVersion(c.cfg.PrimaryEcuSerial, installedImage, custom)

	signed, err := c.cfg.PrimaryKey.SignData(version, c.cfg.SigType)
	if err != nil {
		return tuf.TufSigned{}, errors.Wrap(err, "signing ecu version manifest")
	}
	return signed, nil
}
