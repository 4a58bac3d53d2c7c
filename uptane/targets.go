package uptane

import (
	"github.com/go-kit/kit/log/level"

	"github.com/kolide/uptane/tuf"
)

// OstreePackage is an install descriptor derived from a Targets entry:
// the ECU it belongs to, the OSTree ref it installs, the commit to fetch,
// and the Treehub endpoint to fetch it from.
type OstreePackage struct {
	Ecu     string
	Refname string
	Commit  string
	Treehub string
}

// ExtractPackages walks targets and emits one OstreePackage per entry whose
// hash map contains a sha256 digest and whose custom.ecuIdentifier is
// present; entries missing either are skipped and logged.
func (c *Client) ExtractPackages(targets map[string]tuf.TufMeta, treehubURL string) []OstreePackage {
	var out []OstreePackage
	for refname, meta := range targets {
		sha256, ok := meta.Hashes["sha256"]
		if !ok {
			level.Debug(c.log).Log("msg", "skipping target without sha256 hash", "target", refname)
			continue
		}
		if meta.Custom == nil || meta.Custom.EcuIdentifier == "" {
			level.Debug(c.log).Log("msg", "skipping target without ecuIdentifier", "target", refname)
			continue
		}
		out = append(out, OstreePackage{
			Ecu:     meta.Custom.EcuIdentifier,
			Refname: refname,
			Commit:  sha256,
			Treehub: treehubURL,
		})
	}
	return out
}
