// Package scorer picks the scoring policy for a probe profile.
package scorer

import (
	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/scorer/thresholdscore"
	"github.com/mrnimwx/speedprobe/scorer/types"
	"github.com/mrnimwx/speedprobe/scorer/weightedscore"
)

// ForProfile returns the threshold scorer for profiles that only measure
// ping and download, and the weighted scorer for everything else.
func ForProfile(p probe.Profile) types.Scorer {
	if len(p.UploadSizes) == 0 && !p.Integrity {
		return thresholdscore.NewScorer()
	}
	return weightedscore.NewScorer()
}

// ForResult picks the scorer for a stored result: by its profile name
// when known, otherwise by which measurements it carries.
func ForResult(r probe.Result) types.Scorer {
	if p, ok := probe.ProfileByName(r.Profile); ok {
		return ForProfile(p)
	}
	if r.UploadKBps == nil && r.LossPct == nil {
		return thresholdscore.NewScorer()
	}
	return weightedscore.NewScorer()
}
