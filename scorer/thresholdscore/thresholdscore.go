package thresholdscore

import (
	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/scorer/score"
)

type rule struct {
	maxPing     float64
	minDownload float64
	quality     score.Quality
}

// first match wins; both bounds are exclusive
var rules = []rule{
	{100, 500, score.Excellent},
	{200, 200, score.Good},
	{500, 100, score.Average},
}

type ThresholdScorer struct{}

func NewScorer() *ThresholdScorer {
	return &ThresholdScorer{}
}

func (s *ThresholdScorer) Name() string {
	return "threshold"
}

// Score classifies on ping and download only.
func (s *ThresholdScorer) Score(r probe.Result) score.Verdict {
	for _, rl := range rules {
		if r.PingMs < rl.maxPing && r.DownloadKBps > rl.minDownload {
			return score.Verdict{Quality: rl.quality}
		}
	}
	return score.Verdict{Quality: score.Poor}
}
