package weightedscore

import (
	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/scorer/score"
)

type WeightedScorer struct{}

func NewScorer() *WeightedScorer {
	return &WeightedScorer{}
}

func (s *WeightedScorer) Name() string {
	return "weighted"
}

// Score adds up to 25 points for each of ping, download, upload and
// loss. A missing upload or loss measurement gets the lowest tier.
func (s *WeightedScorer) Score(r probe.Result) score.Verdict {
	b := map[string]int{
		"ping":     pingPoints(r.PingMs),
		"download": downloadPoints(r.DownloadKBps),
		"upload":   5,
		"loss":     0,
	}
	if r.UploadKBps != nil {
		b["upload"] = uploadPoints(*r.UploadKBps)
	}
	if r.LossPct != nil {
		b["loss"] = lossPoints(*r.LossPct)
	}

	total := 0
	for _, p := range b {
		total += p
	}

	return score.Verdict{
		Quality:   quality(total),
		Points:    total,
		Breakdown: b,
	}
}

func quality(points int) score.Quality {
	switch {
	case points >= 90:
		return score.Excellent
	case points >= 70:
		return score.Good
	case points >= 50:
		return score.Average
	}
	return score.Poor
}

func pingPoints(ms float64) int {
	switch {
	case ms < 50:
		return 25
	case ms < 100:
		return 20
	case ms < 200:
		return 15
	}
	return 5
}

func downloadPoints(kbps float64) int {
	switch {
	case kbps > 1000:
		return 25
	case kbps > 500:
		return 20
	case kbps > 200:
		return 15
	}
	return 5
}

func uploadPoints(kbps float64) int {
	switch {
	case kbps > 500:
		return 25
	case kbps > 200:
		return 20
	case kbps > 100:
		return 15
	}
	return 5
}

func lossPoints(pct float64) int {
	switch {
	case pct == 0:
		return 25
	case pct < 5:
		return 15
	case pct < 10:
		return 10
	}
	return 0
}
