package types

import (
	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/scorer/score"
)

type Scorer interface {
	Name() string
	Score(r probe.Result) score.Verdict
}
