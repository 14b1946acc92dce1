package weightedscore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/scorer/score"
)

func ptr(f float64) *float64 { return &f }

func TestScoringWeights(t *testing.T) {
	scorer := NewScorer()

	tests := []struct {
		name     string
		result   probe.Result
		points   int
		expected score.Quality
	}{
		{
			name:     "Good all round",
			result:   probe.Result{PingMs: 60, DownloadKBps: 600, UploadKBps: ptr(300), LossPct: ptr(0)},
			points:   85,
			expected: score.Good,
		},
		{
			name:     "Fast download",
			result:   probe.Result{PingMs: 60, DownloadKBps: 1500, UploadKBps: ptr(300), LossPct: ptr(0)},
			points:   90,
			expected: score.Excellent,
		},
		{
			name:     "Perfect",
			result:   probe.Result{PingMs: 10, DownloadKBps: 5000, UploadKBps: ptr(5000), LossPct: ptr(0)},
			points:   100,
			expected: score.Excellent,
		},
		{
			name:     "Lossy",
			result:   probe.Result{PingMs: 150, DownloadKBps: 300, UploadKBps: ptr(150), LossPct: ptr(7)},
			points:   55,
			expected: score.Average,
		},
		{
			name:     "Total loss",
			result:   probe.Result{PingMs: 60, DownloadKBps: 600, UploadKBps: ptr(300), LossPct: ptr(100)},
			points:   60,
			expected: score.Average,
		},
		{
			name:     "Worst",
			result:   probe.Result{PingMs: 999, DownloadKBps: 0, UploadKBps: ptr(0), LossPct: ptr(100)},
			points:   15,
			expected: score.Poor,
		},
		{
			name:     "Missing upload and loss",
			result:   probe.Result{PingMs: 10, DownloadKBps: 5000},
			points:   55,
			expected: score.Average,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := scorer.Score(tt.result)
			assert.Equal(t, tt.points, v.Points)
			assert.Equal(t, tt.expected, v.Quality)

			sum := 0
			for _, p := range v.Breakdown {
				sum += p
			}
			assert.Equal(t, v.Points, sum)
		})
	}
}

func TestTierBoundaries(t *testing.T) {
	assert.Equal(t, 25, pingPoints(49.9))
	assert.Equal(t, 20, pingPoints(50))
	assert.Equal(t, 15, pingPoints(100))
	assert.Equal(t, 5, pingPoints(200))

	assert.Equal(t, 20, downloadPoints(1000))
	assert.Equal(t, 15, downloadPoints(500))
	assert.Equal(t, 5, downloadPoints(200))

	assert.Equal(t, 20, uploadPoints(500))
	assert.Equal(t, 5, uploadPoints(100))

	assert.Equal(t, 15, lossPoints(0.1))
	assert.Equal(t, 10, lossPoints(5))
	assert.Equal(t, 0, lossPoints(10))

	assert.Equal(t, score.Excellent, quality(90))
	assert.Equal(t, score.Good, quality(89))
	assert.Equal(t, score.Good, quality(70))
	assert.Equal(t, score.Average, quality(50))
	assert.Equal(t, score.Poor, quality(49))
}
