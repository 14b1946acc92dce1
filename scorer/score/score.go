// Package score holds the quality classification shared by the scorers.
package score

import "fmt"

type Quality int

const (
	Poor Quality = iota
	Average
	Good
	Excellent
)

func (q Quality) String() string {
	switch q {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Average:
		return "average"
	case Poor:
		return "poor"
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *Quality) UnmarshalText(b []byte) error {
	v, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

func ParseQuality(s string) (Quality, error) {
	switch s {
	case "excellent":
		return Excellent, nil
	case "good":
		return Good, nil
	case "average":
		return Average, nil
	case "poor":
		return Poor, nil
	}
	return Poor, fmt.Errorf("unknown quality %q", s)
}

// Verdict is the classification of one probe result. Points and
// Breakdown are only set by point based scorers.
type Verdict struct {
	Quality   Quality        `json:"quality"`
	Points    int            `json:"points,omitempty"`
	Breakdown map[string]int `json:"breakdown,omitempty"`
}
