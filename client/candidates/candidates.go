// Package candidates holds the servers offered as throughput-test targets
// and the registries they are loaded from at session start.
package candidates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Candidate is a server that can be probed. It is never mutated after the
// registry hands it out.
type Candidate struct {
	ID     int    `json:"id"`
	Domain string `json:"domain"`
	Port   int    `json:"port"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%d/%s", c.ID, net.JoinHostPort(c.Domain, strconv.Itoa(c.Port)))
}

// Validate checks the connection coordinates.
func (c Candidate) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("candidate %q: invalid id %d", c.Domain, c.ID)
	}
	if len(c.Domain) == 0 {
		return fmt.Errorf("candidate %d: missing domain", c.ID)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("candidate %d: invalid port %d", c.ID, c.Port)
	}
	return nil
}

// Registry returns the ordered list of candidates for a session. An empty
// list is not an error.
type Registry interface {
	List(ctx context.Context) ([]Candidate, error)
}

var ErrDuplicateID = errors.New("duplicate candidate id")

// Static is a fixed, validated candidate list.
type Static struct {
	list []Candidate
}

func NewStatic(list []Candidate) (*Static, error) {
	if err := validateList(list); err != nil {
		return nil, err
	}
	cl := make([]Candidate, len(list))
	copy(cl, list)
	return &Static{list: cl}, nil
}

// LoadFile reads a JSON array of candidates.
func LoadFile(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []Candidate
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewStatic(list)
}

func (s *Static) List(_ context.Context) ([]Candidate, error) {
	cl := make([]Candidate, len(s.list))
	copy(cl, s.list)
	return cl, nil
}

func validateList(list []Candidate) error {
	seen := make(map[int]bool, len(list))
	for _, c := range list {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: %d", ErrDuplicateID, c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// Find returns the candidate with the given id.
func Find(list []Candidate, id int) (Candidate, bool) {
	for _, c := range list {
		if c.ID == id {
			return c, true
		}
	}
	return Candidate{}, false
}
