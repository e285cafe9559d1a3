package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

import (
	"github.com/stockpulse/rls/internal/rule"
)

var (
	// ErrDuplicate is returned when creating a policy whose name exists.
	ErrDuplicate = errors.New("policy: duplicate name")
	// ErrNotFound is returned when operating on an unknown policy.
	ErrNotFound = errors.New("policy: not found")
	// ErrInvalidImport is returned when an import payload cannot be parsed
	// at all. Individual bad entries inside a parseable payload are skipped,
	// not fatal.
	ErrInvalidImport = errors.New("policy: invalid import data")
)

// Policy is a named, versioned bundle of rules assignable to identifiers
// ("developer", "premium", "standard", "anonymous", ...).
type Policy struct {
	Name        string      `yaml:"name"        json:"name"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Rules       []rule.Rule `yaml:"rules"       json:"rules"`
	Enabled     bool        `yaml:"enabled"     json:"enabled"`
	Priority    int         `yaml:"priority"    json:"priority"`
	CreatedAt   time.Time   `yaml:"createdAt"   json:"createdAt"`
	UpdatedAt   time.Time   `yaml:"updatedAt"   json:"updatedAt"`
	CreatedBy   string      `yaml:"createdBy"   json:"createdBy,omitempty"`
}

func (p *Policy) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy: name is required")
	}
	for i := range p.Rules {
		if err := p.Rules[i].Normalize(); err != nil {
			return err
		}
	}
	return nil
}
