// Package seed populates a graph with fake users, posts, replies, reposts and
// follows for development and demos.
package seed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan describes the fake social graph to generate.
type Plan struct {
	// Seed makes content reproducible; zero picks a random seed.
	Seed           int64    `yaml:"seed"`
	Users          int      `yaml:"users"`
	PostsPerUser   int      `yaml:"posts_per_user"`
	ReplyRatio     float64  `yaml:"reply_ratio"`
	RepostsPerUser int      `yaml:"reposts_per_user"`
	FollowsPerUser int      `yaml:"follows_per_user"`
	Hashtags       []string `yaml:"hashtags"`
}

// DefaultPlan is a small graph suitable for local development.
func DefaultPlan() Plan {
	return Plan{
		Users:          8,
		PostsPerUser:   5,
		ReplyRatio:     0.3,
		RepostsPerUser: 1,
		FollowsPerUser: 3,
		Hashtags:       []string{"golang", "graphs", "music", "travel", "food", "homelab"},
	}
}

// ParsePlan decodes a YAML plan over the defaults. Unknown keys are rejected.
func ParsePlan(data []byte) (Plan, error) {
	plan := DefaultPlan()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil && !errors.Is(err, io.EOF) {
		return Plan{}, fmt.Errorf("decode seed plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// LoadPlan reads a YAML plan from path.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read seed plan: %w", err)
	}
	return ParsePlan(data)
}

// Validate checks that the plan can be generated.
func (p Plan) Validate() error {
	if p.Users <= 0 {
		return errors.New("users must be positive")
	}
	if p.PostsPerUser < 0 || p.RepostsPerUser < 0 || p.FollowsPerUser < 0 {
		return errors.New("per-user counts must not be negative")
	}
	if p.FollowsPerUser >= p.Users {
		return fmt.Errorf("follows_per_user must be below users (%d)", p.Users)
	}
	if p.ReplyRatio < 0 || p.ReplyRatio > 1 {
		return errors.New("reply_ratio must be between 0 and 1")
	}
	return nil
}
