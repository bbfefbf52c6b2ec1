// Package skills loads Markdown skill definitions. Only the YAML
// front-matter is configuration; the Markdown body is carried verbatim
// and never interpreted.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// FrontMatter is the YAML header of a skill file.
type FrontMatter struct {
	Skill     string   `yaml:"skill" json:"skill"`
	Category  string   `yaml:"category" json:"category"`
	RiskLevel string   `yaml:"risk_level" json:"risk_level"`
	ColorTag  string   `yaml:"color_tag" json:"color_tag"`
	TaskTypes []string `yaml:"task_types" json:"task_types"`
}

// Skill is one loaded skill definition.
type Skill struct {
	FrontMatter `yaml:",inline"`

	// Path is the source file relative to the skills directory.
	Path string `json:"path"`
	// Body is the raw Markdown after the front-matter.
	Body string `json:"-"`
}

// Service loads and serves skill definitions from a directory tree.
type Service struct {
	dir string

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewService creates a skills service over dir. The directory may not
// exist yet; Reload treats that as zero skills.
func NewService(dir string) *Service {
	return &Service{dir: dir, skills: map[string]*Skill{}}
}

// DefaultService serves skills from .claude/skills.
func DefaultService() *Service {
	return NewService(filepath.Join(".claude", "skills"))
}

// Dir returns the watched skills directory.
func (s *Service) Dir() string {
	return s.dir
}

// Reload re-discovers and re-parses every skill file. Invalid files are
// skipped so one bad skill cannot hide the rest.
func (s *Service) Reload() error {
	matches, err := doublestar.Glob(os.DirFS(s.dir), "**/*.md")
	if err != nil {
		if os.IsNotExist(err) {
			matches = nil
		} else {
			return fmt.Errorf("discover skills: %w", err)
		}
	}

	loaded := make(map[string]*Skill)
	for _, rel := range matches {
		skill, err := parseFile(filepath.Join(s.dir, rel), rel)
		if err != nil {
			continue
		}
		loaded[skill.Skill] = skill
	}

	s.mu.Lock()
	s.skills = loaded
	s.mu.Unlock()
	return nil
}

// parseFile reads one skill file and splits off its front-matter.
func parseFile(path, rel string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}

	header, body, err := splitFrontMatter(string(data))
	if err != nil {
		return nil, err
	}

	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("parse skill front-matter: %w", err)
	}
	if fm.Skill == "" {
		return nil, fmt.Errorf("skill %s has no name", rel)
	}

	return &Skill{FrontMatter: fm, Path: rel, Body: body}, nil
}

// splitFrontMatter separates a leading `---` YAML block from the body.
func splitFrontMatter(content string) (header, body string, err error) {
	const fence = "---"
	if !strings.HasPrefix(content, fence+"\n") && !strings.HasPrefix(content, fence+"\r\n") {
		return "", "", fmt.Errorf("skill file has no front-matter")
	}

	rest := content[strings.Index(content, "\n")+1:]
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return "", "", fmt.Errorf("skill front-matter is not terminated")
	}
	header = rest[:idx]

	body = rest[idx+len("\n"+fence):]
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	return header, body, nil
}

// List returns all loaded skills sorted by name.
func (s *Service) List() []*Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Skill, 0, len(s.skills))
	for _, skill := range s.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out
}

// Get returns one skill by name.
func (s *Service) Get(name string) (*Skill, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skill, ok := s.skills[name]
	return skill, ok
}

// ForTaskType returns the skills declaring a task type, sorted by name.
func (s *Service) ForTaskType(taskType string) []*Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Skill
	for _, skill := range s.skills {
		for _, tt := range skill.TaskTypes {
			if tt == taskType {
				out = append(out, skill)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out
}
