package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SettingsFileName is the project settings file under stateDir.
const SettingsFileName = "project-settings.json"

// SupervisorSettings controls supervised execution for one scope.
type SupervisorSettings struct {
	// Enabled gates whether the supervisor drives executor runs.
	Enabled bool `json:"enabled"`
	// TimeoutProfilesMs overrides the execution deadline per task
	// type, in milliseconds. Absent types fall back to the global
	// config profile.
	TimeoutProfilesMs map[string]int `json:"timeout_profiles_ms,omitempty"`
}

// ProjectSettingsFile is the on-disk shape of project-settings.json.
type ProjectSettingsFile struct {
	Global   SupervisorSettings            `json:"global"`
	Projects map[string]SupervisorSettings `json:"projects,omitempty"`
}

func (s *Store) settingsPath() string {
	return filepath.Join(s.stateDir, SettingsFileName)
}

func (s *Store) loadSettings() (*ProjectSettingsFile, error) {
	data, err := os.ReadFile(s.settingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &ProjectSettingsFile{
				Global:   SupervisorSettings{Enabled: true},
				Projects: map[string]SupervisorSettings{},
			}, nil
		}
		return nil, fmt.Errorf("read project settings: %w", err)
	}
	var file ProjectSettingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse project settings: %w", err)
	}
	if file.Projects == nil {
		file.Projects = map[string]SupervisorSettings{}
	}
	return &file, nil
}

func (s *Store) saveSettings(file *ProjectSettingsFile) error {
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project settings: %w", err)
	}
	if err := os.WriteFile(s.settingsPath(), data, 0644); err != nil {
		return fmt.Errorf("write project settings: %w", err)
	}
	return nil
}

// GlobalSettings returns the global supervisor settings.
func (s *Store) GlobalSettings() (SupervisorSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadSettings()
	if err != nil {
		return SupervisorSettings{}, err
	}
	return file.Global, nil
}

// SetGlobalSettings replaces the global supervisor settings.
func (s *Store) SetGlobalSettings(settings SupervisorSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadSettings()
	if err != nil {
		return err
	}
	file.Global = settings
	return s.saveSettings(file)
}

// ProjectSettings returns the settings for one project, falling back
// to the global settings when the project has no override.
func (s *Store) ProjectSettings(projectID string) (SupervisorSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadSettings()
	if err != nil {
		return SupervisorSettings{}, err
	}
	if settings, ok := file.Projects[projectID]; ok {
		return settings, nil
	}
	return file.Global, nil
}

// SetProjectSettings stores a per-project settings override.
func (s *Store) SetProjectSettings(projectID string, settings SupervisorSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadSettings()
	if err != nil {
		return err
	}
	file.Projects[projectID] = settings
	return s.saveSettings(file)
}

// ToggleGlobal flips the global enabled flag and returns the new value.
func (s *Store) ToggleGlobal() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadSettings()
	if err != nil {
		return false, err
	}
	file.Global.Enabled = !file.Global.Enabled
	if err := s.saveSettings(file); err != nil {
		return false, err
	}
	return file.Global.Enabled, nil
}
