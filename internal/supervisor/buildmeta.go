package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const buildMetaFile = "build-meta.json"

// BuildMeta identifies the executor build currently in place. Both
// fields update together on every successful build and never on a
// failed one.
type BuildMeta struct {
	BuildSHA       string `json:"build_sha"`
	BuildTimestamp string `json:"build_timestamp"`
}

// loadBuildMeta reads build-meta.json; a missing file yields zero meta.
func loadBuildMeta(stateDir string) (BuildMeta, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, buildMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return BuildMeta{}, nil
		}
		return BuildMeta{}, fmt.Errorf("read build meta: %w", err)
	}
	var meta BuildMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return BuildMeta{}, fmt.Errorf("parse build meta: %w", err)
	}
	return meta, nil
}

// saveBuildMeta writes build-meta.json atomically (temp file + rename)
// so a crash mid-write never leaves torn meta behind.
func saveBuildMeta(stateDir string, meta BuildMeta) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal build meta: %w", err)
	}

	path := filepath.Join(stateDir, buildMetaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write build meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace build meta: %w", err)
	}
	return nil
}

// buildSHA derives the 12-hex build identifier: a content hash of the
// executor binary when it can be resolved, otherwise a hash of the
// build output and timestamp.
func buildSHA(command string, buildOutput []byte, at time.Time) string {
	h := sha256.New()
	if path, err := exec.LookPath(command); err == nil {
		if f, err := os.Open(path); err == nil {
			_, _ = io.Copy(h, f)
			f.Close()
			return hex.EncodeToString(h.Sum(nil))[:12]
		}
	}
	h.Write(buildOutput)
	h.Write([]byte(at.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:12]
}
