package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptLoader supplies the system prompt for each task.
type PromptLoader interface {
	Load(ctx context.Context) (string, error)
}

// StaticPrompt is a fixed system prompt.
type StaticPrompt string

func (p StaticPrompt) Load(ctx context.Context) (string, error) { return string(p), nil }

// FilePromptLoader reads the system prompt from a file and, when SkillsDir
// is set, appends a summary of the skills discovered under it. A skill is a
// directory containing a SKILL.md whose YAML front matter names it.
type FilePromptLoader struct {
	Path      string
	SkillsDir string
}

type skillHeader struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func (l *FilePromptLoader) Load(ctx context.Context) (string, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))

	if l.SkillsDir == "" {
		return prompt, nil
	}
	skills, err := discoverSkills(l.SkillsDir)
	if err != nil {
		return "", err
	}
	if len(skills) == 0 {
		return prompt, nil
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n## Available skills\n")
	for _, s := range skills {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
	}
	return sb.String(), nil
}

func discoverSkills(dir string) ([]skillHeader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []skillHeader
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name(), "SKILL.md"))
		if err != nil {
			continue
		}
		header, ok := parseSkillHeader(data)
		if !ok {
			continue
		}
		if header.Name == "" {
			header.Name = entry.Name()
		}
		skills = append(skills, header)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// parseSkillHeader extracts the YAML front matter between the leading "---"
// markers.
func parseSkillHeader(data []byte) (skillHeader, bool) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, "---") {
		return skillHeader{}, false
	}
	rest := strings.TrimPrefix(text, "---")
	end := strings.Index(rest, "---")
	if end < 0 {
		return skillHeader{}, false
	}
	var header skillHeader
	if err := yaml.Unmarshal([]byte(rest[:end]), &header); err != nil {
		return skillHeader{}, false
	}
	return header, header.Name != "" || header.Description != ""
}
