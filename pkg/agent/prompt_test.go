package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, dir, name, frontMatter string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	content := "---\n" + frontMatter + "\n---\n\nBody text.\n"
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644))
}

func TestFilePromptLoader(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "system.md")
	require.NoError(t, os.WriteFile(promptPath, []byte("You are an agent.\n"), 0o644))

	loader := &FilePromptLoader{Path: promptPath}
	prompt, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "You are an agent.", prompt)
}

func TestFilePromptLoaderMissingFile(t *testing.T) {
	loader := &FilePromptLoader{Path: filepath.Join(t.TempDir(), "absent.md")}
	_, err := loader.Load(context.Background())
	require.Error(t, err)
}

func TestFilePromptLoaderWithSkills(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "system.md")
	require.NoError(t, os.WriteFile(promptPath, []byte("Base prompt."), 0o644))

	skills := filepath.Join(dir, "skills")
	writeSkill(t, skills, "review", "name: code-review\ndescription: Review diffs for defects")
	writeSkill(t, skills, "deploy", "name: deploy\ndescription: Ship a release")

	// Not a skill: no front matter.
	broken := filepath.Join(skills, "broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "SKILL.md"), []byte("just text"), 0o644))

	loader := &FilePromptLoader{Path: promptPath, SkillsDir: skills}
	prompt, err := loader.Load(context.Background())
	require.NoError(t, err)

	assert.Contains(t, prompt, "Base prompt.")
	assert.Contains(t, prompt, "## Available skills")
	assert.Contains(t, prompt, "- code-review: Review diffs for defects")
	assert.Contains(t, prompt, "- deploy: Ship a release")
	assert.NotContains(t, prompt, "broken")

	// Sorted by name.
	assert.Less(t, strings.Index(prompt, "code-review"), strings.Index(prompt, "deploy"))
}

func TestFilePromptLoaderEmptySkillsDir(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "system.md")
	require.NoError(t, os.WriteFile(promptPath, []byte("Base."), 0o644))

	loader := &FilePromptLoader{Path: promptPath, SkillsDir: filepath.Join(dir, "nope")}
	prompt, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Base.", prompt)
}

func TestParseSkillHeader(t *testing.T) {
	header, ok := parseSkillHeader([]byte("---\nname: x\ndescription: y\n---\nbody"))
	require.True(t, ok)
	assert.Equal(t, "x", header.Name)
	assert.Equal(t, "y", header.Description)

	_, ok = parseSkillHeader([]byte("no front matter"))
	assert.False(t, ok)

	_, ok = parseSkillHeader([]byte("---\nname: x\nnever closed"))
	assert.False(t, ok)
}
