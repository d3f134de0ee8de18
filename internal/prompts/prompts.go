// Package prompts loads the system templates and fills their placeholders.
//
// Templates are read from a directory on every use, so edits take effect on the next
// turn. A template missing from the directory falls back to the built-in copy.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Name string

const (
	Default       Name = "system_default"
	UpdateProfile Name = "system_update_user_profile"
	NewKB         Name = "system_instantiate_new_kb"
	UpdateKB      Name = "system_update_existing_kb"
	SplitKB       Name = "system_split_kb"
)

// Placeholders
const (
	Profile = "<<PROFILE>>"
	KB      = "<<KB>>"
	Upd     = "<<UPD>>"
	Words   = "<<WORDS>>"
)

//go:embed defaults/*.txt
var defaults embed.FS

type Templates struct {
	dir string
}

// New reads templates from dir. An empty dir uses only the built-in templates.
func New(dir string) *Templates {
	return &Templates{dir: dir}
}

// Load returns the raw text of a template.
func (t *Templates) Load(name Name) (string, error) {
	file := string(name) + ".txt"
	if t.dir != "" {
		data, err := os.ReadFile(filepath.Join(t.dir, file))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("reading template %s: %w", name, err)
		}
	}

	data, err := defaults.ReadFile("defaults/" + file)
	if err != nil {
		return "", fmt.Errorf("unknown template %s: %w", name, err)
	}
	return string(data), nil
}

// Render loads name and replaces each key of vars with its value.
func (t *Templates) Render(name Name, vars map[string]string) (string, error) {
	text, err := t.Load(name)
	if err != nil {
		return "", err
	}
	return Fill(text, vars), nil
}

// Fill replaces placeholders in a single pass, so values containing placeholder text
// are left alone.
func Fill(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// System renders the chat system message.
func (t *Templates) System(profile, kb string) (string, error) {
	return t.Render(Default, map[string]string{Profile: profile, KB: kb})
}

// ProfileUpdate renders the profile consolidation system message. The word target is
// the whitespace word count of the current profile.
func (t *Templates) ProfileUpdate(profile string) (string, error) {
	return t.Render(UpdateProfile, map[string]string{
		Upd:   profile,
		Words: strconv.Itoa(WordCount(profile)),
	})
}

// WordCount counts whitespace-delimited words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
