// Package workspace loads the system prompt from a markdown file and keeps it
// current while the daemon runs.
//
// The file may start with YAML front matter:
//
//	---
//	name: assistant
//	vars:
//	  owner: Harun
//	---
//	You are ${owner}'s assistant.
//
// Front matter is stripped from the prompt; ${var} references in the body are
// expanded from vars. Unknown references are left as they are.
package workspace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// MaxPromptSize caps the prompt file (1MB).
const MaxPromptSize = 1 << 20

// FrontMatter is the optional YAML header of a prompt file.
type FrontMatter struct {
	Name string            `yaml:"name"`
	Vars map[string]string `yaml:"vars"`
}

// Prompt holds the current system prompt. A missing file is an empty prompt.
type Prompt struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	text     string
	hash     string
	meta     FrontMatter
	onReload func(text string)
}

// NewPrompt loads path once. The returned Prompt is usable even when path is
// empty.
func NewPrompt(path string, logger zerolog.Logger) (*Prompt, error) {
	p := &Prompt{
		path:   path,
		logger: logger.With().Str("component", "workspace").Logger(),
	}
	if _, err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the watched file.
func (p *Prompt) Path() string {
	return p.path
}

// Text returns the current prompt. It is safe to call from any goroutine and
// is meant to be passed as agent.RouterConfig.SystemPrompt.
func (p *Prompt) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// Meta returns the parsed front matter of the current file.
func (p *Prompt) Meta() FrontMatter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meta
}

// OnReload registers fn to run after the prompt text changed.
func (p *Prompt) OnReload(fn func(text string)) {
	p.mu.Lock()
	p.onReload = fn
	p.mu.Unlock()
}

// Reload re-reads the file. changed is false when the content hash is the
// same as before. On a parse error the previous prompt is kept.
func (p *Prompt) Reload() (changed bool, err error) {
	if p.path == "" {
		return false, nil
	}

	raw, err := readLimited(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			raw = nil
		} else {
			return false, fmt.Errorf("failed to read prompt file: %w", err)
		}
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	p.mu.RLock()
	same := hash == p.hash
	p.mu.RUnlock()
	if same {
		return false, nil
	}

	meta, body, err := splitFrontMatter(raw)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", p.path, err)
	}
	text := expandVars(strings.TrimSpace(body), meta.Vars)

	p.mu.Lock()
	p.text = text
	p.hash = hash
	p.meta = meta
	fn := p.onReload
	p.mu.Unlock()

	p.logger.Info().
		Str("path", p.path).
		Str("name", meta.Name).
		Int("chars", len(text)).
		Msg("System prompt loaded")

	if fn != nil {
		fn(text)
	}
	return true, nil
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxPromptSize {
		return nil, fmt.Errorf("file size %d exceeds maximum %d", info.Size(), MaxPromptSize)
	}
	return os.ReadFile(path)
}

var (
	fence  = []byte("---")
	varRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)
)

// splitFrontMatter separates a leading "---" YAML block from the body.
func splitFrontMatter(raw []byte) (FrontMatter, string, error) {
	var meta FrontMatter

	content := bytes.TrimPrefix(raw, []byte("\ufeff"))
	if !bytes.HasPrefix(content, fence) {
		return meta, string(content), nil
	}
	first := bytes.IndexByte(content, '\n')
	if first < 0 || len(bytes.TrimSpace(content[:first])) != len(fence) {
		return meta, string(content), nil
	}

	rest := content[first+1:]
	end := -1
	for offset := 0; offset < len(rest); {
		line := rest[offset:]
		next := bytes.IndexByte(line, '\n')
		if next >= 0 {
			line = line[:next]
		}
		if bytes.Equal(bytes.TrimSpace(line), fence) {
			end = offset
			break
		}
		if next < 0 {
			break
		}
		offset += next + 1
	}
	if end < 0 {
		return meta, "", errors.New("front matter is not closed")
	}

	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return meta, "", fmt.Errorf("invalid front matter: %w", err)
	}

	body := rest[end:]
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}
	return meta, string(body), nil
}

func expandVars(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	return varRef.ReplaceAllStringFunc(text, func(ref string) string {
		if v, ok := vars[ref[2:len(ref)-1]]; ok {
			return v
		}
		return ref
	})
}
