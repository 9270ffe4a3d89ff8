package skills

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// PageOpener loads a web page and returns its title and visible text.
type PageOpener interface {
	Open(ctx context.Context, url string) (title, text string, err error)
}

// BuiltinConfig wires the builtin skills to the host.
type BuiltinConfig struct {
	// WorkspaceDir roots files.read and files.list.
	WorkspaceDir string
	// NotesDir holds one markdown file per conversation for notes.append.
	NotesDir string
	// Browser enables browser.open when set.
	Browser PageOpener
	// MaxReadBytes caps files.read (default 64KB).
	MaxReadBytes int
}

// RegisterBuiltins adds the builtin skills to r.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 64 * 1024
	}

	defs := []Skill{
		{
			Name:        "clock.now",
			Description: "Current date and time, optionally in an IANA timezone such as Asia/Jakarta.",
			Params: []Param{
				{Name: "timezone", Type: "string", Description: "IANA timezone name"},
			},
			Category: CategoryGeneral,
			Handler:  clockNow,
		},
	}

	if cfg.WorkspaceDir != "" {
		root := cfg.WorkspaceDir
		defs = append(defs,
			Skill{
				Name:        "files.read",
				Description: "Read a text file from the workspace.",
				Params: []Param{
					{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
					{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to return"},
				},
				Category: CategoryRead,
				Handler:  filesRead(root, cfg.MaxReadBytes),
			},
			Skill{
				Name:        "files.list",
				Description: "List entries of a workspace directory.",
				Params: []Param{
					{Name: "path", Type: "string", Description: "Directory relative to the workspace root", Default: "."},
				},
				Category: CategoryRead,
				Handler:  filesList(root),
			},
		)
	}

	if cfg.NotesDir != "" {
		defs = append(defs, Skill{
			Name:        "notes.append",
			Description: "Append a note to this conversation's notebook.",
			Params: []Param{
				{Name: "conversation_id", Type: "string", Description: "Conversation the note belongs to", Required: true},
				{Name: "text", Type: "string", Description: "Note text", Required: true},
			},
			Category:     CategoryWrite,
			ContextParam: "conversation_id",
			Handler:      notesAppend(cfg.NotesDir),
		})
	}

	if cfg.Browser != nil {
		defs = append(defs, Skill{
			Name:        "browser.open",
			Description: "Open a web page in a headless browser and return its title and text.",
			Params: []Param{
				{Name: "url", Type: "string", Description: "http(s) URL to open", Required: true},
			},
			Category:  CategoryUI,
			AdminOnly: true,
			Handler:   browserOpen(cfg.Browser),
		})
	}

	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func clockNow(_ context.Context, args map[string]interface{}) (string, error) {
	now := time.Now()
	if tz := String(args, "timezone", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, 02 January 2006 15:04:05 MST"), nil
}

// resolve joins rel onto root and refuses paths that escape it.
func resolve(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absRoot, filepath.Clean("/"+rel))
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", rel)
	}
	return full, nil
}

func filesRead(root string, limit int) Handler {
	return func(_ context.Context, args map[string]interface{}) (string, error) {
		path, err := resolve(root, String(args, "path", ""))
		if err != nil {
			return "", err
		}
		max := Int(args, "max_bytes", limit)
		if max <= 0 || max > limit {
			max = limit
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("file not found: %s", args["path"])
			}
			return "", err
		}
		out, _ := Truncate(string(data), max)
		return out, nil
	}
}

func filesList(root string) Handler {
	return func(_ context.Context, args map[string]interface{}) (string, error) {
		path, err := resolve(root, String(args, "path", "."))
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", err
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			return "(empty directory)", nil
		}
		return strings.Join(names, "\n"), nil
	}
}

func notesAppend(dir string) Handler {
	var mu sync.Mutex
	return func(_ context.Context, args map[string]interface{}) (string, error) {
		conv := String(args, "conversation_id", "")
		if conv == "" || strings.ContainsAny(conv, "/\\") || strings.Contains(conv, "..") {
			return "", fmt.Errorf("invalid conversation id %q", conv)
		}
		text := strings.TrimSpace(String(args, "text", ""))
		if text == "" {
			return "", errors.New("note text is empty")
		}

		mu.Lock()
		defer mu.Unlock()

		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
		f, err := os.OpenFile(filepath.Join(dir, conv+".md"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return "", err
		}
		defer f.Close()

		line := fmt.Sprintf("- %s %s\n", time.Now().Format(time.RFC3339), text)
		if _, err := f.WriteString(line); err != nil {
			return "", err
		}
		return "Note saved.", nil
	}
}

func browserOpen(b PageOpener) Handler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		url := String(args, "url", "")
		title, text, err := b.Open(ctx, url)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Title: %s\n\n%s", title, text), nil
	}
}
