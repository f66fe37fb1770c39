// Package coretools registers the built-in workspace tools: file
// reading, writing, line-oriented editing and directory listing. All
// paths are resolved relative to the workspace root and may not escape
// it.
package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/tool"
)

// DefaultMaxReadBytes caps read_file output when the call does not set
// its own limit.
const DefaultMaxReadBytes = 200_000

// Options configures the workspace tools.
type Options struct {
	// WorkspaceRoot is the directory the tools operate in. Required.
	WorkspaceRoot string
}

// Register adds the workspace tools to the registry.
func Register(registry *tool.Registry, opts Options) error {
	if opts.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root cannot be empty")
	}
	root, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	type entry struct {
		spec    tool.Spec
		handler tool.Handler
	}
	entries := []entry{
		{readFileSpec(), tool.NewFuncHandler("read_file", readFileFunc(root))},
		{writeFileSpec(), tool.NewMutatingFuncHandler("write_file", writeFileFunc(root))},
		{editFileSpec(), tool.NewMutatingFuncHandler("edit_file", editFileFunc(root))},
		{listDirSpec(), tool.NewFuncHandler("list_dir", listDirFunc(root))},
	}
	for _, e := range entries {
		if err := registry.Register(e.spec, e.handler); err != nil {
			return fmt.Errorf("register %s: %w", e.spec.Name, err)
		}
	}
	return nil
}

func readFileSpec() tool.Spec {
	return tool.Spec{
		Name:        "read_file",
		Description: "Read a file from the workspace",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":      map[string]interface{}{"type": "string"},
				"max_bytes": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"path"},
		},
	}
}

func readFileFunc(root string) tool.Func {
	return func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
		var parsed struct {
			Path     string `json:"path"`
			MaxBytes int64  `json:"max_bytes"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("bad read_file args: %v", err)
		}
		target, err := resolvePath(root, parsed.Path)
		if err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("%v", err)
		}
		limit := parsed.MaxBytes
		if limit <= 0 {
			limit = DefaultMaxReadBytes
		}
		data, truncated, err := readWithLimit(target, limit)
		if err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("read %s: %v", parsed.Path, err)
		}
		content := string(data)
		if truncated {
			content += fmt.Sprintf("\n[truncated at %d bytes]", limit)
		}
		return protocol.ToolOutput{Content: content, Success: protocol.Bool(true)}, nil
	}
}

func writeFileSpec() tool.Spec {
	return tool.Spec{
		Name:        "write_file",
		Description: "Write or append a file in the workspace",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
				"append":  map[string]interface{}{"type": "boolean"},
			},
			"required": []interface{}{"path", "content"},
		},
	}
}

func writeFileFunc(root string) tool.Func {
	return func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
		var parsed struct {
			Path    string `json:"path"`
			Content string `json:"content"`
			Append  bool   `json:"append"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("bad write_file args: %v", err)
		}
		target, err := resolvePath(root, parsed.Path)
		if err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("%v", err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("write %s: %v", parsed.Path, err)
		}
		flags := os.O_WRONLY | os.O_CREATE
		if parsed.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(target, flags, 0o644)
		if err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("write %s: %v", parsed.Path, err)
		}
		defer f.Close()
		if _, err := f.WriteString(parsed.Content); err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("write %s: %v", parsed.Path, err)
		}
		return protocol.ToolOutput{
			Content: fmt.Sprintf("wrote %d bytes to %s", len(parsed.Content), parsed.Path),
			Success: protocol.Bool(true),
		}, nil
	}
}

func editFileSpec() tool.Spec {
	return tool.Spec{
		Name:        "edit_file",
		Description: "Replace text in a workspace file",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":        map[string]interface{}{"type": "string"},
				"search":      map[string]interface{}{"type": "string"},
				"replace":     map[string]interface{}{"type": "string"},
				"replace_all": map[string]interface{}{"type": "boolean"},
			},
			"required": []interface{}{"path", "search", "replace"},
		},
	}
}

func editFileFunc(root string) tool.Func {
	return func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
		var parsed struct {
			Path       string `json:"path"`
			Search     string `json:"search"`
			Replace    string `json:"replace"`
			ReplaceAll bool   `json:"replace_all"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("bad edit_file args: %v", err)
		}
		if parsed.Search == "" {
			return protocol.ToolOutput{}, tool.RespondToModelf("edit_file: search text cannot be empty")
		}
		target, err := resolvePath(root, parsed.Path)
		if err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("%v", err)
		}
		data, err := os.ReadFile(target)
		if err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("edit %s: %v", parsed.Path, err)
		}
		content := string(data)
		count := strings.Count(content, parsed.Search)
		if count == 0 {
			return protocol.ToolOutput{}, tool.RespondToModelf("edit %s: search text not found", parsed.Path)
		}
		replaced := count
		if parsed.ReplaceAll {
			content = strings.ReplaceAll(content, parsed.Search, parsed.Replace)
		} else {
			if count > 1 {
				return protocol.ToolOutput{}, tool.RespondToModelf("edit %s: search text matched %d times, pass replace_all to replace every occurrence", parsed.Path, count)
			}
			content = strings.Replace(content, parsed.Search, parsed.Replace, 1)
			replaced = 1
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("edit %s: %v", parsed.Path, err)
		}
		return protocol.ToolOutput{
			Content: fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, parsed.Path),
			Success: protocol.Bool(true),
		}, nil
	}
}

func listDirSpec() tool.Spec {
	return tool.Spec{
		Name:        "list_dir",
		Description: "List a workspace directory",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
			},
		},
	}
}

func listDirFunc(root string) tool.Func {
	return func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
		var parsed struct {
			Path string `json:"path"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &parsed); err != nil {
				return protocol.ToolOutput{}, tool.RespondToModelf("bad list_dir args: %v", err)
			}
		}
		if parsed.Path == "" {
			parsed.Path = "."
		}
		target, err := resolvePath(root, parsed.Path)
		if err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("%v", err)
		}
		entries, err := os.ReadDir(target)
		if err != nil {
			return protocol.ToolOutput{}, tool.RespondToModelf("list %s: %v", parsed.Path, err)
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
		return protocol.ToolOutput{
			Content: strings.Join(names, "\n"),
			Success: protocol.Bool(true),
		}, nil
	}
}

// resolvePath joins a relative path onto the workspace root and rejects
// anything that resolves outside it.
func resolvePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace: %s", rel)
	}
	joined := filepath.Clean(filepath.Join(root, rel))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return joined, nil
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("is a directory")
	}

	// Read one byte past the limit to detect truncation without
	// trusting Stat, which lies for procfs-style files.
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
