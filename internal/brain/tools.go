package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kazz187/taskbot/internal/artifact"
	"github.com/kazz187/taskbot/internal/executor"
	"github.com/kazz187/taskbot/internal/llm"
	"github.com/kazz187/taskbot/internal/search"
	"github.com/kazz187/taskbot/pkg/shellcheck"
)

// Tool is one capability offered to the model.
type Tool struct {
	Def llm.Tool
	Run func(ctx context.Context, args json.RawMessage) (string, error)
	// Summarize renders a call for the activity log. Optional.
	Summarize func(args json.RawMessage) string
}

type Toolset struct {
	tools  []Tool
	byName map[string]Tool
}

func NewToolset(tools ...Tool) *Toolset {
	ts := &Toolset{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		ts.tools = append(ts.tools, t)
		ts.byName[t.Def.Name] = t
	}
	return ts
}

func (ts *Toolset) Definitions() []llm.Tool {
	defs := make([]llm.Tool, 0, len(ts.tools))
	for _, t := range ts.tools {
		defs = append(defs, t.Def)
	}
	return defs
}

func (ts *Toolset) Names() []string {
	names := make([]string, 0, len(ts.tools))
	for _, t := range ts.tools {
		names = append(names, t.Def.Name)
	}
	return names
}

// Call runs a tool call. Failures become result text so the model can adapt.
func (ts *Toolset) Call(ctx context.Context, call llm.ToolCall) string {
	t, ok := ts.byName[call.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q. Available tools: %s", call.Name, strings.Join(ts.Names(), ", "))
	}
	out, err := t.Run(ctx, call.Arguments)
	if err != nil {
		slog.WarnContext(ctx, "tool call failed", "tool", call.Name, "error", err)
		return "error: " + err.Error()
	}
	return out
}

// Summary describes a call for the activity log.
func (ts *Toolset) Summary(call llm.ToolCall) string {
	if t, ok := ts.byName[call.Name]; ok && t.Summarize != nil {
		return call.Name + ": " + t.Summarize(call.Arguments)
	}
	return call.Name
}

func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("invalid arguments: %w", err)
	}
	return v, nil
}

func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func WebSearchTool(client *search.Client) Tool {
	type args struct {
		Query string `json:"query"`
		Num   int    `json:"num"`
	}
	return Tool{
		Def: llm.Tool{
			Name:        "web_search",
			Description: "Search the web. Returns ranked results with title, link and snippet.",
			Parameters: schema([]string{"query"}, map[string]any{
				"query": prop("string", "Search query"),
				"num":   prop("integer", "Number of results, 1-10"),
			}),
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			a, err := decode[args](raw)
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(a.Query) == "" {
				return "", fmt.Errorf("query is required")
			}
			results, err := client.Search(ctx, a.Query, a.Num)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "no results", nil
			}
			var b strings.Builder
			for i, r := range results {
				fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.Link, r.Snippet)
			}
			return b.String(), nil
		},
		Summarize: func(raw json.RawMessage) string {
			a, _ := decode[args](raw)
			return fmt.Sprintf("%q", a.Query)
		},
	}
}

type codeArgs struct {
	Language       string `json:"language"`
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func summarizeCode(raw json.RawMessage) string {
	a, _ := decode[codeArgs](raw)
	code := a.Code
	if lang, err := executor.ParseLanguage(a.Language); err == nil && lang == executor.Bash {
		if formatted, err := shellcheck.Format(code); err == nil {
			code = formatted
		}
	}
	return fmt.Sprintf("%s `%s`", a.Language, clip(strings.ReplaceAll(code, "\n", "; "), 120))
}

func ExecuteCodeTool(exec executor.Executor) Tool {
	return Tool{
		Def: llm.Tool{
			Name:        "execute_code",
			Description: "Run a Python, JavaScript or Bash program and return stdout, stderr and exit code.",
			Parameters: schema([]string{"language", "code"}, map[string]any{
				"language":       map[string]any{"type": "string", "enum": []string{"python", "javascript", "bash"}},
				"code":           prop("string", "Complete program source"),
				"timeoutSeconds": prop("integer", "Optional timeout in seconds"),
			}),
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			a, err := decode[codeArgs](raw)
			if err != nil {
				return "", err
			}
			lang, err := executor.ParseLanguage(a.Language)
			if err != nil {
				return "", err
			}
			res := exec.Execute(ctx, executor.Request{
				Language: lang,
				Code:     a.Code,
				Timeout:  time.Duration(a.TimeoutSeconds) * time.Second,
			})
			return res.String(), nil
		},
		Summarize: summarizeCode,
	}
}

func ReadFileTool(ws *executor.Workspace, limit int) Tool {
	type args struct {
		Path string `json:"path"`
	}
	return Tool{
		Def: llm.Tool{
			Name:        "read_file",
			Description: "Read a text file from the working directory.",
			Parameters:  schema([]string{"path"}, map[string]any{"path": prop("string", "Path relative to the working directory")}),
		},
		Run: func(_ context.Context, raw json.RawMessage) (string, error) {
			a, err := decode[args](raw)
			if err != nil {
				return "", err
			}
			data, more, err := ws.ReadFile(a.Path, limit)
			if err != nil {
				return "", err
			}
			out := string(data)
			if more {
				out += fmt.Sprintf("\n...[file continues past %d bytes]", limit)
			}
			return out, nil
		},
		Summarize: func(raw json.RawMessage) string {
			a, _ := decode[args](raw)
			return a.Path
		},
	}
}

func WriteFileTool(ws *executor.Workspace) Tool {
	type args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	return Tool{
		Def: llm.Tool{
			Name:        "write_file",
			Description: "Write a text file in the working directory, creating parent directories.",
			Parameters: schema([]string{"path", "content"}, map[string]any{
				"path":    prop("string", "Path relative to the working directory"),
				"content": prop("string", "File content"),
			}),
		},
		Run: func(_ context.Context, raw json.RawMessage) (string, error) {
			a, err := decode[args](raw)
			if err != nil {
				return "", err
			}
			if _, err := ws.WriteFile(a.Path, []byte(a.Content)); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path), nil
		},
		Summarize: func(raw json.RawMessage) string {
			a, _ := decode[args](raw)
			return a.Path
		},
	}
}

func DownloadArtifactTool(h *artifact.Handler, ws *executor.Workspace, taskID string) Tool {
	type args struct {
		ArtifactID string `json:"artifactId"`
	}
	return Tool{
		Def: llm.Tool{
			Name:        "download_artifact",
			Description: "Download a file attached to the task into the working directory.",
			Parameters:  schema([]string{"artifactId"}, map[string]any{"artifactId": prop("string", "Artifact id")}),
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			a, err := decode[args](raw)
			if err != nil {
				return "", err
			}
			_, name, err := h.Download(ctx, taskID, a.ArtifactID, ws.Dir())
			if err != nil {
				return "", err
			}
			return "downloaded to " + name, nil
		},
		Summarize: func(raw json.RawMessage) string {
			a, _ := decode[args](raw)
			return a.ArtifactID
		},
	}
}

func UploadArtifactTool(h *artifact.Handler, ws *executor.Workspace, taskID string) Tool {
	type args struct {
		Path     string `json:"path"`
		Name     string `json:"name"`
		MimeType string `json:"mimeType"`
	}
	return Tool{
		Def: llm.Tool{
			Name:        "upload_artifact",
			Description: "Attach a file from the working directory to the task. Files over about 750 KB are rejected.",
			Parameters: schema([]string{"path"}, map[string]any{
				"path":     prop("string", "Path relative to the working directory"),
				"name":     prop("string", "File name shown on the task; defaults to the base name"),
				"mimeType": prop("string", "MIME type; guessed from the extension when empty"),
			}),
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			a, err := decode[args](raw)
			if err != nil {
				return "", err
			}
			p, err := ws.Path(a.Path)
			if err != nil {
				return "", err
			}
			meta, err := h.Upload(ctx, taskID, p, a.Name, a.MimeType)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("uploaded %s (artifact id %s, %d bytes)", meta.FileName, meta.ID, meta.SizeBytes), nil
		},
		Summarize: func(raw json.RawMessage) string {
			a, _ := decode[args](raw)
			return a.Path
		},
	}
}

func RunShellTool(ws *executor.Workspace) Tool {
	type args struct {
		Script         string `json:"script"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}
	return Tool{
		Def: llm.Tool{
			Name:        "run_shell",
			Description: "Run a bash script in the working directory. Files persist between calls.",
			Parameters: schema([]string{"script"}, map[string]any{
				"script":         prop("string", "Bash script"),
				"timeoutSeconds": prop("integer", "Optional timeout in seconds"),
			}),
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			a, err := decode[args](raw)
			if err != nil {
				return "", err
			}
			return ws.RunShell(ctx, a.Script, time.Duration(a.TimeoutSeconds)*time.Second).String(), nil
		},
		Summarize: func(raw json.RawMessage) string {
			a, _ := decode[args](raw)
			return summarizeCode(mustJSON(codeArgs{Language: "bash", Code: a.Script}))
		},
	}
}

func GitTool(ws *executor.Workspace) Tool {
	type args struct {
		Args []string `json:"args"`
	}
	return Tool{
		Def: llm.Tool{
			Name:        "git",
			Description: "Run git with the given arguments in the working directory, e.g. [\"clone\", \"https://...\", \"repo\"].",
			Parameters: schema([]string{"args"}, map[string]any{
				"args": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}),
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			a, err := decode[args](raw)
			if err != nil {
				return "", err
			}
			return ws.Git(ctx, a.Args).String(), nil
		},
		Summarize: func(raw json.RawMessage) string {
			a, _ := decode[args](raw)
			return "git " + strings.Join(a.Args, " ")
		},
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
