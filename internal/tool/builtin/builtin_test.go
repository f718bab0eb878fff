package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/tool"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

func TestReadPaginatesAndSelfTruncates(t *testing.T) {
	root := t.TempDir()
	var lines []string
	for i := 1; i <= 30; i++ {
		lines = append(lines, fmt.Sprintf("row %d", i))
	}
	if err := os.WriteFile(filepath.Join(root, "data.txt"), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	read := NewReadTool(root)
	res, err := read.Execute(context.Background(), mustJSON(t, map[string]any{"filePath": "data.txt", "offset": 10, "limit": 5}), &tool.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(res.Output, "00011| row 11") || strings.Contains(res.Output, "row 16") {
		t.Fatalf("unexpected page:\n%s", res.Output)
	}
	if !strings.Contains(res.Output, "read beyond line 15") {
		t.Fatalf("missing continuation hint:\n%s", res.Output)
	}
	if res.Truncation == nil || !res.Truncation.Truncated {
		t.Fatal("read should report its own truncation")
	}

	res, err = read.Execute(context.Background(), mustJSON(t, map[string]any{"filePath": "data.txt", "offset": 25}), &tool.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Truncation.Truncated || !strings.Contains(res.Output, "End of file - total 30 lines") {
		t.Fatalf("unexpected tail page:\n%s", res.Output)
	}
}

func TestReadOutsideWorkspaceAsks(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("s"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var asked []tool.AskInput
	denied := errors.New("denied")
	tc := &tool.Context{AskFunc: func(ctx context.Context, in tool.AskInput) error {
		asked = append(asked, in)
		return denied
	}}

	_, err := NewReadTool(root).Execute(context.Background(), mustJSON(t, map[string]any{"filePath": outside}), tc)
	if !errors.Is(err, denied) {
		t.Fatalf("expected ask error, got %v", err)
	}
	if len(asked) != 1 || asked[0].Permission != "external_directory" {
		t.Fatalf("unexpected asks %+v", asked)
	}
}

func TestWriteCreatesAndUpdates(t *testing.T) {
	root := t.TempDir()
	write := NewWriteTool(root)

	res, err := write.Execute(context.Background(), mustJSON(t, map[string]any{"filePath": "a/b.txt", "content": "hello"}), &tool.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(res.Output, "Created") {
		t.Fatalf("Output = %q", res.Output)
	}
	res, err = write.Execute(context.Background(), mustJSON(t, map[string]any{"filePath": "a/b.txt", "content": "bye"}), &tool.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(res.Output, "Updated") {
		t.Fatalf("Output = %q", res.Output)
	}
	data, _ := os.ReadFile(filepath.Join(root, "a", "b.txt"))
	if string(data) != "bye" {
		t.Fatalf("file content = %q", data)
	}

	patterns, always := write.Patterns(mustJSON(t, map[string]any{"filePath": "a/b.txt"}))
	if len(patterns) != 1 || !strings.HasSuffix(patterns[0], filepath.Join("a", "b.txt")) || always[0] != "*" {
		t.Fatalf("Patterns() = %v, %v", patterns, always)
	}
}

func TestBashRunsCommand(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
	root := t.TempDir()
	bash := NewBashTool(root)

	var updates int
	tc := &tool.Context{MetadataFunc: func(tool.MetadataUpdate) { updates++ }}
	res, err := bash.Execute(context.Background(), mustJSON(t, map[string]any{"command": "echo hi; exit 3", "description": "say hi"}), tc)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(res.Output) != "hi" {
		t.Fatalf("Output = %q", res.Output)
	}
	if res.Metadata["exit"] != 3 {
		t.Fatalf("exit = %v", res.Metadata["exit"])
	}
	if updates == 0 {
		t.Fatal("expected streamed metadata")
	}

	patterns, always := bash.Patterns(mustJSON(t, map[string]any{"command": "git status --short"}))
	if patterns[0] != "git status --short" || always[0] != "git *" {
		t.Fatalf("Patterns() = %v, %v", patterns, always)
	}
}

func TestBashHonoursCancellation(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBashTool(t.TempDir()).Execute(ctx, mustJSON(t, map[string]any{"command": "sleep 5"}), &tool.Context{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBashOutputKeepsTail(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
	truncator := tool.NewTruncator(t.TempDir(), nil)
	truncator.MaxLines = 5
	runner := tool.NewRunner(truncator)

	res, err := runner.Run(context.Background(), NewBashTool(t.TempDir()), mustJSON(t, map[string]any{"command": "seq 1 50"}), &tool.Context{}, tool.TruncateOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Truncation == nil || !res.Truncation.Truncated {
		t.Fatalf("Truncation = %+v", res.Truncation)
	}
	if !strings.HasPrefix(res.Output, "...") || !strings.Contains(res.Output, "\n49\n50") {
		t.Fatalf("expected the last lines to be kept:\n%s", res.Output)
	}
	if strings.Contains(res.Output, "\n2\n3\n") {
		t.Fatalf("head of output kept:\n%s", res.Output)
	}
}

func TestGrepFindsMatches(t *testing.T) {
	root := t.TempDir()
	_ = os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\nfunc Alpha() {}\n"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "b.txt"), []byte("Alpha in text\n"), 0o644)
	_ = os.MkdirAll(filepath.Join(root, ".git"), 0o755)
	_ = os.WriteFile(filepath.Join(root, ".git", "config"), []byte("Alpha hidden\n"), 0o644)

	grep := NewGrepTool(root)
	res, err := grep.Execute(context.Background(), mustJSON(t, map[string]any{"pattern": "Alpha", "include": "*.go"}), &tool.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(res.Output, "Found 1 matches") || !strings.Contains(res.Output, "Line 2: func Alpha() {}") {
		t.Fatalf("unexpected output:\n%s", res.Output)
	}

	res, err = grep.Execute(context.Background(), mustJSON(t, map[string]any{"pattern": "nothing-here"}), &tool.Context{})
	if err != nil || res.Output != "No files found" {
		t.Fatalf("unexpected result %v / %v", res, err)
	}

	if _, err := grep.Execute(context.Background(), mustJSON(t, map[string]any{"pattern": "("}), &tool.Context{}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

func TestEditReplacesText(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	read := func() string {
		t.Helper()
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		return string(data)
	}
	edit := NewEditTool(root)
	run := func(args map[string]any) (*tool.Result, error) {
		return edit.Execute(context.Background(), mustJSON(t, args), &tool.Context{})
	}

	tests := []struct {
		name    string
		content string
		args    map[string]any
		want    string
		wantErr string
	}{
		{
			name:    "unique match",
			content: "a := 1\nb := 2\n",
			args:    map[string]any{"oldString": "b := 2", "newString": "b := 3"},
			want:    "a := 1\nb := 3\n",
		},
		{
			name:    "ambiguous match",
			content: "x\nx\n",
			args:    map[string]any{"oldString": "x", "newString": "y"},
			wantErr: "more than once",
		},
		{
			name:    "replace all",
			content: "x\nx\n",
			args:    map[string]any{"oldString": "x", "newString": "y", "replaceAll": true},
			want:    "y\ny\n",
		},
		{
			name:    "indentation differs",
			content: "func f() {\n\treturn 1\n}\n",
			args:    map[string]any{"oldString": "  return 1", "newString": "\treturn 2"},
			want:    "func f() {\n\treturn 2\n}\n",
		},
		{
			name:    "missing text",
			content: "hello\n",
			args:    map[string]any{"oldString": "bye", "newString": "ciao"},
			wantErr: "could not find",
		},
		{
			name:    "same strings",
			content: "hello\n",
			args:    map[string]any{"oldString": "hello", "newString": "hello"},
			wantErr: "must be different",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			write(tt.content)
			tt.args["filePath"] = "main.go"
			res, err := run(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Execute() error = %v, want %q", err, tt.wantErr)
				}
				if got := read(); got != tt.content {
					t.Fatalf("file changed on error: %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Title != "main.go" {
				t.Fatalf("Title = %q", res.Title)
			}
			if got := read(); got != tt.want {
				t.Fatalf("content = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := run(map[string]any{"filePath": "new/file.txt", "oldString": "", "newString": "fresh"}); err != nil {
		t.Fatalf("Execute(create) error = %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "new", "file.txt")); string(data) != "fresh" {
		t.Fatalf("created content = %q", data)
	}
	if _, err := run(map[string]any{"filePath": "absent.txt", "oldString": "a", "newString": "b"}); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Execute(absent) error = %v", err)
	}
}

func TestGlobSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	files := map[string]time.Time{
		"a.go":           old,
		"pkg/b.go":       old.Add(time.Minute),
		"pkg/deep/c.go":  old.Add(2 * time.Minute),
		"pkg/readme.txt": old,
	}
	for name, mtime := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		_ = os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}

	glob := NewGlobTool(root)
	res, err := glob.Execute(context.Background(), mustJSON(t, map[string]any{"pattern": "**/*.go"}), &tool.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := strings.Join([]string{
		filepath.Join(root, "pkg", "deep", "c.go"),
		filepath.Join(root, "pkg", "b.go"),
		filepath.Join(root, "a.go"),
	}, "\n")
	if res.Output != want {
		t.Fatalf("Output =\n%s\nwant\n%s", res.Output, want)
	}
	if res.Metadata["count"] != 3 || res.Metadata["truncated"] != false {
		t.Fatalf("Metadata = %v", res.Metadata)
	}

	res, err = glob.Execute(context.Background(), mustJSON(t, map[string]any{"pattern": "*.go", "path": "pkg"}), &tool.Context{})
	if err != nil || res.Output != filepath.Join(root, "pkg", "b.go") || res.Title != "pkg" {
		t.Fatalf("Execute(path) = %+v, %v", res, err)
	}

	res, err = glob.Execute(context.Background(), mustJSON(t, map[string]any{"pattern": "*.rs"}), &tool.Context{})
	if err != nil || res.Output != "No files found" {
		t.Fatalf("Execute(no match) = %+v, %v", res, err)
	}
	if _, err := glob.Execute(context.Background(), mustJSON(t, map[string]any{"pattern": "[a-"}), &tool.Context{}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

func TestGlobLimitsResults(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < maxGlobResults+20; i++ {
		if err := os.WriteFile(filepath.Join(root, fmt.Sprintf("f%03d.txt", i)), nil, 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	res, err := NewGlobTool(root).Execute(context.Background(), mustJSON(t, map[string]any{"pattern": "*.txt"}), &tool.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Metadata["count"] != maxGlobResults || res.Metadata["truncated"] != true {
		t.Fatalf("Metadata = %v", res.Metadata)
	}
	if !strings.Contains(res.Output, "Results are truncated") {
		t.Fatalf("missing truncation hint:\n%s", res.Output)
	}
}

func TestWebFetchConvertsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h1>Title</h1><p>Some <strong>bold</strong> text.</p></body></html>"))
	}))
	defer srv.Close()

	fetch := NewWebFetchTool(srv.Client())
	res, err := fetch.Execute(context.Background(), mustJSON(t, map[string]any{"url": srv.URL}), &tool.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(res.Output, "# Title") || !strings.Contains(res.Output, "**bold**") {
		t.Fatalf("unexpected markdown:\n%s", res.Output)
	}

	res, err = fetch.Execute(context.Background(), mustJSON(t, map[string]any{"url": srv.URL, "format": "html"}), &tool.Context{})
	if err != nil || !strings.Contains(res.Output, "<h1>Title</h1>") {
		t.Fatalf("expected raw HTML, got %v / %v", res, err)
	}

	if _, err := fetch.Execute(context.Background(), mustJSON(t, map[string]any{"url": srv.URL + "/missing"}), &tool.Context{}); err == nil {
		t.Fatal("expected status error")
	}
	if _, err := fetch.Execute(context.Background(), mustJSON(t, map[string]any{"url": "ftp://example.com"}), &tool.Context{}); err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestAllHonoursDisabled(t *testing.T) {
	tools := All(Config{Workspace: t.TempDir(), Disabled: []string{"bash", "webfetch"}})
	for _, tl := range tools {
		if tl.ID() == "bash" || tl.ID() == "webfetch" {
			t.Fatalf("%s should be disabled", tl.ID())
		}
	}
	if len(tools) != 6 {
		t.Fatalf("expected 6 tools, got %d", len(tools))
	}
}

func TestBuiltinSchemasCompile(t *testing.T) {
	for _, tl := range All(Config{Workspace: t.TempDir()}) {
		if err := tool.Validate(tl, json.RawMessage(`{}`)); err != nil {
			var verr *tool.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("%s schema does not compile: %v", tl.ID(), err)
			}
		}
	}
}
