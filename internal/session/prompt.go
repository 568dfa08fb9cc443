package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/mcpcore/internal/mcp"
)

// PromptFile is one file included verbatim in the prompt.
type PromptFile struct {
	Name    string
	Content string
}

// ContextItem is one named dynamic-context result serialised into the
// prompt as JSON.
type ContextItem struct {
	Name   string
	Result any
}

// WorkspaceMeta describes the active workspace.
type WorkspaceMeta struct {
	Name        string
	Path        string
	Description string
}

// SystemInfo describes the host environment.
type SystemInfo struct {
	OS       string
	Arch     string
	Hostname string
}

// PromptConfig is the typed input to prompt assembly. Absent or empty
// sections are omitted from the output.
type PromptConfig struct {
	Instructions   string
	Tools          []*mcp.ToolWithServer
	Files          []PromptFile
	DynamicContext []ContextItem
	Workspace      *WorkspaceMeta
	System         *SystemInfo

	// IncludeDate adds the date section. IncludeTime switches it from the
	// long form to full ISO-8601.
	IncludeDate bool
	IncludeTime bool
}

// toolCallPreamble documents the invocation format the extractor parses
// back out of model output.
const toolCallPreamble = `To invoke a tool, emit a JSON object on its own with the shape:
{"name": "<serverName>.<methodName>", "arguments": { ... }}
The arguments object must satisfy the tool's input schema. Tool results are returned to you as JSON blocks in subsequent messages.`

// PromptBuilder assembles system prompts. The builder is deterministic:
// equal configs produce byte-identical output, except for the date
// section which reads the clock.
type PromptBuilder struct {
	now func() time.Time
}

// NewPromptBuilder creates a builder using the wall clock.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{now: time.Now}
}

// Build assembles the system prompt. Sections appear in a fixed order and
// are joined by exactly two newlines.
func (b *PromptBuilder) Build(cfg PromptConfig) string {
	var sections []string

	if cfg.Instructions != "" {
		sections = append(sections, "# Instructions\n\n"+cfg.Instructions)
	}
	if len(cfg.Tools) > 0 {
		sections = append(sections, b.toolsSection(cfg.Tools))
	}
	if len(cfg.Files) > 0 {
		sections = append(sections, b.filesSection(cfg.Files))
	}
	if len(cfg.DynamicContext) > 0 {
		sections = append(sections, b.contextSection(cfg.DynamicContext))
	}
	if cfg.Workspace != nil {
		sections = append(sections, b.workspaceSection(cfg.Workspace))
	}
	if cfg.System != nil {
		sections = append(sections, b.systemSection(cfg.System))
	}
	if cfg.IncludeDate {
		sections = append(sections, b.dateSection(cfg.IncludeTime))
	}

	return strings.Join(sections, "\n\n")
}

// toolsSection groups tools by server, each with its name, description,
// and pretty-printed input schema.
func (b *PromptBuilder) toolsSection(tools []*mcp.ToolWithServer) string {
	byServer := make(map[string][]*mcp.ToolWithServer)
	for _, t := range tools {
		byServer[t.ServerName] = append(byServer[t.ServerName], t)
	}
	servers := make([]string, 0, len(byServer))
	for name := range byServer {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	var sb strings.Builder
	sb.WriteString("# Tools\n\n")
	sb.WriteString(toolCallPreamble)

	for _, server := range servers {
		fmt.Fprintf(&sb, "\n\n## Server: %s", server)
		for _, t := range byServer[server] {
			fmt.Fprintf(&sb, "\n\n### %s.%s", server, t.Name)
			if t.Description != "" {
				sb.WriteString("\n" + t.Description)
			}
			if len(t.InputSchema) > 0 {
				sb.WriteString("\nInput schema:\n```json\n")
				sb.WriteString(prettyJSON(t.InputSchema))
				sb.WriteString("\n```")
			}
		}
	}
	return sb.String()
}

func (b *PromptBuilder) filesSection(files []PromptFile) string {
	var sb strings.Builder
	sb.WriteString("# Files")
	for _, f := range files {
		fmt.Fprintf(&sb, "\n\n## %s\n```\n%s\n```", f.Name, f.Content)
	}
	return sb.String()
}

func (b *PromptBuilder) contextSection(items []ContextItem) string {
	var sb strings.Builder
	sb.WriteString("# Dynamic Context")
	for _, item := range items {
		data, err := json.MarshalIndent(item.Result, "", "  ")
		if err != nil {
			data = []byte(fmt.Sprintf("%q", fmt.Sprint(item.Result)))
		}
		fmt.Fprintf(&sb, "\n\n## %s\n```json\n%s\n```", item.Name, data)
	}
	return sb.String()
}

func (b *PromptBuilder) workspaceSection(ws *WorkspaceMeta) string {
	var sb strings.Builder
	sb.WriteString("# Workspace Metadata")
	if ws.Name != "" {
		sb.WriteString("\nName: " + ws.Name)
	}
	if ws.Path != "" {
		sb.WriteString("\nPath: " + ws.Path)
	}
	if ws.Description != "" {
		sb.WriteString("\nDescription: " + ws.Description)
	}
	return sb.String()
}

func (b *PromptBuilder) systemSection(info *SystemInfo) string {
	var sb strings.Builder
	sb.WriteString("# System Information")
	if info.OS != "" {
		sb.WriteString("\nOS: " + info.OS)
	}
	if info.Arch != "" {
		sb.WriteString("\nArchitecture: " + info.Arch)
	}
	if info.Hostname != "" {
		sb.WriteString("\nHostname: " + info.Hostname)
	}
	return sb.String()
}

func (b *PromptBuilder) dateSection(includeTime bool) string {
	now := b.now()
	if includeTime {
		return "# Current Date/Time\n\n" + now.Format(time.RFC3339)
	}
	return "# Current Date/Time\n\n" + now.Format("Monday, January 2, 2006")
}

// prettyJSON re-indents a raw JSON value; invalid input passes through.
func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
