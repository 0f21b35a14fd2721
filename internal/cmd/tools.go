package cmd

import (
	"fmt"

	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/sandbox"
	"github.com/calder-labs/stagecoach/tool"
)

// workspaceTools exposes the caller's persistent workspace as a toolbox.
// Paths are relative to the workspace root; traversal outside it is rejected
// by the workspace layer.
func workspaceTools(runtime sandbox.Runtime) []tool.Tool {
	listFiles := tool.NewFunctionTool(
		"list_workspace_files",
		"List files in a workspace subdirectory (scripts, downloads, data or logs).",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subdir": map[string]any{
					"type":        "string",
					"description": "Subdirectory to list",
				},
			},
			"required": []string{"subdir"},
		},
		func(rc *core.RunContext, args map[string]any) (any, error) {
			subdir, _ := args["subdir"].(string)
			files, err := runtime.ListWorkspaceFiles(rc.Principal, subdir)
			if err != nil {
				return nil, err
			}
			return map[string]any{"files": files}, nil
		},
	)

	readFile := tool.NewFunctionTool(
		"read_workspace_file",
		"Read a file from the workspace. The path is relative to the workspace root.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative file path",
				},
			},
			"required": []string{"path"},
		},
		func(rc *core.RunContext, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			data, err := runtime.ReadWorkspaceFile(rc.Principal, path)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "content": string(data)}, nil
		},
	)

	writeFile := tool.NewFunctionTool(
		"write_workspace_file",
		"Write a file into the workspace. The path is relative to the workspace root.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative file path",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "File content to write",
				},
			},
			"required": []string{"path", "content"},
		},
		func(rc *core.RunContext, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := runtime.WriteWorkspaceFile(rc.Principal, path, []byte(content)); err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "written": fmt.Sprintf("%d bytes", len(content))}, nil
		},
	)

	return []tool.Tool{listFiles, readFile, writeFile}
}
