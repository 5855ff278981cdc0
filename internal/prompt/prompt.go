// Package prompt builds the instruction strings sent to the generation
// model. Each stage of the pipeline has its own builder: full-project
// generation, target-file identification, whole-file edits, and the
// description passes that populate the project index.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kindler/kindler/internal/index"
	"github.com/kindler/kindler/internal/workspace"
)

const generationSystem = `You are a senior web engineer generating a complete application from a starter template. Analyze the user's request and the template files, then produce every change needed to turn the template into the requested application.

Your output must be ONLY a single valid JSON object with a "modifications" array. Do not include any other text, prose, or markdown fences.

Each modification has this shape:
- {"filePath": "src/App.jsx", "action": {"type": "REPLACE_CONTENT", "newContent": "..."}} to overwrite an existing template file
- {"filePath": "src/components/New.jsx", "action": {"type": "CREATE_FILE", "content": "..."}} to add a new file

Rules:
- File paths are relative to the project root. Never use absolute paths or "..".
- REPLACE_CONTENT must contain the complete new file, not a fragment or diff.
- Keep the template's build setup working; modify config files only when the request requires it.`

const identifySystem = `Based on the user's request and the project structure described in the JSON below, decide which single file should be modified.
Your response must be ONLY a valid JSON object containing the file path. Example: {"filePath": "src/components/Header.jsx"}`

const editSystem = `A user wants to modify one file in their project. Based on their request, produce the necessary change.
Your response must be ONLY a valid JSON object with a "modifications" array, in the same format used for initial generation.
Only the "REPLACE_CONTENT" action type is supported for edits, and "newContent" must contain the entire replacement file.`

const describeFileSystem = `A file in the project has been modified. Provide an updated, brief, one-sentence description of the file based on its new content.
Your response must be ONLY a valid JSON object with a "description" field. Example: {"description": "This component now includes a dark mode toggle."}`

const describeTreeSystem = `Given the following file structure of a web application, provide a brief, one-sentence description for each file and folder explaining its purpose.
Your response must be a valid JSON object that mirrors the structure exactly, with a "description" field added to every entry. Do not include any other text or markdown fences.`

// FileSection formats one file for inclusion in a prompt body.
func FileSection(path, content string) string {
	return fmt.Sprintf("--- FILE: %s ---\n%s\n\n", path, content)
}

// Generation builds the full-project generation prompt: system
// instructions, the user's request, and every template file in full.
func Generation(userPrompt string, files []workspace.File) string {
	var sb strings.Builder
	sb.WriteString(generationSystem)
	sb.WriteString("\n\n--- USER PROMPT ---\n")
	sb.WriteString(userPrompt)
	sb.WriteString("\n\n--- TEMPLATE FILES ---\n")
	for _, f := range files {
		sb.WriteString(FileSection(f.Path, f.Content))
	}
	return sb.String()
}

// IdentifyFile asks the model to name the one file an edit instruction
// targets, given the project index tree.
func IdentifyFile(instruction string, tree map[string]*index.Node) (string, error) {
	treeJSON, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding project index: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(identifySystem)
	fmt.Fprintf(&sb, "\n\nUSER REQUEST: %q\n\nPROJECT INDEX:\n%s", instruction, treeJSON)
	return sb.String(), nil
}

// EditFile asks the model for a whole-file replacement of path. Retrieved
// context chunks, already formatted with FileSection, give the model
// visibility into related files without inlining the entire project.
func EditFile(instruction, path, content string, contextSections []string) string {
	var sb strings.Builder
	sb.WriteString(editSystem)
	fmt.Fprintf(&sb, "\n\nUSER REQUEST: %q\n\nFILE PATH: %q\n\nCURRENT FILE CONTENT:\n```\n%s\n```", instruction, path, content)
	if len(contextSections) > 0 {
		sb.WriteString("\n\n--- RELATED FILES (for context only, do not modify) ---\n")
		for _, section := range contextSections {
			sb.WriteString(section)
		}
	}
	return sb.String()
}

// DescribeFile asks the model for a fresh one-sentence description of a
// file after an edit, used to patch the project index leaf.
func DescribeFile(path, newContent string) string {
	var sb strings.Builder
	sb.WriteString(describeFileSystem)
	fmt.Fprintf(&sb, "\n\nFILE PATH: %q\n\nNEW FILE CONTENT:\n```\n%s\n```", path, newContent)
	return sb.String()
}

// DescribeTree asks the model to annotate every node of an undescribed
// project tree, mirroring the input shape.
func DescribeTree(tree map[string]*index.Node) (string, error) {
	treeJSON, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding file tree: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(describeTreeSystem)
	fmt.Fprintf(&sb, "\n\nFile Structure to Describe:\n%s", treeJSON)
	return sb.String(), nil
}
