package workspace

import "fmt"

// ActionType identifies the kind of file edit a Modification performs.
type ActionType string

const (
	// ActionReplaceContent overwrites the entire content of an existing file.
	ActionReplaceContent ActionType = "REPLACE_CONTENT"
	// ActionCreateFile creates a new file, making parent directories as needed.
	ActionCreateFile ActionType = "CREATE_FILE"
)

// Action is the edit to perform on a Modification's target path. The wire
// format mirrors the generation provider's response: replacements carry
// newContent, creations carry content.
type Action struct {
	Type       ActionType `json:"type"`
	NewContent string     `json:"newContent,omitempty"`
	Content    string     `json:"content,omitempty"`
}

// Modification is a single file-level edit instruction.
type Modification struct {
	Path   string `json:"filePath"`
	Action Action `json:"action"`
}

// Body returns the file content this modification writes.
func (m Modification) Body() string {
	if m.Action.Type == ActionCreateFile {
		return m.Action.Content
	}
	return m.Action.NewContent
}

// Replace builds a whole-file replacement modification.
func Replace(path, content string) Modification {
	return Modification{Path: path, Action: Action{Type: ActionReplaceContent, NewContent: content}}
}

// Create builds a file-creation modification.
func Create(path, content string) Modification {
	return Modification{Path: path, Action: Action{Type: ActionCreateFile, Content: content}}
}

func (m Modification) validateType() error {
	switch m.Action.Type {
	case ActionReplaceContent, ActionCreateFile:
		return nil
	default:
		return fmt.Errorf("unknown modification action %q for %s", m.Action.Type, m.Path)
	}
}
