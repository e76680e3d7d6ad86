package enginerun

// ToolDef is an inline tool definition, the subset of tool semantics the
// client needs to serialize. The engine owns interpretation.
type ToolDef struct {
	Name           string            `json:"name,omitempty"`
	Description    string            `json:"description,omitempty"`
	MaxTokens      int               `json:"maxTokens,omitempty"`
	ModelName      string            `json:"modelName,omitempty"`
	ModelProvider  bool              `json:"modelProvider,omitempty"`
	JSONResponse   bool              `json:"jsonResponse,omitempty"`
	Chat           bool              `json:"chat,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	Cache          *bool             `json:"cache,omitempty"`
	InternalPrompt *bool             `json:"internalPrompt,omitempty"`
	Arguments      map[string]string `json:"arguments,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	GlobalTools    []string          `json:"globalTools,omitempty"`
	Context        []string          `json:"context,omitempty"`
	ExportContext  []string          `json:"exportContext,omitempty"`
	Export         []string          `json:"export,omitempty"`
	Agents         []string          `json:"agents,omitempty"`
	Credentials    []string          `json:"credentials,omitempty"`
	Instructions   string            `json:"instructions,omitempty"`
}

// Tool is a resolved tool within a Program graph.
type Tool struct {
	ToolDef
	ID          string                     `json:"id,omitempty"`
	Source      ToolSource                 `json:"source,omitempty"`
	LocalTools  map[string]string          `json:"localTools,omitempty"`
	ToolMapping map[string][]ToolReference `json:"toolMapping,omitempty"`
}

// ToolSource records where a resolved tool was loaded from.
type ToolSource struct {
	Location string `json:"location,omitempty"`
	LineNo   int    `json:"lineNo,omitempty"`
}

// ToolReference maps a tool-reference string to the resolved tool id.
type ToolReference struct {
	Named     string `json:"named,omitempty"`
	Reference string `json:"reference,omitempty"`
	Arg       string `json:"arg,omitempty"`
	ToolID    string `json:"toolID,omitempty"`
}

// Program is the engine's resolved tool graph for a run, keyed by tool id.
type Program struct {
	Name        string          `json:"name,omitempty"`
	EntryToolID string          `json:"entryToolId,omitempty"`
	ToolSet     map[string]Tool `json:"toolSet,omitempty"`
}

// Node is one block of a parsed tool document: either free text or a
// tool definition. Exactly one field is non-nil.
type Node struct {
	TextNode *TextNode `json:"textNode,omitempty"`
	ToolNode *ToolNode `json:"toolNode,omitempty"`
}

// TextNode is a free-text block with an optional format tag.
type TextNode struct {
	Fmt  string `json:"fmt,omitempty"`
	Text string `json:"text"`
}

// ToolNode is a tool-definition block.
type ToolNode struct {
	Tool Tool `json:"tool"`
}
