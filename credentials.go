package enginerun

import "time"

// CredentialType distinguishes tool-scoped credentials from
// model-provider credentials.
type CredentialType string

const (
	// CredentialTypeTool is a credential owned by a tool.
	CredentialTypeTool CredentialType = "tool"

	// CredentialTypeModelProvider is a credential owned by a model
	// provider shim.
	CredentialTypeModelProvider CredentialType = "modelProvider"
)

// Credential is a stored engine credential. The engine owns the store;
// the client only marshals create/reveal/list/delete requests.
type Credential struct {
	Context      string            `json:"context"`
	ToolName     string            `json:"toolName"`
	Type         CredentialType    `json:"type"`
	Env          map[string]string `json:"env"`
	Ephemeral    bool              `json:"ephemeral,omitempty"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	RefreshToken string            `json:"refreshToken,omitempty"`
}

// credentialRequest is the wire shape for credential operations.
type credentialRequest struct {
	Context     string     `json:"context,omitempty"`
	AllContexts bool       `json:"allContexts,omitempty"`
	Name        string     `json:"name,omitempty"`
	Credential  *Credential `json:"credential,omitempty"`
}
