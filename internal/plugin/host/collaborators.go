package host

import "context"

// FileService is the vault file-access collaborator. Implementations own
// path safety: traversal rejection, symlink escapes and existence checks.
type FileService interface {
	ReadFile(ctx context.Context, vaultID, path string) (string, error)
	WriteFile(ctx context.Context, vaultID, path, content string) error
	DeleteFile(ctx context.Context, vaultID, path string) error
	// ListFiles returns vault-relative paths of every file in the vault.
	ListFiles(ctx context.Context, vaultID string) ([]string, error)
	VaultInfo(ctx context.Context, vaultID string) (VaultInfo, error)
}

// VaultInfo describes a vault.
type VaultInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FileCount int    `json:"file_count"`
}

// MarkdownRenderer converts markdown to HTML.
type MarkdownRenderer interface {
	Render(src string) (string, error)
}
