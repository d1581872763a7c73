// Package smb provides an SMB/CIFS network share storage provider.
// The SMB share must be pre-mounted on the OS (via mount.cifs or
// fstab). This provider delegates to the local filesystem provider
// rooted at the mount path.
package smb

import (
	"encoding/json"
	"fmt"

	"github.com/stashd/stashd/internal/storage/local"
)

// Config holds SMB provider settings.
// Server/Username/Password/Domain are stored for admin reference and
// documentation. Actual I/O uses the MountPath where the share is
// pre-mounted.
type Config struct {
	Server    string `json:"server"`     // SMB server path (e.g., //server/share)
	Username  string `json:"username"`   // SMB credentials
	Password  string `json:"password"`   // SMB password
	Domain    string `json:"domain"`     // SMB domain
	MountPath string `json:"mount_path"` // Local mount point where share is mounted
}

// SMBProvider wraps a LocalProvider at the SMB mount point.
type SMBProvider struct {
	*local.LocalProvider
	config Config
}

// New creates a new SMB provider from the given config.
func New(cfg Config) (*SMBProvider, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	lp, err := local.New(local.Config{
		RootPath:   cfg.MountPath,
		CreateDirs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("smb provider at %s: %w", cfg.MountPath, err)
	}

	return &SMBProvider{
		LocalProvider: lp,
		config:        cfg,
	}, nil
}

// NewFromJSON creates an SMBProvider from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*SMBProvider, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// Type returns "smb".
func (p *SMBProvider) Type() string { return "smb" }
