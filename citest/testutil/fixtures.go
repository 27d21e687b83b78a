package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// RandomString generates a random string of n characters
func RandomString(n int) string {
	bytes := make([]byte, n/2+1)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:n]
}

// JupytextHeader is a minimal Jupytext YAML header block. Documents
// starting with it classify as jupytext_py.
const JupytextHeader = `# ---
# jupytext:
#   formats: ipynb,py:percent
#   text_representation:
#     format_name: percent
# ---

`

// TempDir creates a temporary directory of notebook fixtures
type TempDir struct {
	Path string
}

// NewTempDir creates a temp directory
func NewTempDir() (*TempDir, error) {
	path, err := os.MkdirTemp("", "nbcodex-test-*")
	if err != nil {
		return nil, err
	}
	return &TempDir{Path: path}, nil
}

// CreateFile creates a file in the temp directory and returns its path
func (d *TempDir) CreateFile(name, content string) (string, error) {
	path := filepath.Join(d.Path, name)

	// Create parent directories if needed
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}

	return path, nil
}

// CreateJupytextDoc writes a .py document with a Jupytext header and one
// cell marker. Returns the document path.
func (d *TempDir) CreateJupytextDoc(name string) (string, error) {
	content := JupytextHeader + "# %%\nprint(\"cell one\")\n"
	return d.CreateFile(name, content)
}

// CreatePlainScript writes a .py document with no notebook metadata.
func (d *TempDir) CreatePlainScript(name string) (string, error) {
	return d.CreateFile(name, "print(\"plain\")\n")
}

// CreateNotebookPair writes an .ipynb document plus its paired .py twin
// and returns the notebook path. The notebook body is a stub; pairing
// only checks that the twin exists.
func (d *TempDir) CreateNotebookPair(name string) (string, error) {
	if filepath.Ext(name) != ".ipynb" {
		return "", fmt.Errorf("notebook fixture needs an .ipynb name, got %q", name)
	}
	twin := name[:len(name)-len(".ipynb")] + ".py"
	if _, err := d.CreateJupytextDoc(twin); err != nil {
		return "", err
	}
	return d.CreateFile(name, `{"cells": [], "nbformat": 4, "nbformat_minor": 5}`)
}

// CreateSubDir creates a subdirectory
func (d *TempDir) CreateSubDir(name string) (string, error) {
	path := filepath.Join(d.Path, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// Cleanup removes the temp directory and all contents
func (d *TempDir) Cleanup() {
	os.RemoveAll(d.Path)
}
