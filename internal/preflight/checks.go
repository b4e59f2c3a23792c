package preflight

import (
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/models"
)

// CheckAll looks for the binaries terminals depend on. The result is false
// if a required one is missing.
func CheckAll(log *zap.Logger) ([]models.CheckStatus, bool) {
	checks := []models.CheckStatus{
		checkShell(),
		checkBinary("lsof", false),
		checkBinary("ps", false),
	}

	ok := true
	for _, c := range checks {
		switch {
		case c.Installed:
			log.Info("preflight: found", zap.String("name", c.Name), zap.String("path", c.Path))
		case c.Required:
			ok = false
			log.Error("preflight: missing required binary", zap.String("name", c.Name))
		default:
			log.Warn("preflight: missing optional binary", zap.String("name", c.Name))
		}
	}
	return checks, ok
}

// checkShell resolves the shell new terminals default to.
func checkShell() models.CheckStatus {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	status := checkBinary(shell, true)
	status.Name = "shell"
	return status
}

func checkBinary(name string, required bool) models.CheckStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.CheckStatus{Name: name, Required: required}
	}
	return models.CheckStatus{Name: name, Installed: true, Required: required, Path: path}
}
