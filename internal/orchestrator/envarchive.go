package orchestrator

import (
	"os"

	"github.com/cutover-io/cutover/pkg/crypto"
)

// archiveEnvFile writes an AES-GCM sealed copy next to the env file a deploy
// referenced. Legacy env files migrated onto slots keep no cleartext duplicate
// this way. Archival failures never fail the deploy.
func (s *Service) archiveEnvFile(path string) {
	if s.cfg.EnvSealKey == "" || path == "" {
		return
	}
	plaintext, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("env file archive skipped", "path", path, "error", err)
		return
	}
	sealed, err := crypto.Seal(s.cfg.EnvSealKey, plaintext)
	if err != nil {
		s.log.Warn("env file sealing failed", "path", path, "error", err)
		return
	}
	archive := path + ".sealed"
	if err := os.WriteFile(archive, sealed, 0o600); err != nil {
		s.log.Warn("env file archive write failed", "path", archive, "error", err)
		return
	}
	s.log.Info("env file archived", "path", archive)
}
