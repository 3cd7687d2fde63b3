package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/auth"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// userFile mirrors users.yaml, the static operator table this office
// maintains by hand. There is no self-service signup — accounts are
// provisioned by editing this file and restarting the server.
type userFile struct {
	Users []struct {
		UserID       string `yaml:"user_id"`
		Username     string `yaml:"username"`
		PasswordHash string `yaml:"password_hash"`
		Role         string `yaml:"role"`
	} `yaml:"users"`
}

// loadUsers reads dataDir/users.yaml. A missing file yields the single
// bootstrap admin account with password "changeme" so a fresh install can
// still log in; real accounts are added by writing users.yaml.
func loadUsers(dataDir string) ([]auth.UserRecord, error) {
	path := filepath.Join(dataDir, "users.yaml")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []auth.UserRecord{{
			UserID:       "bootstrap-admin",
			Username:     "admin",
			PasswordHash: auth.HashPassword("admin", "changeme"),
			Role:         model.RoleAdmin,
		}}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "read users file")
	}

	var uf userFile
	if err := yaml.Unmarshal(raw, &uf); err != nil {
		return nil, eris.Wrap(err, "parse users file")
	}

	records := make([]auth.UserRecord, 0, len(uf.Users))
	for _, u := range uf.Users {
		records = append(records, auth.UserRecord{
			UserID:       u.UserID,
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         model.Role(u.Role),
		})
	}
	return records, nil
}
