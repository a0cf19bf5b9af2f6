package server

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/presencerelay/pkg/model"
)

// LoadConfig reads a YAML config file over DefaultConfig. Keys missing from
// the file keep their defaults. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// GroupYAML represents a group in the groups file.
type GroupYAML struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members,omitempty"`
}

// GroupsConfig is the top-level YAML document for groups.
type GroupsConfig struct {
	Groups []GroupYAML `yaml:"groups"`
}

// LoadGroupsFromYAML reads a groups YAML file and creates the groups it
// names in reg.
func LoadGroupsFromYAML(path string, reg *Registry, log *slog.Logger) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read groups config: %w", err)
	}
	_, err = ImportGroupsFromYAML(data, reg, log)
	return err
}

// ImportGroupsFromYAML parses YAML data and creates the groups it names.
// Existing groups are kept and gain any listed members they lack. Invalid
// entries are logged and skipped. It returns the number of groups created.
func ImportGroupsFromYAML(data []byte, reg *Registry, log *slog.Logger) (int, error) {
	var cfg GroupsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parse groups config: %w", err)
	}

	created := 0
	for _, g := range cfg.Groups {
		if err := model.ValidateGroupName(g.Name); err != nil {
			log.Error("skipping group from config", "name", g.Name, "err", err)
			continue
		}
		members := validMembers(g.Members, log)
		if err := reg.CreateGroup(g.Name, members); err == nil {
			created++
			log.Debug("created group from config", "name", g.Name, "members", len(members))
			continue
		}
		for _, m := range members {
			reg.JoinGroup(g.Name, m)
		}
	}

	log.Info("imported groups from YAML", "groups", len(cfg.Groups), "created", created)
	return created, nil
}

func validMembers(members []string, log *slog.Logger) []string {
	result := make([]string, 0, len(members))
	for _, m := range members {
		if err := model.ValidateUsername(m); err != nil {
			log.Warn("skipping group member from config", "member", m, "err", err)
			continue
		}
		result = append(result, m)
	}
	return result
}

// ExportGroupsYAML exports all groups as YAML, sorted by name.
func ExportGroupsYAML(reg *Registry) ([]byte, error) {
	groups := reg.Groups()
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	cfg := GroupsConfig{Groups: make([]GroupYAML, 0, len(names))}
	for _, name := range names {
		cfg.Groups = append(cfg.Groups, GroupYAML{Name: name, Members: groups[name]})
	}
	return yaml.Marshal(&cfg)
}
