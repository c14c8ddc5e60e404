package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy - файл политики процесса. Заданные в нём значения перекрывают переменные окружения.
type Policy struct {
	AllowReclaimAfterReject *bool    `yaml:"allow_reclaim_after_reject"`
	LeaseDuration           string   `yaml:"lease_duration"`
	AllowedArtifactTypes    []string `yaml:"allowed_artifact_types"`
	MaxArtifactMB           *int64   `yaml:"max_artifact_mb"`
}

func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: не удалось прочитать файл политики %s: %w", path, err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("config: некорректный файл политики: %w", err)
	}
	return &p, nil
}

func (p *Policy) Apply(cfg *Config) error {
	if p.AllowReclaimAfterReject != nil {
		cfg.AllowReclaimAfterReject = *p.AllowReclaimAfterReject
	}
	if p.LeaseDuration != "" {
		d, err := time.ParseDuration(p.LeaseDuration)
		if err != nil {
			return fmt.Errorf("config: lease_duration %q: %w", p.LeaseDuration, err)
		}
		cfg.LeaseDuration = d
	}
	if len(p.AllowedArtifactTypes) > 0 {
		cfg.AllowedArtifactTypes = p.AllowedArtifactTypes
	}
	if p.MaxArtifactMB != nil {
		cfg.MaxArtifactMB = *p.MaxArtifactMB
	}
	return nil
}
