package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/shugo/internal/events"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/skills"
)

var (
	skillFile  string
	skillState string
	skillActor string
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Skill registry",
}

var skillPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a skill version from a YAML or JSON manifest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := os.ReadFile(skillFile)
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		m, err := decodeManifest(data)
		if err != nil {
			return err
		}

		logger := newLogger()
		store, closeFn, _, err := openStore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer closeFn()

		svc := skills.New(store, audit.New(store, events.Noop{}, logger), nil, logger)
		sk, err := svc.Publish(cmd.Context(), skills.PublishInput{
			Manifest:     m,
			Actor:        model.Actor{ID: skillActor, Role: model.RoleAdmin},
			InitialState: model.SkillState(skillState),
		})
		if err != nil {
			return err
		}
		return printJSON(sk)
	},
}

// decodeManifest reads a manifest written in YAML (a JSON document is valid
// YAML too). Schemas and test payloads are nested YAML that must come out as
// JSON, so the document goes through a generic value first.
func decodeManifest(data []byte) (model.SkillManifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return model.SkillManifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return model.SkillManifest{}, fmt.Errorf("parse manifest: top level must be a mapping")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return model.SkillManifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	var m model.SkillManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.SkillManifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

func init() {
	skillCmd.AddCommand(skillPublishCmd)
	skillPublishCmd.Flags().StringVarP(&skillFile, "file", "f", "", "Manifest file (required)")
	skillPublishCmd.Flags().StringVar(&skillState, "state", string(model.SkillDraft), "Initial lifecycle state")
	skillPublishCmd.Flags().StringVar(&skillActor, "actor", "cli", "Actor recorded in the audit log")
	_ = skillPublishCmd.MarkFlagRequired("file")
}
