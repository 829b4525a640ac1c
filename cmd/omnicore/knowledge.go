package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/memohai/omnicore/internal/knowledge"
	"github.com/memohai/omnicore/internal/logger"
)

var knowledgeTenant string

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage tenant knowledge entries",
}

var knowledgeImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import knowledge entries from a YAML file",
	Long: `import reads a YAML document of the form

  entries:
    - tenant_id: clinic-1
      term: Hollywood smile
      keywords: [veneers, smile design]
      content: Full smile design with 16 to 20 porcelain veneers.

and stores every entry in the database. With the qdrant backend the entries
are indexed in the collection as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		entries, err := readKnowledgeFile(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		conn, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()

		store := knowledge.NewSQLStore(conn)
		stored := make([]knowledge.Entry, 0, len(entries))
		for _, e := range entries {
			saved, err := store.Add(ctx, e)
			if err != nil {
				return fmt.Errorf("entry %q: %w", e.Term, err)
			}
			stored = append(stored, saved)
		}
		if strings.EqualFold(strings.TrimSpace(cfg.Knowledge.Backend), "qdrant") {
			index, err := knowledge.NewQdrantStore(ctx, logger.L, cfg.Qdrant)
			if err != nil {
				return err
			}
			defer index.Close()
			if err := index.Upsert(ctx, stored); err != nil {
				return err
			}
		}
		logger.L.Info("knowledge imported", "entries", len(stored), "backend", cfg.Knowledge.Backend)
		return nil
	},
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the knowledge entries of a tenant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		conn, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()

		entries, err := knowledge.NewSQLStore(conn).List(ctx, knowledgeTenant)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

type knowledgeFile struct {
	Entries []struct {
		ID       string   `yaml:"id"`
		TenantID string   `yaml:"tenant_id"`
		Term     string   `yaml:"term"`
		Keywords []string `yaml:"keywords"`
		Content  string   `yaml:"content"`
	} `yaml:"entries"`
}

func readKnowledgeFile(path string) ([]knowledge.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var file knowledgeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse knowledge file: %w", err)
	}
	entries := make([]knowledge.Entry, 0, len(file.Entries))
	for _, e := range file.Entries {
		entries = append(entries, knowledge.Entry{
			ID:       e.ID,
			TenantID: e.TenantID,
			Term:     e.Term,
			Keywords: e.Keywords,
			Content:  e.Content,
		})
	}
	return entries, nil
}

func init() {
	knowledgeListCmd.Flags().StringVar(&knowledgeTenant, "tenant", "", "tenant id")
	_ = knowledgeListCmd.MarkFlagRequired("tenant")
	knowledgeCmd.AddCommand(knowledgeImportCmd, knowledgeListCmd)
}
