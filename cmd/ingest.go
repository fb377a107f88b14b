package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quarry-ai/quarry/internal/app"
	"github.com/quarry-ai/quarry/internal/config"
	"github.com/quarry-ai/quarry/internal/log"
	"github.com/quarry-ai/quarry/internal/store"
)

var (
	ingestOrgID      string
	ingestName       string
	ingestSourceType string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file-or-url>",
	Short: "Ingest one document for an organization",
	Long: `Registers a document and runs the full ingestion pipeline:
extraction, chunking, embedding, and indexing. The document is visible
to queries as soon as the command reports it ready.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(args[0])
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOrgID, "org", "", "organization UUID (required)")
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "document name (defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingestSourceType, "type", "", "source type: pdf|csv|txt|docx|xlsx|website|gdoc|notion (required)")
	_ = ingestCmd.MarkFlagRequired("org")
	_ = ingestCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ref string) error {
	orgID, err := uuid.Parse(ingestOrgID)
	if err != nil {
		return fmt.Errorf("parsing --org: %w", err)
	}
	if !store.ValidSourceType(ingestSourceType) {
		return fmt.Errorf("unsupported source type %q", ingestSourceType)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{JSON: jsonLogs()})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, cleanup, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer cleanup()

	name := ingestName
	if name == "" {
		name = filepath.Base(ref)
	}

	doc := &store.Document{
		ID:         uuid.New(),
		OrgID:      orgID,
		Name:       name,
		SourceType: ingestSourceType,
		Status:     store.StatusProcessing,
	}
	switch ingestSourceType {
	case store.SourceWebsite, store.SourceGDoc, store.SourceNotion:
		doc.SourceURL = ref
	default:
		doc.FilePath = ref
	}

	if err := a.Store.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("creating document: %w", err)
	}

	result := a.Pipeline.Ingest(ctx, *doc, ref)
	if result.Status == store.StatusFailed {
		return fmt.Errorf("ingestion failed: %s", result.Message)
	}

	fmt.Printf("ingested %s: %d chunks (document %s)\n", name, result.ChunkCount, doc.ID)
	return nil
}
