// Package cmd contains the quarry CLI: serve runs the HTTP service,
// ingest runs one-shot document ingestion, version prints build info.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - multi-tenant document Q&A service",
	Long: `Quarry answers questions over an organization's documents.

Documents are extracted, chunked, and indexed into a pgvector store;
queries are answered by retrieval, cross-encoder reranking, and LLM
generation with citations back to the source chunks.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
