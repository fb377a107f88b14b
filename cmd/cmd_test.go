package cmd

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRunIngestRejectsInvalidOrg(t *testing.T) {
	ingestOrgID = "not-a-uuid"
	ingestSourceType = "pdf"

	err := runIngest("/tmp/handbook.pdf")
	if err == nil || !strings.Contains(err.Error(), "--org") {
		t.Errorf("runIngest() error = %v, want --org parse failure", err)
	}
}

func TestRunIngestRejectsInvalidSourceType(t *testing.T) {
	ingestOrgID = uuid.New().String()
	ingestSourceType = "epub"

	err := runIngest("/tmp/book.epub")
	if err == nil || !strings.Contains(err.Error(), "unsupported source type") {
		t.Errorf("runIngest() error = %v, want unsupported source type", err)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	for _, name := range []string{"serve", "ingest", "version"} {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("root command missing %q subcommand", name)
		}
	}
}
