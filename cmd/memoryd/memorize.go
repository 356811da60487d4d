package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/pipeline"
)

var (
	memModality string
	memURI      string
	memFile     string
)

func init() {
	rootCmd.AddCommand(memorizeCmd)
	memorizeCmd.Flags().StringVar(&memModality, "modality", "conversation", "content modality: conversation, document, image, audio")
	memorizeCmd.Flags().StringVar(&memURI, "uri", "", "ingest by reference instead of inline content")
	memorizeCmd.Flags().StringVar(&memFile, "file", "", "read content from a file ('-' for stdin)")
}

var memorizeCmd = &cobra.Command{
	Use:   "memorize [content]",
	Short: "Ingest content into a scope's memory",
	Long: `Ingest content into a scope's memory. The content is deduplicated,
distilled into memory items, and categorized; re-running with identical
content is a no-op.

Examples:
  # Memorize inline text
  memoryd memorize --scope user_id=alice "I prefer dark roast coffee"

  # Memorize a transcript file
  memoryd memorize --scope user_id=alice --file transcript.txt

  # Memorize a document by reference
  memoryd memorize --scope user_id=alice --modality document --uri file:///data/notes.md`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMemorize,
}

func runMemorize(cmd *cobra.Command, args []string) error {
	sk, err := scopeKey()
	if err != nil {
		return err
	}

	var content string
	switch {
	case memFile == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		content = string(b)
	case memFile != "":
		b, err := os.ReadFile(memFile)
		if err != nil {
			return fmt.Errorf("reading %s: %w", memFile, err)
		}
		content = string(b)
	case len(args) == 1:
		content = args[0]
	}
	if content == "" && memURI == "" {
		return fmt.Errorf("provide content, --file, or --uri")
	}

	ctx := cmd.Context()
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.Service.Memorize(ctx, sk, pipeline.MemorizeInput{
		Modality: memory.Modality(memModality),
		Content:  content,
		URI:      memURI,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}
