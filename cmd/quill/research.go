package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zoobzio/quill"
	"github.com/zoobzio/quill/archive"
	"gopkg.in/yaml.v3"
)

var (
	notesPath   string
	sourcesPath string
	background  string
	outputPath  string
	outlinePath string
	noArchive   bool

	researchCmd = &cobra.Command{
		Use:   "research [topic]",
		Short: "Negotiate an outline and write the full report",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runResearch,
	}

	outlineCmd = &cobra.Command{
		Use:   "outline [topic]",
		Short: "Run only the outline debate and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runOutline,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{researchCmd, outlineCmd} {
		cmd.Flags().StringVar(&background, "context", "", "extra context handed to both personas")
		cmd.Flags().StringVar(&notesPath, "notes", "", "file with accumulated research notes")
	}
	researchCmd.Flags().StringVar(&sourcesPath, "sources", "", "YAML file listing citations (url, title, authors, year)")
	researchCmd.Flags().StringVar(&outlinePath, "outline", "", "skip the debate and use this outline file")
	researchCmd.Flags().StringVarP(&outputPath, "out", "o", "", "write the report here instead of stdout")
	researchCmd.Flags().BoolVar(&noArchive, "no-archive", false, "do not save the report to the archive")
}

func runOutline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	topic := strings.Join(args, " ")

	session, err := newSession()
	if err != nil {
		return err
	}
	defer observe(cfg.Observability.Verbose)()

	notes, err := readOptional(notesPath)
	if err != nil {
		return err
	}

	outline, err := session.RunNegotiation(ctx, topic, joinContext(background, notes), cfg.ModeValue(), printTurn)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), outline)
	return nil
}

func runResearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	topic := strings.Join(args, " ")
	mode := cfg.ModeValue()

	session, err := newSession()
	if err != nil {
		return err
	}
	defer observe(cfg.Observability.Verbose)()

	notes, err := readOptional(notesPath)
	if err != nil {
		return err
	}
	citations, err := loadSources(sourcesPath)
	if err != nil {
		return err
	}

	outline, err := readOptional(outlinePath)
	if err != nil {
		return err
	}
	if outline == "" {
		fmt.Fprintln(os.Stderr, styleHeading.Render("Outline debate"))
		outline, err = session.RunNegotiation(ctx, topic, joinContext(background, notes), mode, printTurn)
		if err != nil {
			return err
		}
		if err := session.Pace(ctx, mode); err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stderr, styleHeading.Render("Writing report"))
	doc, err := session.RunSynthesis(ctx, topic, outline, notes, citations, mode)
	if err != nil {
		return err
	}
	for _, w := range doc.Warnings {
		fmt.Fprintln(os.Stderr, styleWarn.Render("warning: ")+w)
	}

	report := renderReport(doc.Text, session.Registry().References())
	if err := writeOutput(cmd, report); err != nil {
		return err
	}

	if noArchive || cfg.Archive.Path == "" {
		return nil
	}
	id, err := saveReport(ctx, session, topic, mode, outline, doc)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, styleMuted.Render("saved report "+id))
	return nil
}

func saveReport(ctx context.Context, session *quill.Session, topic string, mode quill.Mode, outline string, doc *quill.Document) (string, error) {
	store, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return "", err
	}
	defer store.Close()

	return store.Save(ctx, archive.Report{
		SessionID: session.ID(),
		Topic:     topic,
		Mode:      mode,
		Outline:   outline,
		Document:  doc.Text,
		Warnings:  doc.Warnings,
		Usage:     session.Usage(),
		Citations: session.Registry().All(),
		Turns:     session.Turns(),
	})
}

// renderReport appends the bibliography, when anything was cited.
func renderReport(text, references string) string {
	if references == "" {
		return text
	}
	return text + "\n\n## References\n\n" + references
}

func writeOutput(cmd *cobra.Command, report string) error {
	if outputPath == "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), report)
		return err
	}
	if err := os.WriteFile(outputPath, []byte(report+"\n"), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func joinContext(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// loadSources reads a YAML list of citations.
func loadSources(path string) ([]quill.Citation, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	var citations []quill.Citation
	if err := yaml.Unmarshal(data, &citations); err != nil {
		return nil, fmt.Errorf("parse sources %s: %w", path, err)
	}
	return citations, nil
}
