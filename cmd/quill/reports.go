package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zoobzio/quill/archive"
)

var (
	listLimit int

	reportsCmd = &cobra.Command{
		Use:   "reports",
		Short: "Browse archived reports",
	}

	reportsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List archived reports, newest first",
		Args:  cobra.NoArgs,
		RunE:  runReportsList,
	}

	reportsShowCmd = &cobra.Command{
		Use:   "show [id]",
		Short: "Print an archived report with its references",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportsShow,
	}

	reportsDeleteCmd = &cobra.Command{
		Use:   "delete [id]",
		Short: "Remove an archived report",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportsDelete,
	}
)

func init() {
	reportsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum number of reports to list (0 for all)")
}

func openArchive() (*archive.Store, error) {
	if cfg.Archive.Path == "" {
		return nil, fmt.Errorf("no archive configured: set archive.path or QUILL_ARCHIVE_PATH")
	}
	return archive.Open(cfg.Archive.Path)
}

func runReportsList(cmd *cobra.Command, _ []string) error {
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	reports, err := store.List(cmd.Context(), listLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(reports) == 0 {
		fmt.Fprintln(out, styleMuted.Render("no reports"))
		return nil
	}
	for _, r := range reports {
		fmt.Fprintf(out, "%s  %s  %-8s %3d sources  %s\n",
			styleMuted.Render(r.ID),
			r.CreatedAt.Format(time.DateTime),
			r.Mode,
			r.Citations,
			r.Topic,
		)
	}
	return nil
}

func runReportsShow(cmd *cobra.Command, args []string) error {
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styleHeading.Render(r.Topic))
	fmt.Fprintln(out, styleMuted.Render(fmt.Sprintf("%s · %s · %d tokens", r.CreatedAt.Format(time.DateTime), r.Mode, r.Usage.Total)))
	fmt.Fprintln(out)
	fmt.Fprintln(out, r.Document)

	var refs []string
	for _, c := range r.Citations {
		if c.UsageCount > 0 {
			refs = append(refs, fmt.Sprintf("[%d] %s - %s", c.ID, c.Title, c.URL))
		}
	}
	if len(refs) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, styleHeading.Render("References"))
		for _, ref := range refs {
			fmt.Fprintln(out, ref)
		}
	}
	return nil
}

func runReportsDelete(cmd *cobra.Command, args []string) error {
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), styleMuted.Render("deleted "+args[0]))
	return nil
}
