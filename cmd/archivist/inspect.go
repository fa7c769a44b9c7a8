package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/meigma/archivist"
	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/archive/remote"
	"github.com/meigma/archivist/archive/stargz"
)

func newInspectCmd(a *app) *cobra.Command {
	var (
		list   bool
		search string
	)
	cmd := &cobra.Command{
		Use:   "inspect <path|url>",
		Short: "Print the article count and titles of an archive",
		Long: `Open an archive from the local filesystem or over HTTP and describe it.

Remote archives are read with range requests, so only the table of
contents and the requested entries are transferred.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opener archive.Opener
			if remote.IsURL(args[0]) {
				opener = remote.NewOpener(cmd.Context(), remote.WithLogger(a.logger))
			} else {
				opener = stargz.NewOpener(stargz.WithLogger(a.logger))
			}
			arc, err := opener.Open(args[0])
			if err != nil {
				return err
			}
			defer arc.Close()
			return inspect(cmd.OutOrStdout(), arc, list, search)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list every article title")
	cmd.Flags().StringVar(&search, "search", "", "print titles matching this query")
	return cmd
}

func inspect(w io.Writer, arc archive.Archive, list bool, query string) error {
	fmt.Fprintf(w, "articles: %d\n", arc.ArticleCount())
	if list {
		for l := range arc.Articles() {
			printLookup(w, l)
		}
	}
	if query == "" {
		return nil
	}
	hits, err := arc.Search(query, archivist.MaxSearchResults)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "matches for %q: %d\n", query, len(hits))
	for _, l := range hits {
		printLookup(w, l)
	}
	return nil
}

func printLookup(w io.Writer, l archive.Lookup) {
	if l.OK() {
		fmt.Fprintf(w, "  %s\t%s\n", l.Title, l.Path)
		return
	}
	fmt.Fprintf(w, "  %s\t%s\t(%s: %v)\n", l.Title, l.Path, l.Status, l.Err)
}
