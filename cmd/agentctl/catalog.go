package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"support-agent/internal/catalog"
)

func catalogCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "catalog",
		Short: "Query the embedded product catalog",
	}
	command.AddCommand(catalogSearchCmd())
	return command
}

func catalogSearchCmd() *cobra.Command {
	var (
		offset int
		limit  int
		asJSON bool
	)

	command := &cobra.Command{
		Use:   "search <query>",
		Short: "List the products a customer query would match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			products, err := catalog.New()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = products.Len()
			}
			results := products.Page(args[0], offset, limit, nil)

			if asJSON {
				return writeJSON(cmd, results)
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "no matching products")
				return nil
			}
			for _, p := range results {
				fmt.Fprintf(out, "%-10s %-32s %s %s  %s\n", p.ID, p.Title, p.Currency,
					strconv.FormatFloat(p.Price, 'f', 2, 64), p.StockStatus)
			}
			return nil
		},
	}

	command.Flags().IntVar(&offset, "offset", 0, "Skip this many matches")
	command.Flags().IntVar(&limit, "limit", 0, "Return at most this many matches (0 = all)")
	command.Flags().BoolVar(&asJSON, "json", false, "Print products as JSON")
	return command
}
