package nscmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var flagListJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known namespaces with their backend and migration phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		f, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		recs, err := f.Records(ctx)
		if err != nil {
			return err
		}
		if flagListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"TOKEN", "ACTIVE", "PHASE", "SOURCE", "RETAIN UNTIL", "UPDATED"})
		for _, r := range recs {
			retain := "-"
			if r.RetainUntil != nil {
				retain = r.RetainUntil.Format(time.RFC3339)
			}
			source := string(r.Source)
			if source == "" {
				source = "-"
			}
			tw.Append([]string{
				short(r.Token),
				string(r.Active),
				string(r.Phase),
				source,
				retain,
				timeOrDash(r.UpdatedAt),
			})
		}
		tw.Render()
		fmt.Fprintf(os.Stderr, "%d namespace(s)\n", len(recs))
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&flagListJSON, "json", false, "Print records as JSON")
}
