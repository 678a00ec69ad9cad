package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var asJSON bool

	flags := append(commonCacheFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print records as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the persisted operators for a target",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLogger()
			resolved := resolveTarget()

			cache := newCache(log)
			if err := cache.LoadFromDatabase(cache.DatabasePath(), resolved); err != nil {
				return cli.Exit(fmt.Sprintf("error: load database: %v", err), 1)
			}
			recs := cache.Records()
			sort.Slice(recs, func(i, j int) bool {
				return recs[i].CreatedAt.Before(recs[j].CreatedAt)
			})

			if asJSON {
				raw, err := json.MarshalIndent(recs, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode records: %v", err), 1)
				}
				fmt.Println(string(raw))
				return nil
			}

			if len(recs) == 0 {
				fmt.Printf("no operators cached for %s under %s\n", resolved, cache.DatabasePath())
				return nil
			}
			fmt.Printf("target: %s\ndatabase: %s\n\n", resolved, cache.DatabasePath())
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENGINE\tBITS\tFORMAT\tN\tK\tGROUP\tCREATED")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%s\n",
					shortID(rec.ID), rec.Engine, rec.Bits, rec.SourceFormat,
					rec.Config.N, rec.Config.K, rec.Config.GroupSize,
					rec.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
