package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/soypat/cc33xx/internal/trace"
	"github.com/spf13/cobra"
)

var summaryOnly bool

var decodeCmd = &cobra.Command{
	Use:   "decode <trace.cbor>",
	Short: "Print a recorded trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVarP(&summaryOnly, "summary", "s", false, "Only print record counts per kind")
}

func runDecode(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	recs, err := trace.Decode(f)
	if err != nil {
		// Print what was readable; a trace cut short by a crash is still useful.
		fmt.Fprintln(os.Stderr, err)
	}
	out := cmd.OutOrStdout()
	if !summaryOnly {
		for _, r := range recs {
			fmt.Fprintln(out, r)
		}
	}
	sum := trace.Summary(recs)
	kinds := make([]trace.Kind, 0, len(sum))
	for k := range sum {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	fmt.Fprintf(out, "%d records\n", len(recs))
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-11s %d\n", k, sum[k])
	}
	return nil
}
