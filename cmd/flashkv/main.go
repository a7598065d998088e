// Command flashkv is a thin demonstrator over the flashkv engine: it
// opens a database at a given directory and drives it one operation at
// a time, the way the pebble family's cobra-based tool binaries expose
// their storage engines on the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flashkv/flashkv"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbDir string

	root := &cobra.Command{
		Use:   "flashkv",
		Short: "Drive a flashkv database from the command line",
	}
	root.PersistentFlags().StringVar(&dbDir, "db", "", "database directory (required)")
	_ = root.MarkPersistentFlagRequired("db")

	open := func() (*flashkv.DB, error) {
		opts := flashkv.DefaultOptions()
		return flashkv.Open(dbDir, opts)
	}

	root.AddCommand(
		newPutCmd(open),
		newGetCmd(open),
		newDeleteCmd(open),
		newScanCmd(open),
		newCompactCmd(open),
		newStatsCmd(open),
	)
	return root
}

type opener func() (*flashkv.DB, error)

func newPutCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "write a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Put([]byte(args[0]), []byte(args[1]))
		},
	}
}

func newGetCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "read a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := db.Get([]byte(args[0]))
			if flashkv.IsNotFound(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "(not found)")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(v))
			return nil
		},
	}
}

func newDeleteCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete([]byte(args[0]))
		},
	}
}

func newScanCmd(open opener) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "iterate all live key/value pairs in ascending order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			it := db.NewIterator()
			defer it.Close()

			if from != "" {
				it.Seek([]byte(from))
			} else {
				it.SeekToFirst()
			}
			for ; it.Valid(); it.Next() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", it.Key(), it.Value())
			}
			return it.Error()
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start scanning at this key instead of the first")
	return cmd
}

func newCompactCmd(open opener) *cobra.Command {
	var begin, end string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "force a manual compaction over a key range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			var b, e []byte
			if begin != "" {
				b = []byte(begin)
			}
			if end != "" {
				e = []byte(end)
			}
			return db.CompactRange(b, e)
		},
	}
	cmd.Flags().StringVar(&begin, "begin", "", "inclusive start of the range (default: first key)")
	cmd.Flags().StringVar(&end, "end", "", "inclusive end of the range (default: last key)")
	return cmd
}

func newStatsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print engine counters and per-level file counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			s := db.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "flushes:      %d\n", s.FlushCount)
			fmt.Fprintf(out, "compactions:  %d\n", s.CompactionCount)
			for level, count := range s.LevelFileCounts {
				fmt.Fprintf(out, "level %d:      %d files\n", level, count)
			}
			return nil
		},
	}
}
