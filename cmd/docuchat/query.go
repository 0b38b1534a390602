package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docuchat-dev/docuchat/internal/cost"
	"github.com/docuchat-dev/docuchat/internal/orchestrator"
	"github.com/docuchat-dev/docuchat/internal/provider"
)

var loadCmd = &cobra.Command{
	Use:   "load <session-id> <path>...",
	Short: "Load documents into a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.orch.LoadDocuments(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%s: %d chunks\n", r.Path, r.ChunkCount)
		}
		return nil
	},
}

var (
	queryNoRAG       bool
	queryNoCache     bool
	queryMaxChunks   int
	queryTemperature float64
	queryOutput      string
)

func queryOptions() orchestrator.Options {
	return orchestrator.Options{
		UseRAG:      !queryNoRAG,
		UseCache:    !queryNoCache,
		MaxChunks:   queryMaxChunks,
		Temperature: queryTemperature,
	}
}

var queryCmd = &cobra.Command{
	Use:   "query <session-id> <query>",
	Short: "Ask one question against a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		query := strings.Join(args[1:], " ")
		opts := queryOptions()

		var result *orchestrator.Result
		if queryOutput != "" {
			result, err = a.orch.GenerateOutput(cmd.Context(), args[0], query, queryOutput, opts)
		} else {
			result, err = a.orch.Run(cmd.Context(), args[0], query, opts)
		}
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <session-id> <queries-file>",
	Short: "Run queries from a file, one per line, sharing the warmed cache",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		queries, err := readLines(args[1])
		if err != nil {
			return err
		}
		if len(queries) == 0 {
			return fmt.Errorf("no queries in %s", args[1])
		}

		results, err := a.orch.RunBatch(cmd.Context(), args[0], queries, queryOptions())
		if err != nil {
			return err
		}
		var totals provider.Usage
		var totalCost float64
		failed := 0
		for i, r := range results {
			fmt.Printf("=== [%d/%d] %s\n", i+1, len(results), r.Query)
			if r.Err != nil {
				fmt.Printf("error: %v\n\n", r.Err)
				failed++
				continue
			}
			printResult(r.Result)
			fmt.Println()
			totals = cost.Accumulate(totals, r.Result.Usage)
			totalCost += r.Result.CostUSD
		}

		fmt.Printf("=== totals: %d queries (%d failed)\n", len(results), failed)
		fmt.Printf("tokens: in=%d out=%d cache_read=%d cache_write=%d  hit_rate=%.2f  cost=$%.6f\n",
			totals.InputTokens, totals.OutputTokens,
			totals.CacheReadTokens, totals.CacheWriteTokens,
			cost.HitRate(totals), totalCost)
		return nil
	},
}

var instructionCmd = &cobra.Command{
	Use:   "instruction <session-id> <text>",
	Short: "Replace the session's system instruction",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return a.orch.SwitchInstruction(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path) // #nosec G304 - user-supplied batch file
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func init() {
	for _, cmd := range []*cobra.Command{queryCmd, batchCmd} {
		cmd.Flags().BoolVar(&queryNoRAG, "no-rag", false, "send full document text instead of retrieved chunks")
		cmd.Flags().BoolVar(&queryNoCache, "no-cache", false, "disable provider-side context caching")
		cmd.Flags().IntVar(&queryMaxChunks, "max-chunks", 0, "retrieval depth (default 5)")
		cmd.Flags().Float64VarP(&queryTemperature, "temperature", "t", 0, "sampling temperature")
	}
	queryCmd.Flags().StringVarP(&queryOutput, "output", "o", "", "write the answer to a file")

	rootCmd.AddCommand(loadCmd, queryCmd, batchCmd, instructionCmd)
}
