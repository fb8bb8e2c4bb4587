// Command plotnik compiles and executes tree-sitter pattern queries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/cache"
	"github.com/oxhq/plotnik/internal/compiler"
	"github.com/oxhq/plotnik/internal/config"
	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/syntax"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "plotnik",
		Short:         "Typed pattern matching over tree-sitter syntax trees",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(checkCmd(), compileCmd(), dumpCmd(), runCmd(), cacheCmd())
	return root
}

// pipeline runs source through parse, analysis, and inference.
func pipeline(src string) (*analyzer.Query, *infer.Info) {
	res := syntax.Parse(src)
	q := analyzer.Analyze(res)
	info := infer.Run(q)
	return q, info
}

func printDiags(q *analyzer.Query) {
	for _, d := range q.Diags.Prioritized() {
		fmt.Fprintf(os.Stderr, "%s: %s [%s]\n", d.Span, d.Message, d.Kind)
		if d.Help != "" {
			fmt.Fprintf(os.Stderr, "  help: %s\n", d.Help)
		}
		for _, sec := range d.Secondary {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", sec.Span, sec.Message)
		}
	}
}

func checkCmd() *cobra.Command {
	var showCST, showTypes bool
	cmd := &cobra.Command{
		Use:   "check <query-file>",
		Short: "Parse, analyze, and type a query without compiling it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res := syntax.Parse(string(src))
			q := analyzer.Analyze(res)
			info := infer.Run(q)
			if showCST {
				fmt.Print(res.Tree.Dump())
			}
			if showTypes {
				for _, def := range q.Defs {
					fmt.Printf("%s: %s\n", def.Name, info.Table.Render(info.DefType[def]))
				}
			}
			printDiags(q)
			if q.Diags.HasFatal() {
				return fmt.Errorf("%d problem(s)", len(q.Diags.Prioritized()))
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&showCST, "cst", false, "print the concrete syntax tree")
	cmd.Flags().BoolVar(&showTypes, "types", false, "print the inferred definition types")
	return cmd
}

func compileCmd() *cobra.Command {
	var out string
	var trivia []string
	cmd := &cobra.Command{
		Use:   "compile <query-file>",
		Short: "Compile a query to a bytecode file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			q, info := pipeline(string(src))
			prog, err := compiler.Compile(q, info, compiler.Options{Trivia: trivia})
			printDiags(q)
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".pqb"
			}
			if err := os.WriteFile(out, prog.Encode(), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes, %d entrypoints)\n", out, len(prog.Encode()), prog.EntryCount())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default <query>.pqb)")
	cmd.Flags().StringSliceVar(&trivia, "trivia", nil, "node kinds treated as trivia (default comment)")
	return cmd
}

// loadProgram reads either a compiled .pqb file or query source,
// compiling the latter through the cache when available.
func loadProgram(path string, cfg *config.Config, lang string) (*bytecode.Program, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	if len(data) >= 4 && string(data[:4]) == bytecode.Magic {
		prog, err := bytecode.Decode(data)
		return prog, "", err
	}
	src := string(data)
	if store, err := cache.Open(cfg.CacheDSN, cfg.Debug); err == nil {
		if prog, err := store.Get(src, lang); err == nil && prog != nil {
			return prog, src, nil
		}
	}
	q, info := pipeline(src)
	prog, err := compiler.Compile(q, info, compiler.Options{Trivia: triviaFor(lang)})
	printDiags(q)
	if err != nil {
		return nil, "", err
	}
	if store, serr := cache.Open(cfg.CacheDSN, cfg.Debug); serr == nil {
		_ = store.Put(src, lang, prog)
	}
	return prog, src, nil
}
