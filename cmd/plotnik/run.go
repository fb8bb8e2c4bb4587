package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/cache"
	"github.com/oxhq/plotnik/internal/config"
	"github.com/oxhq/plotnik/internal/materialize"
	"github.com/oxhq/plotnik/internal/trace"
	"github.com/oxhq/plotnik/internal/tsbridge"
	"github.com/oxhq/plotnik/internal/vm"
)

// triviaFor resolves the trivia node kinds for a language id, falling
// back to the common comment kind.
func triviaFor(lang string) []string {
	if l, ok := tsbridge.Lookup(lang); ok {
		return l.Trivia
	}
	return nil
}

func runCmd() *cobra.Command {
	var (
		entry     string
		langID    string
		firstOnly bool
		traceFlag bool
	)
	cmd := &cobra.Command{
		Use:   "run <query> <files...>",
		Short: "Execute a query against source files and print JSON values",
		Long: "Executes a query (source or compiled .pqb) against each file.\n" +
			"File arguments accept doublestar globs such as 'src/**/*.go'.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if langID == "" {
				langID = cfg.DefaultLang
			}
			files, err := expandGlobs(args[1:])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files matched")
			}
			if langID == "" {
				if l, ok := tsbridge.LookupByExtension(files[0]); ok {
					langID = l.ID
				}
			}
			lang, err := tsbridge.Resolve(langID, files[0])
			if err != nil {
				return err
			}
			prog, _, err := loadProgram(args[0], cfg, lang.ID)
			if err != nil {
				return err
			}
			linked, err := bytecode.Link(prog, lang)
			if err != nil {
				return err
			}
			opts := vm.Options{StepFuel: cfg.StepFuel, CallFuel: cfg.CallFuel}
			var collector *trace.Collector
			if traceFlag {
				collector = &trace.Collector{}
				opts.Tracer = collector
			}

			enc := json.NewEncoder(os.Stdout)
			for _, file := range files {
				src, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				tree, err := tsbridge.ParseSource(lang, src)
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				matches, err := findMatches(linked, tree, entry, opts, firstOnly)
				tree.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				for _, m := range matches {
					value := materialize.Materialize(linked, m.Effects)
					out := map[string]any{"file": file, "value": value}
					if err := enc.Encode(out); err != nil {
						return err
					}
				}
			}
			if collector != nil {
				fmt.Fprintln(os.Stderr, collector.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&entry, "entry", "e", "", "entrypoint name (default: the sole public definition)")
	cmd.Flags().StringVarP(&langID, "lang", "l", "", "target language (inferred from file extensions if omitted)")
	cmd.Flags().BoolVar(&firstOnly, "first", false, "stop after the first match per file")
	cmd.Flags().BoolVar(&traceFlag, "trace", false, "print the execution trace to stderr")
	return cmd
}

func findMatches(prog *bytecode.Program, tree *tsbridge.Tree, entry string, opts vm.Options, firstOnly bool) ([]vm.Match, error) {
	if firstOnly {
		m, ok, err := vm.FindFirst(prog, tree, entry, opts)
		if err != nil || !ok {
			return nil, err
		}
		return []vm.Match{m}, nil
	}
	return vm.FindAll(prog, tree, entry, opts)
}

// expandGlobs resolves doublestar patterns against the filesystem;
// literal paths pass through.
func expandGlobs(patterns []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[{") {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
			continue
		}
		base, pattern := doublestar.SplitPattern(filepath.ToSlash(p))
		matches, err := doublestar.Glob(os.DirFS(base), pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		for _, m := range matches {
			full := filepath.Join(base, m)
			if !seen[full] {
				seen[full] = true
				out = append(out, full)
			}
		}
	}
	return out, nil
}

func dumpCmd() *cobra.Command {
	var diffWith string
	cmd := &cobra.Command{
		Use:   "dump <file.pqb>",
		Short: "Disassemble a compiled query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			left, err := loadDump(args[0])
			if err != nil {
				return err
			}
			if diffWith == "" {
				fmt.Print(left)
				return nil
			}
			right, err := loadDump(diffWith)
			if err != nil {
				return err
			}
			text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        difflib.SplitLines(left),
				B:        difflib.SplitLines(right),
				FromFile: args[0],
				ToFile:   diffWith,
				Context:  3,
			})
			if err != nil {
				return err
			}
			if text == "" {
				fmt.Println("binaries are identical")
				return nil
			}
			fmt.Print(text)
			return nil
		},
	}
	cmd.Flags().StringVar(&diffWith, "diff", "", "diff against another compiled query")
	return cmd
}

func loadDump(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	prog, err := bytecode.Decode(data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return prog.Dump(), nil
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the compiled-query cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := config.Load()
				store, err := cache.Open(cfg.CacheDSN, cfg.Debug)
				if err != nil {
					return err
				}
				st, err := store.Stats()
				if err != nil {
					return err
				}
				fmt.Printf("queries: %d\nbytes: %d\nuses: %d\n", st.Queries, st.Bytes, st.TotalUses)
				if !st.LastUsed.IsZero() {
					fmt.Printf("last used: %s\n", st.LastUsed.Format("2006-01-02 15:04:05"))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "gc",
			Short: "Evict stale cache entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := config.Load()
				store, err := cache.Open(cfg.CacheDSN, cfg.Debug)
				if err != nil {
					return err
				}
				n, err := store.GC(cfg.CacheRetention)
				if err != nil {
					return err
				}
				fmt.Printf("evicted %d entries\n", n)
				return nil
			},
		},
	)
	return cmd
}
