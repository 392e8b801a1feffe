package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pmi/internal/compiler"
	"github.com/roach88/pmi/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output  string
	Modules []string
}

// CompileResult is the compiled manifest with the digest ranks compare
// after the bootstrap imports.
type CompileResult struct {
	Manifest *ir.Manifest `json:"manifest"`
	Modules  []string     `json:"modules"`
	Digest   string       `json:"digest"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <manifest.cue>",
		Short: "Compile a payload manifest to canonical JSON",
		Long: `Compile a CUE payload manifest to canonical JSON.

The output carries the manifest digest of the given modules (all modules
by default, in declaration order). Every rank importing the same modules
from the same manifest computes the same digest.

Examples:
  pmi compile ./manifest.cue
  pmi compile ./manifest.cue --module core --module md -o manifest.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the result to a file instead of stdout")
	cmd.Flags().StringSliceVar(&opts.Modules, "module", nil, "modules to digest (default: all)")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	m, err := compiler.LoadManifestFile(path)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to compile manifest", err)
	}

	modules := opts.Modules
	if len(modules) == 0 {
		for _, mod := range m.Modules {
			modules = append(modules, mod.Name)
		}
	}
	digest, err := ir.ManifestDigest(m, modules)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to digest manifest", err)
	}

	result := CompileResult{Manifest: m, Modules: modules, Digest: digest}

	var data []byte
	if opts.Format == "json" {
		data, err = json.MarshalIndent(CLIResponse{Status: "ok", Data: result}, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = ir.MarshalCanonical(map[string]any{
			"manifest": manifestMap(m),
			"modules":  stringsToAny(modules),
			"digest":   digest,
		})
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Compiled %d type(s) to %s\n", len(m.Types), opts.Output)
		return nil
	}

	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// manifestMap converts a manifest to plain values for canonical JSON.
func manifestMap(m *ir.Manifest) map[string]any {
	types := make([]any, len(m.Types))
	for i, s := range m.Types {
		types[i] = map[string]any{
			"type_id":     s.TypeID,
			"broadcast":   stringsToAny(s.Broadcast),
			"gather":      stringsToAny(s.Gather),
			"properties":  stringsToAny(s.Properties),
			"passthrough": stringsToAny(s.Passthrough),
		}
	}
	modules := make([]any, len(m.Modules))
	for i, mod := range m.Modules {
		modules[i] = map[string]any{"name": mod.Name, "types": stringsToAny(mod.Types)}
	}
	return map[string]any{"types": types, "modules": modules}
}

func stringsToAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}
