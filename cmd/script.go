// File: cmd/script.go
package cmd

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/NoEdgeAI/iphoneclaw/internal/script"
)

var (
	scriptVars     []string
	scriptRegistry string
	scriptRaw      bool
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Work with action scripts",
}

var scriptCompileCmd = &cobra.Command{
	Use:   "compile <file>",
	Short: "Compile an action script and print the resulting actions as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registryPath := cfg.Script.RegistryPath
		if scriptRegistry != "" {
			registryPath = scriptRegistry
		}

		vars := map[string]string{}
		for _, kv := range scriptVars {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("bad --var %q, expected KEY=VALUE", kv)
			}
			vars[k] = v
		}

		compiler := script.NewCompiler(script.NewFileRegistry(registryPath))
		compiler.MaxDepth = cfg.Script.MaxDepth

		acts, err := compiler.CompileFile(args[0], vars)
		if err != nil {
			return err
		}

		json := jsoniter.ConfigCompatibleWithStandardLibrary
		out := cmd.OutOrStdout()
		if scriptRaw {
			for _, a := range acts {
				fmt.Fprintln(out, a.Raw)
			}
			return nil
		}
		data, err := json.MarshalIndent(acts, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	},
}

func init() {
	scriptCompileCmd.Flags().StringArrayVar(&scriptVars, "var", nil, "template variable KEY=VALUE (repeatable)")
	scriptCompileCmd.Flags().StringVar(&scriptRegistry, "registry", "", "script registry JSON file (overrides script.registry_path)")
	scriptCompileCmd.Flags().BoolVar(&scriptRaw, "raw", false, "print raw action calls instead of JSON")
	scriptCmd.AddCommand(scriptCompileCmd)
	rootCmd.AddCommand(scriptCmd)
}
