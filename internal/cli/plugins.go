package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/quillhost/internal/plugin"
	"github.com/dshills/quillhost/internal/plugin/security"
)

func newPluginsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and toggle installed plugins",
	}
	cmd.AddCommand(
		newPluginsListCommand(opts),
		newPluginsEnableCommand(opts),
		newPluginsDisableCommand(opts),
		newPluginsOrderCommand(opts),
		newPluginsExecCommand(opts),
		newPluginsCapabilitiesCommand(),
	)
	return cmd
}

// discovery is a registry with plugins discovered but no interpreter
// attached. resolveErr holds a dependency resolution failure; the plugin
// records are usable regardless.
type discovery struct {
	reg        *plugin.Registry
	resolveErr error
}

func (o *globalOptions) discover(cmd *cobra.Command) (*discovery, error) {
	cfg, logger, err := o.setup(cmd)
	if err != nil {
		return nil, err
	}
	reg := plugin.NewRegistry(cfg.PluginDir(),
		plugin.WithLogger(logger),
		plugin.WithVersion(cfg.Plugins.HostVersion),
	)
	return &discovery{reg: reg, resolveErr: reg.Discover(cmd.Context())}, nil
}

// pluginView is the JSON form of a plugin in `plugins list --json`.
type pluginView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Kind         string            `json:"kind"`
	Enabled      bool              `json:"enabled"`
	State        string            `json:"state"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Risk         string            `json:"risk"`
	NeedApproval []string          `json:"needs_approval,omitempty"`
	Path         string            `json:"path"`
}

func newPluginsListCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := opts.discover(cmd)
			if err != nil {
				return err
			}
			reg, resolveErr := d.reg, d.resolveErr

			plugins := reg.Plugins()
			views := make([]pluginView, 0, len(plugins))
			for _, p := range plugins {
				v := pluginView{
					ID:           p.Manifest.ID,
					Name:         p.Manifest.Name,
					Version:      p.Manifest.Version,
					Kind:         string(p.Manifest.Kind),
					Enabled:      p.Enabled,
					State:        p.State.String(),
					Dependencies: p.Manifest.Dependencies,
					Path:         p.Path,
				}
				for _, c := range p.Manifest.Capabilities {
					v.Capabilities = append(v.Capabilities, string(c))
				}
				risk, approval := security.Assess(p.Manifest.Capabilities...)
				v.Risk = risk.String()
				for _, c := range approval {
					v.NeedApproval = append(v.NeedApproval, string(c))
				}
				views = append(views, v)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(views); err != nil {
					return err
				}
				return resolveErr
			}

			if len(views) == 0 {
				fmt.Fprintf(out, "No plugins installed in %s\n", reg.Root())
				return resolveErr
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tKIND\tENABLED\tRISK\tCAPABILITIES")
			for _, v := range views {
				risk := v.Risk
				if len(v.NeedApproval) > 0 {
					risk += "!"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", v.ID, v.Version, v.Kind, v.Enabled, risk, strings.Join(v.Capabilities, ","))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return resolveErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print plugins as JSON")
	return cmd
}

func newPluginsEnableCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := opts.discover(cmd)
			if err != nil {
				return err
			}
			if err := d.reg.EnablePlugin(args[0]); err != nil {
				return err
			}
			cmd.Printf("Enabled %s\n", args[0])
			return nil
		},
	}
}

func newPluginsDisableCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := opts.discover(cmd)
			if err != nil {
				return err
			}
			if err := d.reg.DisablePlugin(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Disabled %s\n", args[0])
			return nil
		},
	}
}

func newPluginsOrderCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print the dependency-resolved load order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := opts.discover(cmd)
			if err != nil {
				return err
			}
			if d.resolveErr != nil {
				return d.resolveErr
			}
			for i, id := range d.reg.LoadOrder() {
				p, _ := d.reg.Plugin(id)
				marker := " "
				if p.Enabled {
					marker = "*"
				}
				cmd.Printf("%2d %s %s\n", i+1, marker, id)
			}
			return nil
		},
	}
}

func newPluginsExecCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <plugin:command> [json-args]",
		Short: "Load enabled plugins, run one registered command, then unload",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			h, err := newHost(cfg, logger)
			if err != nil {
				return err
			}
			var cmdArgs json.RawMessage
			if len(args) == 2 {
				cmdArgs = json.RawMessage(args[1])
			}
			return h.exec(cmd.Context(), args[0], cmdArgs, func(key string) {
				fmt.Fprintf(cmd.OutOrStdout(), "Executed %s\n", key)
			})
		},
	}
}

func newPluginsCapabilitiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Describe the capabilities plugins may declare",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CAPABILITY\tRISK\tAPPROVAL\tDESCRIPTION")
			for _, c := range security.AllCapabilities() {
				info, _ := security.GetCapabilityInfo(c)
				approval := "-"
				if info.RequiresUserApproval {
					approval = "required"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c, info.RiskLevel, approval, info.Description)
			}
			return tw.Flush()
		},
	}
}
