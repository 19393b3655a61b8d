package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kelseywhytock/extension-wrangler/internal/api"
	"github.com/kelseywhytock/extension-wrangler/internal/diagnostics"
	"github.com/kelseywhytock/extension-wrangler/internal/guardian"
	"github.com/kelseywhytock/extension-wrangler/internal/lifecycle"
	"github.com/kelseywhytock/extension-wrangler/internal/organizer"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "wrangler",
		Short:         "Organize browser extensions into groups and toggle them together",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a .yaml or .toml config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logging")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newGroupsCmd(opts))
	cmd.AddCommand(newToggleCmd(opts))
	cmd.AddCommand(newAllCmd(opts))
	cmd.AddCommand(newJournalCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newImportCmd(opts))
	cmd.AddCommand(newDiagnoseCmd(opts))

	return cmd
}

// withApp opens the app, runs fn and closes the app.
func withApp(opts *options, fn func(a *app) error) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
	}()
	return fn(a)
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the guardian and the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				g := guardian.New(a.client, a.groups, a.clock, a.cfg.Guardian.ReassertDelay.D(), a.logger)
				server := api.NewServer(a.org, g, a.clock, a.logger, a.cfg.API.Port)

				components := lifecycle.NewManager(a.logger)
				for _, e := range []lifecycle.Entry{
					{Name: "guardian", Order: 10, Component: g},
					{Name: "api", Order: 20, Component: server},
				} {
					if err := components.Register(e); err != nil {
						return err
					}
				}
				if err := components.Start(); err != nil {
					return err
				}

				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
				a.logger.Info("Extension Wrangler running. Press Ctrl+C to exit.")
				<-sigChan

				a.logger.Info("Shutting down gracefully...")
				return components.Stop()
			})
		},
	}
}

func newGroupsCmd(opts *options) *cobra.Command {
	groupsCmd := &cobra.Command{Use: "groups", Aliases: []string{"group"}, Short: "Manage extension groups"}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List groups in display order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				ordered := a.groups.Ordered()
				if opts.jsonOutput {
					return printJSON(ordered)
				}
				for _, g := range ordered {
					marker := ""
					if g.IsDefault {
						marker = " (always on)"
					}
					fmt.Printf("- %s %s%s: %d extensions\n", g.ID, g.Name, marker, len(g.Extensions))
					for _, id := range g.Extensions {
						name := id
						if rec := a.org.Registry().Get(id); rec != nil {
							name = rec.Name
						}
						fmt.Printf("    %s\n", name)
					}
				}
				return nil
			})
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <name> [extension-id...]",
		Short: "Create a group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				id, err := a.groups.CreateGroup(args[0], args[1:])
				if err != nil {
					return err
				}
				return report(opts, map[string]string{"id": id}, "created group "+id)
			})
		},
	}

	var yes bool
	deleteCmd := &cobra.Command{
		Use:     "delete <group-id> --yes",
		Aliases: []string{"rm"},
		Short:   "Delete a group",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("this deletes group %s; pass --yes to confirm", args[0])
			}
			return withApp(opts, func(a *app) error {
				if err := a.groups.DeleteGroup(args[0]); err != nil {
					return err
				}
				return report(opts, map[string]string{"deleted": args[0]}, "deleted group "+args[0])
			})
		},
	}

	deleteCmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")

	addCmd := &cobra.Command{
		Use:   "add <group-id> <extension-id...>",
		Short: "Add extensions to a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				for _, ext := range args[1:] {
					if err := a.groups.AddMember(args[0], ext); err != nil {
						return err
					}
				}
				return report(opts, map[string]any{"group": args[0], "added": args[1:]},
					fmt.Sprintf("added %d extensions to %s", len(args)-1, args[0]))
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <group-id> <extension-id>",
		Short: "Remove an extension from a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if err := a.groups.RemoveMember(args[0], args[1]); err != nil {
					return err
				}
				return report(opts, map[string]string{"group": args[0], "removed": args[1]},
					fmt.Sprintf("removed %s from %s", args[1], args[0]))
			})
		},
	}

	moveCmd := &cobra.Command{
		Use:   "move <group-id> <target-group-id>",
		Short: "Move a group onto another group's position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if err := a.groups.Reorder(args[0], args[1]); err != nil {
					return err
				}
				return report(opts, a.groups.Order(), "order: "+strings.Join(a.groups.Order(), ", "))
			})
		},
	}

	groupsCmd.AddCommand(listCmd, createCmd, deleteCmd, addCmd, removeCmd, moveCmd)
	return groupsCmd
}

// parseState reads the on|off argument of toggle commands.
func parseState(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "enable", "enabled", "true":
		return true, nil
	case "off", "disable", "disabled", "false":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", arg)
	}
}

func newToggleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <group-id> on|off",
		Short: "Enable or disable every member of a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enable, err := parseState(args[1])
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app) error {
				r, err := a.org.ToggleGroup(args[0], enable)
				if err != nil {
					return err
				}
				return printToggleReport(opts, r)
			})
		},
	}
}

func newAllCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "all on|off --yes",
		Short: "Enable or disable every installed extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enable, err := parseState(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return errors.New("this changes every extension; pass --yes to confirm")
			}
			return withApp(opts, func(a *app) error {
				if enable {
					return printToggleReport(opts, a.org.EnableAll())
				}
				return printToggleReport(opts, a.org.DisableAll())
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the bulk change")
	return cmd
}

func printToggleReport(opts *options, r organizer.ToggleReport) error {
	if opts.jsonOutput {
		return printJSON(r)
	}
	s := r.Summary
	fmt.Printf("%d succeeded, %d failed, %d skipped of %d\n", s.Succeeded, s.Failed, s.Skipped, s.Total)
	for _, res := range r.Failed() {
		fmt.Printf("  failed %s after %d attempts: %v\n", res.ExtensionID, res.Attempts, res.Err)
	}
	if len(r.Failed()) > 0 {
		return fmt.Errorf("%d extensions failed to toggle", len(r.Failed()))
	}
	return nil
}

func newJournalCmd(opts *options) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent toggle failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if clear {
					if err := a.journal.Clear(); err != nil {
						return err
					}
					return report(opts, map[string]bool{"cleared": true}, "journal cleared")
				}
				entries := a.journal.Entries()
				if opts.jsonOutput {
					return printJSON(entries)
				}
				if len(entries) == 0 {
					fmt.Println("no recorded failures")
					return nil
				}
				for _, e := range entries {
					state := "disable"
					if e.TargetState {
						state = "enable"
					}
					fmt.Printf("%s  %-7s %s (%s): %s\n",
						e.Timestamp.Format("2006-01-02 15:04:05"), state, e.ExtensionName, e.ExtensionID, e.ErrorMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the journal")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write groups to an export file, or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				data, err := json.MarshalIndent(a.groups.Export(a.clock.Now()), "", "  ")
				if err != nil {
					return err
				}
				if len(args) == 0 {
					fmt.Println(string(data))
					return nil
				}
				if err := os.WriteFile(args[0], data, 0o644); err != nil {
					return fmt.Errorf("failed to write export: %w", err)
				}
				fmt.Fprintf(os.Stderr, "exported groups to %s\n", args[0])
				return nil
			})
		},
	}
}

func newImportCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace every group except the Fixed group from an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("import replaces all groups; pass --yes to confirm")
			}
			data, err := readFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read import file: %w", err)
			}
			return withApp(opts, func(a *app) error {
				n, err := a.org.Import(data)
				if err != nil {
					return err
				}
				return report(opts, map[string]int{"imported": n}, fmt.Sprintf("imported %d groups", n))
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm replacing the current groups")
	return cmd
}

func newDiagnoseCmd(opts *options) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "diagnose [extension-id...]",
		Short: "Report group health, or probe extensions with --probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				snap := a.org.Registry().Snapshot()
				if !probe {
					health := diagnostics.AnalyzeGroups(a.groups.Ordered(), snap, a.journal.FailedIDs())
					if opts.jsonOutput {
						return printJSON(health)
					}
					for _, h := range health {
						status := "healthy"
						if !h.Healthy {
							status = "unhealthy"
						}
						fmt.Printf("- %s: %s (%d members, %d missing)\n", h.Name, status, h.Members, len(h.Missing))
						for _, m := range append(h.Unmodifiable, h.KnownFailing...) {
							fmt.Printf("    %s: %s\n", m.Name, m.Reason)
						}
					}
					return nil
				}

				ids := args
				if len(ids) == 0 {
					ids = snap.IDs()
				}
				prober := diagnostics.NewProber(a.client, a.clock, a.cfg.Diagnostics.ProbePause.D(), a.logger)
				analysis := diagnostics.Analyze(prober.Probe(snap, ids))
				if opts.jsonOutput {
					return printJSON(analysis)
				}
				fmt.Printf("tested %d, failed %d, success rate %.0f%%, average toggle %s\n",
					analysis.Tested, analysis.Failed, analysis.SuccessRate*100, analysis.AverageToggle)
				for msg, names := range analysis.ErrorPatterns {
					fmt.Printf("  %q: %s\n", msg, strings.Join(names, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "disable then re-enable each extension to find toggle failures")
	return cmd
}

func report(opts *options, payload any, message string) error {
	if opts.jsonOutput {
		return printJSON(payload)
	}
	fmt.Println(message)
	return nil
}

func printJSON(payload any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
