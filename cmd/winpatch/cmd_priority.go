package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/priority"
)

var (
	prioSource   string
	prioTier     string
	prioEnabled  bool
	prioStrategy string
)

var priorityCmd = &cobra.Command{
	Use:   "priority",
	Short: "Manage package priority tiers",
}

var priorityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show tier lists and the ordering strategy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store := newPriorityStore()
		pc := store.Config()
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, pc)
		}

		fmt.Fprintf(out, "File:     %s\n", store.Path())
		fmt.Fprintf(out, "Ordering: %t (%s)\n", pc.EnablePriorityOrdering, pc.Strategy())

		var rows [][]string
		var warnings []string
		for _, src := range patching.AllSources {
			for _, tier := range priority.Tiers {
				lists := pc.Lists(tier)
				if lists == nil {
					continue
				}
				for _, name := range lists.Get(src) {
					rows = append(rows, []string{tierLabel(tier), string(src), name})
				}
			}
			for name, tiers := range priority.Duplicates(src, pc) {
				names := make([]string, len(tiers))
				for i, t := range tiers {
					names[i] = string(t)
				}
				warnings = append(warnings, fmt.Sprintf("%s/%s is listed in %s; %s applies",
					src, name, strings.Join(names, ", "), tiers[0]))
			}
		}
		if len(rows) == 0 {
			fmt.Fprintln(out, "No packages are assigned to a tier; everything is Normal.")
		} else if err := renderTable(out, []string{"Tier", "Source", "Package"}, rows); err != nil {
			return err
		}
		sort.Strings(warnings)
		for _, w := range warnings {
			fmt.Fprintln(out, warnColor.Sprint("warning: ")+w)
		}
		return nil
	},
}

var priorityAddCmd = &cobra.Command{
	Use:   "add <package>",
	Short: "Add a package to a tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := patching.ParseSource(prioSource)
		if err != nil {
			return err
		}
		tier, err := priority.ParseTier(prioTier)
		if err != nil {
			return err
		}
		if tier == priority.TierNormal {
			return errors.New("tier Normal has no list; use 'priority remove' instead")
		}

		err = newPriorityStore().AddToTier(args[0], src, tier)
		if errors.Is(err, priority.ErrAlreadyInTier) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is already in %s for %s.\n", args[0], tier, src)
			return nil
		}
		if err != nil {
			return err
		}
		logPriorityChange("add", args[0], src, tier)
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s for %s.\n", args[0], tierLabel(tier), src)
		return nil
	},
}

var priorityRemoveCmd = &cobra.Command{
	Use:   "remove <package>",
	Short: "Remove a package from every tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := patching.ParseSource(prioSource)
		if err != nil {
			return err
		}
		removed, err := newPriorityStore().RemoveFromAllTiers(args[0], src)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is not in any %s tier.\n", args[0], src)
			return nil
		}
		logPriorityChange("remove", args[0], src, "")
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from all %s tiers.\n", args[0], src)
		return nil
	},
}

var prioritySetOrderingCmd = &cobra.Command{
	Use:   "set-ordering",
	Short: "Enable or disable priority ordering and choose the strategy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var strategy priority.Strategy
		if prioStrategy != "" {
			var err error
			if strategy, err = priority.ParseStrategy(prioStrategy); err != nil {
				return err
			}
		}
		store := newPriorityStore()
		if err := store.SetOrdering(prioEnabled, strategy); err != nil {
			return err
		}
		pc := store.Config()

		auditLog := openAudit()
		defer auditLog.Close()
		auditLog.Log(audit.EventPriorityChange, "", map[string]any{
			"action":   "set-ordering",
			"enabled":  pc.EnablePriorityOrdering,
			"strategy": string(pc.Strategy()),
		})

		fmt.Fprintf(cmd.OutOrStdout(), "Priority ordering %t, strategy %s.\n", pc.EnablePriorityOrdering, pc.Strategy())
		return nil
	},
}

func logPriorityChange(action, pkg string, src patching.Source, tier priority.Tier) {
	auditLog := openAudit()
	defer auditLog.Close()
	details := map[string]any{"action": action, "package": pkg, "source": string(src)}
	if tier != "" {
		details["tier"] = string(tier)
	}
	auditLog.Log(audit.EventPriorityChange, "", details)
}

func init() {
	priorityAddCmd.Flags().StringVarP(&prioSource, "source", "s", "", "package source")
	priorityAddCmd.Flags().StringVarP(&prioTier, "tier", "t", "", "Critical, High, Low or Deferred")
	_ = priorityAddCmd.MarkFlagRequired("source")
	_ = priorityAddCmd.MarkFlagRequired("tier")

	priorityRemoveCmd.Flags().StringVarP(&prioSource, "source", "s", "", "package source")
	_ = priorityRemoveCmd.MarkFlagRequired("source")

	prioritySetOrderingCmd.Flags().BoolVar(&prioEnabled, "enabled", true, "enable priority ordering")
	prioritySetOrderingCmd.Flags().StringVar(&prioStrategy, "strategy", "", "PriorityOnly, PriorityThenAlphabetical or PriorityThenReverseAlphabetical")

	priorityCmd.AddCommand(priorityShowCmd, priorityAddCmd, priorityRemoveCmd, prioritySetOrderingCmd)
	rootCmd.AddCommand(priorityCmd)
}
