package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/storytime/pkg/api"
	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

const dateLayout = "2006-01-02"

// errLimitReached makes generate exit non-zero once the paywall is hit.
var errLimitReached = errors.New("daily generation limit reached")

func newOnboardCmd(a *app) *cobra.Command {
	var (
		name      string
		dob       string
		due       string
		interests []string
	)

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Create the account's profile",
		Example: `  storytime onboard -a family-1 --name Mia --dob 2024-01-15
  storytime onboard -a family-2 --name Bump --due 2025-03-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}

			o := progression.Onboarding{Name: name, Interests: interests}
			if o.DateOfBirth, err = parseDate("dob", dob); err != nil {
				return err
			}
			if o.DueDate, err = parseDate("due", due); err != nil {
				return err
			}

			p, err := e.Onboard(cmd.Context(), o)
			if err != nil {
				return err
			}
			return a.print(api.ProfileResponse{AccountID: a.accountID, Profile: p})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "child's name")
	cmd.Flags().StringVar(&dob, "dob", "", "date of birth (YYYY-MM-DD)")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&interests, "interest", nil, "starting interest (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("dob", "due")
	cmd.MarkFlagsOneRequired("dob", "due")
	return cmd
}

func newProfileCmd(a *app) *cobra.Command {
	var (
		name      string
		dob       string
		interests []string
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or edit the account's profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if !flags.Changed("name") && !flags.Changed("dob") && !flags.Changed("interest") {
				p, err := e.Profile(cmd.Context())
				if err != nil {
					return err
				}
				if p == nil {
					return engine.ErrNoProfile
				}
				return a.print(api.ProfileResponse{
					AccountID:   a.accountID,
					Profile:     p,
					Suggestions: e.Interests().Suggestions(p.Stage, p.Interests),
				})
			}

			birth, err := parseDate("dob", dob)
			if err != nil {
				return err
			}
			p, err := e.EditProfile(cmd.Context(), func(p *progression.Profile) error {
				if flags.Changed("name") {
					p.Name = name
				}
				if flags.Changed("interest") {
					p.Interests = interests
				}
				if birth != nil {
					p.DateOfBirth = birth
				}
				return nil
			})
			if err != nil {
				return err
			}
			return a.print(api.ProfileResponse{AccountID: a.accountID, Profile: p})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&dob, "dob", "", "date of birth, once the baby has arrived (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&interests, "interest", nil, "replacement interest list (repeatable)")
	return cmd
}

func newProgressCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Bring profiles and quota records up to date with the calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all {
				results, err := a.registry.RunEvery(cmd.Context(), a.cfg.Concurrency)
				if printErr := a.print(results); printErr != nil {
					return printErr
				}
				return err
			}

			e, err := a.engine()
			if err != nil {
				return err
			}
			res, err := e.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(api.ProgressResponse{AccountID: a.accountID, Result: res})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "progress every stored account")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show today's generation usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			s, err := e.Status(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(api.StatusResponse{
				AccountID: a.accountID,
				Quota:     s,
				Models:    e.Ledger().Catalog().ModelsFor(s.Tier),
			})
		},
	}
}

func newGenerateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Charge one story generation against today's quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			gen, err := e.Consume(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.print(gen); err != nil {
				return err
			}
			if !gen.Allowed {
				return errLimitReached
			}
			return nil
		},
	}
}

func newModelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "model MODEL",
		Short: "Select the generation model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			record, err := e.SelectModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(api.QuotaResponse{AccountID: a.accountID, Quota: record})
		},
	}
}

func newTierCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "tier TIER",
		Short:     "Move the account to a subscription tier",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(quota.TierFree), string(quota.TierPremium)},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			record, err := e.ChangeTier(cmd.Context(), quota.Tier(args[0]))
			if err != nil {
				return err
			}
			return a.print(api.QuotaResponse{AccountID: a.accountID, Quota: record})
		},
	}
}

func parseDate(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: want YYYY-MM-DD", flag, value)
	}
	return &t, nil
}
