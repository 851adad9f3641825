package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"robotfleet/internal/app"
	"robotfleet/internal/domain"
	"robotfleet/internal/engine"
)

type listFlags struct {
	healthy string
	skip    int
	limit   int
}

func (l *listFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&l.healthy, "healthy", "", "filter by health (true/false)")
	cmd.Flags().IntVar(&l.skip, "skip", 0, "number of entries to skip")
	cmd.Flags().IntVar(&l.limit, "limit", 10, "maximum entries (0 for all)")
}

func (l *listFlags) filter() (domain.HealthFilter, error) {
	healthy, err := parseHealthyFlag(l.healthy)
	if err != nil {
		return domain.HealthFilter{}, err
	}
	return domain.HealthFilter{Healthy: healthy, Offset: l.skip, Limit: l.limit}, nil
}

func printAffected(u engine.HealthUpdate) {
	if !u.Changed {
		fmt.Printf("%s %d unchanged\n", u.Kind, u.ID)
		return
	}
	fmt.Printf("%s %d is now %s\n", u.Kind, u.ID, healthWord(u.Healthy))
	if len(u.Affected) > 0 {
		fmt.Printf("robots taken down: %v\n", u.Affected)
	}
}

func healthWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

// --- licences ---

func licenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "licence",
		Aliases: []string{"licences", "license"},
		Short:   "Manage licences",
		Long:    "A licence is healthy while its flag is set and its expiration date lies in the future.",
	}
	cmd.AddCommand(licenceCreateCmd())
	cmd.AddCommand(licenceListCmd())
	cmd.AddCommand(licenceShowCmd())
	cmd.AddCommand(licenceStatusCmd())
	return cmd
}

func licenceCreateCmd() *cobra.Command {
	var expires string
	var validFor time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a licence",
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp time.Time
			switch {
			case expires != "":
				t, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("%w: --expires must be RFC3339: %v", domain.ErrInvalid, err)
				}
				exp = t
			case validFor > 0:
				exp = time.Now().Add(validFor)
			default:
				return fmt.Errorf("%w: --expires or --valid-for required", domain.ErrInvalid)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				l, err := a.Engine.CreateLicence(ctx, exp, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printLicences([]domain.Licence{l})
			})
		},
	}
	cmd.Flags().StringVar(&expires, "expires", "", "expiration date (RFC3339)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 0, "expire this long from now")
	return cmd
}

func licenceListCmd() *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licences",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := lf.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListLicences(ctx, f)
				if err != nil {
					return err
				}
				return printLicences(items)
			})
		},
	}
	lf.bind(cmd)
	return cmd
}

func licenceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a licence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				l, err := a.Engine.GetLicence(ctx, id)
				if err != nil {
					return err
				}
				return printLicences([]domain.Licence{l})
			})
		},
	}
}

func licenceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <healthy|unhealthy>",
		Short: "Set a licence's health flag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			healthy, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				l, u, err := a.Engine.SetLicenceHealth(ctx, id, healthy, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"licence": l, "changed": u.Changed, "affected_robots": u.Affected})
				}
				printAffected(u)
				return nil
			})
		},
	}
}

func printLicences(items []domain.Licence) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Healthy", "Expires"})
	for _, l := range items {
		tw.AppendRow(table.Row{l.ID, l.IsHealthy, l.ExpirationDate.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

// --- alimentations ---

func alimentationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "alimentation",
		Aliases: []string{"alimentations", "power"},
		Short:   "Manage alimentations (power sources)",
	}
	cmd.AddCommand(alimentationCreateCmd())
	cmd.AddCommand(alimentationListCmd())
	cmd.AddCommand(alimentationShowCmd())
	cmd.AddCommand(dependencyStatusCmd(domain.KindAlimentation))
	return cmd
}

func alimentationCreateCmd() *cobra.Command {
	var in domain.Alimentation
	var typ string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an alimentation",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.AlimentationType = domain.AlimentationType(typ)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				out, err := a.Engine.CreateAlimentation(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printAlimentations([]domain.Alimentation{out})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(domain.AlimentationSolaire), "SOLAIRE or NUCLEAIRE")
	cmd.Flags().IntVar(&in.Capacity, "capacity", 0, "capacity")
	cmd.Flags().BoolVar(&in.IsHealthy, "healthy", true, "initial health")
	return cmd
}

func alimentationListCmd() *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alimentations",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := lf.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListAlimentations(ctx, f)
				if err != nil {
					return err
				}
				return printAlimentations(items)
			})
		},
	}
	lf.bind(cmd)
	return cmd
}

func alimentationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an alimentation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				out, err := a.Engine.GetAlimentation(ctx, id)
				if err != nil {
					return err
				}
				return printAlimentations([]domain.Alimentation{out})
			})
		},
	}
}

func printAlimentations(items []domain.Alimentation) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Healthy", "Type", "Capacity"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.IsHealthy, a.AlimentationType, a.Capacity})
	}
	tw.Render()
	return nil
}

// --- guidages ---

func guidageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "guidage",
		Aliases: []string{"guidages", "guidance"},
		Short:   "Manage guidages (guidance systems)",
	}
	cmd.AddCommand(guidageCreateCmd())
	cmd.AddCommand(guidageListCmd())
	cmd.AddCommand(guidageShowCmd())
	cmd.AddCommand(dependencyStatusCmd(domain.KindGuidage))
	return cmd
}

func guidageCreateCmd() *cobra.Command {
	var in domain.Guidage
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a guidage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				out, err := a.Engine.CreateGuidage(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printGuidages([]domain.Guidage{out})
			})
		},
	}
	cmd.Flags().BoolVar(&in.IsHealthy, "healthy", true, "initial health")
	return cmd
}

func guidageListCmd() *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List guidages",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := lf.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListGuidages(ctx, f)
				if err != nil {
					return err
				}
				return printGuidages(items)
			})
		},
	}
	lf.bind(cmd)
	return cmd
}

func guidageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a guidage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				out, err := a.Engine.GetGuidage(ctx, id)
				if err != nil {
					return err
				}
				return printGuidages([]domain.Guidage{out})
			})
		},
	}
}

func printGuidages(items []domain.Guidage) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Healthy"})
	for _, g := range items {
		tw.AppendRow(table.Row{g.ID, g.IsHealthy})
	}
	tw.Render()
	return nil
}

// dependencyStatusCmd sets the health of an alimentation or guidage and
// reports the robots the cascade took down.
func dependencyStatusCmd(kind domain.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <healthy|unhealthy>",
		Short: fmt.Sprintf("Set a %s's health", kind),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			healthy, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				u, err := a.Engine.SetDependencyHealth(ctx, kind, id, healthy, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"kind": u.Kind, "id": u.ID, "isHealthy": u.Healthy, "changed": u.Changed, "affected_robots": u.Affected})
				}
				printAffected(u)
				return nil
			})
		},
	}
}

// --- robots ---

func robotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "robot",
		Aliases: []string{"robots"},
		Short:   "Manage robots",
		Long:    "A robot references one alimentation, one guidage and one licence. It can only be marked healthy while all three are healthy.",
	}
	cmd.AddCommand(robotCreateCmd())
	cmd.AddCommand(robotListCmd())
	cmd.AddCommand(robotShowCmd())
	cmd.AddCommand(robotStatusCmd())
	return cmd
}

func robotCreateCmd() *cobra.Command {
	var in domain.Robot
	var motor string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a robot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			in.Motor = domain.MotorType(motor)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				out, err := a.Engine.CreateRobot(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRobots([]domain.Robot{out})
			})
		},
	}
	cmd.Flags().StringVar(&motor, "motor", string(domain.MotorMoyen), "PETIT, MOYEN or GRAND")
	cmd.Flags().Int64Var(&in.AlimentationID, "alimentation", 0, "alimentation id")
	cmd.Flags().Int64Var(&in.GuidageID, "guidage", 0, "guidage id")
	cmd.Flags().Int64Var(&in.LicenceID, "licence", 0, "licence id")
	cmd.Flags().BoolVar(&in.IsHealthy, "healthy", true, "requested initial health")
	_ = cmd.MarkFlagRequired("alimentation")
	_ = cmd.MarkFlagRequired("guidage")
	_ = cmd.MarkFlagRequired("licence")
	return cmd
}

func robotListCmd() *cobra.Command {
	var lf listFlags
	var f domain.RobotFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List robots",
		RunE: func(cmd *cobra.Command, args []string) error {
			hf, err := lf.filter()
			if err != nil {
				return err
			}
			f.Healthy, f.Offset, f.Limit = hf.Healthy, hf.Offset, hf.Limit
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListRobots(ctx, f)
				if err != nil {
					return err
				}
				return printRobots(items)
			})
		},
	}
	lf.bind(cmd)
	cmd.Flags().Int64Var(&f.AlimentationID, "alimentation", 0, "only robots on this alimentation")
	cmd.Flags().Int64Var(&f.GuidageID, "guidage", 0, "only robots on this guidage")
	cmd.Flags().Int64Var(&f.LicenceID, "licence", 0, "only robots on this licence")
	return cmd
}

func robotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a robot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				out, err := a.Engine.GetRobot(ctx, id)
				if err != nil {
					return err
				}
				return printRobots([]domain.Robot{out})
			})
		},
	}
}

func robotStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <healthy|unhealthy>",
		Short: "Set a robot's health",
		Long:  "Marking a robot healthy fails while any of its dependencies is unhealthy.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			healthy, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				out, err := a.Engine.SetRobotHealth(ctx, id, healthy, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRobots([]domain.Robot{out})
			})
		},
	}
}

func printRobots(items []domain.Robot) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Healthy", "Motor", "Consumption", "Alimentation", "Guidage", "Licence"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Name, r.IsHealthy, r.Motor, r.PowerConsumption(), r.AlimentationID, r.GuidageID, r.LicenceID})
	}
	tw.Render()
	return nil
}
