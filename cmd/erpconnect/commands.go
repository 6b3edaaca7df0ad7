package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/connector/base"
	"github.com/ajitpratap0/erpconnect/pkg/connector/odata"
	"github.com/ajitpratap0/erpconnect/pkg/connector/registry"
	"github.com/ajitpratap0/erpconnect/pkg/connector/rest"
	"github.com/ajitpratap0/erpconnect/pkg/json"
	"github.com/ajitpratap0/erpconnect/pkg/logger"
)

// commandContext bounds a command by --timeout and tags its logs with a
// request id, the connector and the command name.
func (a *cli) commandContext(cmd *cobra.Command, connectorID string) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, a.v.GetDuration("timeout"))
	ctx = logger.ContextWithRequestID(ctx, uuid.NewString())
	ctx = logger.ContextWithConnector(ctx, connectorID)
	return logger.ContextWithOperation(ctx, cmd.Name()), cancel
}

func loadConfig(path string) (*config.ConnectorConfig, error) {
	cfg, err := config.LoadConnector(path)
	if err != nil {
		return nil, fmt.Errorf("configuration error in %s: %w", path, err)
	}
	return cfg, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func (a *cli) testCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test <config.yaml>",
		Short: "Run connectivity, authentication and metadata checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd, cfg.ID)
			defer cancel()

			c, err := registry.NewConnector(cfg, base.WithLogger(a.log))
			if err != nil {
				return err
			}
			log := logger.WithContext(ctx, a.log)
			log.Info("testing connection", zap.String("base_url", cfg.BaseURL))

			result := c.TestConnection(ctx)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tRESULT\tSTATUS\tTIME\tDETAIL")
			for _, check := range result.Checks {
				outcome := "ok"
				switch {
				case check.Skipped:
					outcome = "skipped"
				case !check.Success:
					outcome = "failed"
				}
				detail := check.Message
				if check.Version != "" {
					detail = strings.TrimSpace(detail + " version " + check.Version)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", check.Name, outcome, check.Status, check.ResponseTime, detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("connection test failed after %s", result.Duration)
			}
			fmt.Printf("connection test passed in %s\n", result.Duration)
			return nil
		},
	}
}

func (a *cli) metadataCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "metadata <config.yaml>",
		Short: "Summarize the $metadata of an OData service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			if cfg.Protocol != config.ProtocolOData {
				return fmt.Errorf("metadata requires an odata connector, %s uses %s", cfg.ID, cfg.Protocol)
			}
			ctx, cancel := a.commandContext(cmd, cfg.ID)
			defer cancel()

			reg := registry.New(a.log)
			defer func() { _ = reg.Close(context.WithoutCancel(ctx)) }()

			c, err := reg.GetOrCreate(ctx, cfg)
			if err != nil {
				return err
			}
			md, err := c.(*odata.Connector).Metadata(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(md)
			}
			return printMetadataSummary(md)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full model as JSON")
	return cmd
}

func printMetadataSummary(md *odata.Metadata) error {
	fmt.Printf("OData %s service", md.Version)
	if md.Namespace != "" {
		fmt.Printf(" (namespace %s)", md.Namespace)
	}
	fmt.Println()

	sets := make([]string, 0, len(md.EntitySets))
	for name := range md.EntitySets {
		sets = append(sets, name)
	}
	sort.Strings(sets)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY SET\tTYPE\tKEY\tPROPERTIES\tNAVIGATION")
	for _, name := range sets {
		set := md.EntitySets[name]
		var key []string
		props, navs := 0, 0
		if t, ok := md.EntityType(set.EntityType); ok {
			key, props, navs = t.Key, len(t.Properties), len(t.NavigationProperties)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", name, set.EntityType, strings.Join(key, ","), props, navs)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(md.Functions) == 0 {
		return nil
	}
	names := make([]string, 0, len(md.Functions))
	for name := range md.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tKIND\tMETHOD\tPARAMETERS\tRETURNS")
	for _, name := range names {
		f := md.Functions[name]
		kind := "function"
		if f.Action {
			kind = "action"
		}
		params := make([]string, len(f.Parameters))
		for i, p := range f.Parameters {
			params[i] = p.Name + " " + p.Type
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, kind, f.HTTPMethod, strings.Join(params, ", "), f.ReturnType)
	}
	return w.Flush()
}

func (a *cli) queryCommand() *cobra.Command {
	var (
		top       int
		filter    string
		fields    []string
		all       bool
		transform string
	)
	cmd := &cobra.Command{
		Use:   "query <config.yaml> <entitySet|path>",
		Short: "Read one page of data (or every page with --all)",
		Long: `Read data from an entity set (OData) or a resource path (REST) and print it as JSON.

Examples:
  erpconnect query sap.yaml Products --top 10 --filter "Price gt 100" --select ID,Name
  erpconnect query crm.yaml customers --top 50 --transform "[].{id: id, name: name}"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd, cfg.ID)
			defer cancel()

			reg := registry.New(a.log)
			defer func() { _ = reg.Close(context.WithoutCancel(ctx)) }()

			c, err := reg.GetOrCreate(ctx, cfg)
			if err != nil {
				return err
			}

			switch conn := c.(type) {
			case *odata.Connector:
				opts := &odata.QueryOptions{Select: fields, RawFilter: filter, Top: top}
				if all {
					rows, err := conn.GetAll(ctx, args[1], opts, 0)
					if err != nil {
						return err
					}
					return printJSON(rows)
				}
				page, err := conn.Query(ctx, args[1], opts)
				if err != nil {
					return err
				}
				return printJSON(page)
			case *rest.Connector:
				q := &rest.Query{Fields: fields, Pagination: &rest.Pagination{Limit: top}}
				if all {
					items, err := conn.GetAllData(ctx, args[1], q, &rest.PageOptions{AutoPaginate: true, Transform: transform})
					if err != nil {
						return err
					}
					return printJSON(items)
				}
				resp, err := conn.GetData(ctx, args[1], q, &rest.RequestOptions{Transform: transform})
				if err != nil {
					return err
				}
				return printJSON(resp.Data)
			default:
				return fmt.Errorf("query is not supported for protocol %s", cfg.Protocol)
			}
		},
	}
	cmd.Flags().IntVar(&top, "top", 20, "Page size")
	cmd.Flags().StringVar(&filter, "filter", "", "OData $filter expression")
	cmd.Flags().StringSliceVar(&fields, "select", nil, "Fields to return")
	cmd.Flags().BoolVar(&all, "all", false, "Follow pagination and print every page")
	cmd.Flags().StringVar(&transform, "transform", "", "JMESPath expression applied to REST responses")
	return cmd
}
