package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tournevent/tuffnells/pkg/tuffnells"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tuffnells",
	Short:   "Tuffnells portal bridge - drive the eezlink web portal as an API",
	Version: version,
}

var labelFormat string

func init() {
	labelCmd.Flags().StringVar(&labelFormat, "format", "zpl", "label output format: zpl, png or pdf")

	rootCmd.AddCommand(postcodeCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(deleteCmd)
}

// withClient loads config, wires telemetry and hands a ready client to fn.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *tuffnells.Client, logger *otelzap.Logger) error) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracer, tracerShutdown, err := initTracer(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	} else {
		defer tracerShutdown(ctx)
	}

	client := initClient(cfg, logger, tracer)
	return fn(ctx, client, logger)
}

var postcodeCmd = &cobra.Command{
	Use:   "postcode <postcode>",
	Short: "Resolve a postcode to its town and county",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *tuffnells.Client, _ *otelzap.Logger) error {
			cityRegion, err := client.ResolvePostcode(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s, %s\n", cityRegion.City, cityRegion.Region)
			return nil
		})
	},
}

// decodeConsignment reads a consignment's JSON form, the same shape `get`
// prints.
func decodeConsignment(r io.Reader) (*tuffnells.Consignment, error) {
	cons := new(tuffnells.Consignment)
	if err := json.NewDecoder(r).Decode(cons); err != nil {
		return nil, fmt.Errorf("decoding consignment: %w", err)
	}
	return cons, nil
}

// resolveAddresses fills in town and county for any address supplied with a
// bare postcode.
func resolveAddresses(ctx context.Context, client *tuffnells.Client, cons *tuffnells.Consignment) error {
	for _, addr := range []*tuffnells.Address{cons.CollectionAddress(), cons.DeliveryAddress()} {
		if addr == nil || addr.City != "" || addr.Postcode == "" {
			continue
		}
		addr.SetResolver(client)
		if err := addr.SetPostcode(ctx, addr.Postcode, nil); err != nil {
			return err
		}
	}
	return nil
}

var createCmd = &cobra.Command{
	Use:   "create [file]",
	Short: "Create a consignment from JSON on stdin or a file, printing the assigned URN",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *tuffnells.Client, logger *otelzap.Logger) error {
			in := io.Reader(os.Stdin)
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			cons, err := decodeConsignment(in)
			if err != nil {
				return err
			}
			if err := resolveAddresses(ctx, client, cons); err != nil {
				return err
			}
			if err := client.CreateConsignment(ctx, cons); err != nil {
				return err
			}

			urn, err := cons.URN()
			if err != nil {
				return err
			}
			logger.Info("Consignment created", zap.String("urn", urn))
			fmt.Println(urn)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <urn>...",
	Short: "Fetch one or more consignments as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *tuffnells.Client, logger *otelzap.Logger) error {
			consignments, errs := client.GetConsignments(ctx, args)
			for _, err := range errs {
				logger.Warn("Failed to fetch consignment", zap.Error(err))
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			for _, cons := range consignments {
				if err := encoder.Encode(cons); err != nil {
					return err
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d consignments failed", len(errs), len(args))
			}
			return nil
		})
	},
}

var trackCmd = &cobra.Command{
	Use:   "track <urn>",
	Short: "Refresh a consignment's tracking status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *tuffnells.Client, _ *otelzap.Logger) error {
			cons, err := client.GetConsignment(ctx, args[0])
			if err != nil {
				return err
			}
			if err := client.TrackConsignment(ctx, cons); err != nil {
				return err
			}

			fmt.Println(cons.Status())
			if logs, err := cons.Logs(); err == nil {
				for i := 0; i < logs.Count(); i++ {
					log := logs.At(i)
					fmt.Printf("%s  %-30s %s\n", log.Date.Format("2006-01-02"), log.Description, log.DeliveryDepot)
				}
			}
			return nil
		})
	},
}

var labelCmd = &cobra.Command{
	Use:   "label <urn>",
	Short: "Fetch a consignment's label and write it to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *tuffnells.Client, _ *otelzap.Logger) error {
			cons, err := client.GetConsignment(ctx, args[0])
			if err != nil {
				return err
			}
			label, err := client.GetLabels(ctx, cons)
			if err != nil {
				return err
			}

			var out []byte
			switch labelFormat {
			case "zpl":
				out = []byte(label.ZPL())
			case "png":
				out, err = label.PNG(ctx)
			case "pdf":
				out, err = label.PDF(ctx)
			default:
				return fmt.Errorf("unknown label format %q", labelFormat)
			}
			if err != nil {
				return err
			}

			_, err = os.Stdout.Write(out)
			return err
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <urn>",
	Short: "Delete a consignment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *tuffnells.Client, logger *otelzap.Logger) error {
			cons, err := client.GetConsignment(ctx, args[0])
			if err != nil {
				return err
			}
			if err := client.DeleteConsignment(ctx, cons); err != nil {
				return err
			}
			logger.Info("Consignment deleted", zap.String("urn", args[0]))
			return nil
		})
	},
}
