// Command stockctl warms the hot item cache and inspects or corrects stock
// counters.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/app"
	"github.com/ariefcatur/unitrade-orders/internal/config"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLI().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newCLI() *cli.App {
	itemFlag := &cli.Int64Flag{Name: "item", Usage: "item id", Required: true}
	return &cli.App{
		Name:  "stockctl",
		Usage: "operate the unitrade stock counters and item cache",
		Commands: []*cli.Command{
			{
				Name:  "warmup",
				Usage: "load on-sale items into the cache and seed missing stock counters",
				Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 500, Usage: "max items to load"}},
				Action: withApp(func(c *cli.Context, a *app.App) error {
					n, err := a.Catalog.WarmUp(c.Context, c.Int("limit"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "warmed %d items\n", n)
					return nil
				}),
			},
			{
				Name:  "stock",
				Usage: "inspect or set a stock counter",
				Subcommands: []*cli.Command{
					{
						Name:  "get",
						Flags: []cli.Flag{itemFlag},
						Action: withApp(func(c *cli.Context, a *app.App) error {
							n, ok, err := a.Stock.Get(c.Context, c.Int64("item"))
							if err != nil {
								return err
							}
							if !ok {
								fmt.Fprintf(c.App.Writer, "item %d: no counter\n", c.Int64("item"))
								return nil
							}
							fmt.Fprintf(c.App.Writer, "item %d: %d\n", c.Int64("item"), n)
							return nil
						}),
					},
					{
						Name:  "set",
						Usage: "overwrite a counter; only safe while no orders are placed for the item",
						Flags: []cli.Flag{itemFlag, &cli.IntFlag{Name: "qty", Required: true}},
						Action: withApp(func(c *cli.Context, a *app.App) error {
							if c.Int("qty") < 0 {
								return cli.Exit("qty must not be negative", 2)
							}
							if err := a.Stock.Init(c.Context, c.Int64("item"), c.Int("qty")); err != nil {
								return err
							}
							a.Log.Info("stock_counter_set", zap.Int64("item_id", c.Int64("item")), zap.Int("qty", c.Int("qty")))
							return nil
						}),
					},
				},
			},
			{
				Name:  "delayed",
				Usage: "count messages parked for delayed delivery",
				Action: withApp(func(c *cli.Context, a *app.App) error {
					n, err := a.Delay.Pending(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%d pending\n", n)
					return nil
				}),
			},
		},
	}
}

func withApp(fn func(*cli.Context, *app.App) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := logging.NewLogger(cfg.ServiceName+"-stockctl", cfg.Env)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		a, err := app.New(c.Context, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a)
	}
}
