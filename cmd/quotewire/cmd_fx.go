package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newFXCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fx",
		Short: "FX cross-rate matrix operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "refresh",
			Short: "Fetch basis rates and rebuild the cross-rate matrix",
			RunE:  runFXRefresh,
		},
		&cobra.Command{
			Use:   "rate FROM TO",
			Short: "Print one cross rate",
			Args:  cobra.ExactArgs(2),
			RunE:  runFXRate,
		},
		&cobra.Command{
			Use:   "convert AMOUNT FROM TO",
			Short: "Convert an amount between currencies",
			Args:  cobra.ExactArgs(3),
			RunE:  runFXConvert,
		},
	)
	return cmd
}

func withFXApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runFXRefresh(cmd *cobra.Command, args []string) error {
	return withFXApp(func(ctx context.Context, a *app) error {
		if err := a.fx.RunCycle(ctx); err != nil {
			return err
		}
		fmt.Println("FX matrix refreshed")
		return nil
	})
}

func runFXRate(cmd *cobra.Command, args []string) error {
	return withFXApp(func(ctx context.Context, a *app) error {
		from, to := strings.ToUpper(args[0]), strings.ToUpper(args[1])
		r, err := a.fx.Rate(ctx, from, to)
		if err != nil {
			return err
		}
		fmt.Printf("%s/%s %.8f\n", from, to, r)
		return nil
	})
}

func runFXConvert(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("bad amount %q", args[0])
	}
	return withFXApp(func(ctx context.Context, a *app) error {
		from, to := strings.ToUpper(args[1]), strings.ToUpper(args[2])
		out, err := a.fx.Convert(ctx, amount, from, to)
		if err != nil {
			return err
		}
		fmt.Printf("%.2f %s = %.2f %s\n", amount, from, out, to)
		return nil
	})
}
