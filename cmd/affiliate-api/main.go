package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/affiliate/internal/auth"
	"github.com/MarcoPoloResearchLab/affiliate/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "affiliate-api",
		Short: "Binary-tree affiliate commission service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCalculateCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().Int("pipeline-workers", defaults.GetInt("pipeline.workers"), "Commission pipeline workers")
	cmd.PersistentFlags().Bool("auto-payout", defaults.GetBool("payout.auto"), "Pay out PENDING commissions after calculation")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "pipeline.workers", "pipeline-workers")
	bindFlag(cmd, "payout.auto", "auto-payout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newCalculateCommand() *cobra.Command {
	var redrive bool
	cmd := &cobra.Command{
		Use:   "calculate <order-id>",
		Short: "Calculate commissions for a confirmed order, or re-drive a partial calculation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			orderID := args[0]
			if redrive {
				result, err := app.commissions.Redrive(cmd.Context(), orderID)
				if err != nil {
					return err
				}
				return printResult(cmd, app.logger, result.OrderID, string(result.Outcome), result.Reason, result.Err())
			}
			completion := app.pipeline.Process(cmd.Context(), orderID)
			if completion.Payout != nil {
				app.logger.Info("order paid out",
					zap.String("order_id", orderID),
					zap.Int("paid", len(completion.Payout.Paid)),
					zap.String("total_paid", completion.Payout.TotalPaid.String()),
				)
			}
			return printResult(cmd, app.logger, orderID, string(completion.Result.Outcome), completion.Result.Reason, completion.Err)
		},
	}
	cmd.Flags().BoolVar(&redrive, "redrive", false, "Re-drive a partial or abandoned calculation")
	return cmd
}

func printResult(cmd *cobra.Command, logger *zap.Logger, orderID, outcome, reason string, err error) error {
	fmt.Fprintf(cmd.OutOrStdout(), "order=%s outcome=%s", orderID, outcome)
	if reason != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " reason=%s", reason)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		logger.Warn("calculation reported errors", zap.String("order_id", orderID), zap.Error(err))
	}
	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a bearer token for an operator or a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (participant id for participants)")
	cmd.Flags().StringVar(&role, "role", auth.RoleParticipant, "Token role (operator, participant)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}
