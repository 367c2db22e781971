package cli

import (
	"fmt"
	"os"

	internal_http "github.com/agentflow/agentflow/internal/http"
	"github.com/agentflow/agentflow/internal/log"
	internal_storage "github.com/agentflow/agentflow/internal/storage"
	"github.com/agentflow/agentflow/pkg/ledger"
	"github.com/agentflow/agentflow/pkg/llm"
	"github.com/agentflow/agentflow/pkg/pricing"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AgentFlow API server",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustFlag(cmd, "db")
			port, err := cmd.Flags().GetString("port")
			if err != nil || port == "" {
				port = "8080"
			}
			pricingPath, _ := cmd.Flags().GetString("pricing")

			store := initStore(dbConnStr)
			defer store.Close()

			client, err := llm.NewOllamaClient()
			if err != nil {
				log.GetLogger().Errorf("Failed to create generation client: %v", err)
				os.Exit(1)
			}

			table := pricing.NewTable(nil)
			if pricingPath != "" {
				table, err = pricing.Load(pricingPath)
				if err != nil {
					log.GetLogger().Errorf("Failed to load pricing table: %v", err)
					os.Exit(1)
				}
			}

			if err := internal_http.StartServer(port, store, client, table); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")
	serveCmd.Flags().String("pricing", "", "Path to the model pricing JSON file")

	balanceCmd := &cobra.Command{
		Use:   "balance [user]",
		Short: "Show a user's wallet balance",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustFlag(cmd, "db")
			store := initStore(dbConnStr)
			defer store.Close()
			svc := ledger.NewLedgerService(store, log.GetLogger())
			balance, err := svc.Balance(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to read balance: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to read balance: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Balance for '%s': %d micros ($%.2f)\n",
				args[0], balance, float64(balance)/1_000_000)
		},
	}

	topupCmd := &cobra.Command{
		Use:   "topup [user] [amount-micros]",
		Short: "Credit a user's wallet",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustFlag(cmd, "db")
			var amount int64
			if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil || amount <= 0 {
				fmt.Fprintf(os.Stderr, "Error: amount must be a positive integer of micro-dollars\n")
				os.Exit(1)
			}
			paymentRef, _ := cmd.Flags().GetString("ref")

			store := initStore(dbConnStr)
			defer store.Close()
			svc := ledger.NewLedgerService(store, log.GetLogger())
			balance, err := svc.Credit(args[0], amount, paymentRef)
			if err != nil {
				log.GetLogger().Errorf("Failed to credit wallet: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to credit wallet: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Credited %d micros to '%s', new balance %d micros\n",
				amount, args[0], balance)
		},
	}
	topupCmd.Flags().String("ref", "", "External payment reference for idempotent retries")

	rootCmd.AddCommand(serveCmd, balanceCmd, topupCmd)
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil || v == "" {
		log.GetLogger().Errorf("Missing required --%s flag", name)
		fmt.Fprintf(os.Stderr, "Error: --%s is required\n", name)
		os.Exit(1)
	}
	return v
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to connect to database: %v", err)
		os.Exit(1)
	}
	return store
}
