package main

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/punchamoorthee/storagecredits/internal/bootstrap"
	"github.com/punchamoorthee/storagecredits/internal/chain"
	"github.com/punchamoorthee/storagecredits/internal/cidutil"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/punchamoorthee/storagecredits/internal/ingest"
	"github.com/punchamoorthee/storagecredits/internal/ledger"
	"github.com/punchamoorthee/storagecredits/internal/models"
	"github.com/spf13/cobra"
)

var (
	quoteSize int64
	quoteTTL  int64

	depositToken   string
	depositAmount  string
	depositCredits string
	depositMemo    string
)

var cidCmd = &cobra.Command{
	Use:   "cid <file-or-directory>",
	Short: "Print the content id the service would compute",
	Long:  "A file is addressed by its bytes. A directory is addressed by its top-level regular files and their names.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		if !info.IsDir() {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			id, err := cidutil.ComputeCID(data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}

		entries, err := os.ReadDir(args[0])
		if err != nil {
			return err
		}
		files := make(map[string][]byte, len(entries))
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(args[0], e.Name()))
			if err != nil {
				return err
			}
			files[e.Name()] = data
		}
		id, err := cidutil.ComputeDirectoryCID(files)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price an upload with the configured storage scale",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		engine, closePricing, err := bootstrap.Pricing(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closePricing()

		ttl := quoteTTL
		if ttl == 0 {
			ttl = cfg.DefaultRetention
		}
		required, err := engine.RequiredCreditsForUpload(quoteSize, ttl)
		if err != nil {
			return err
		}
		return printJSON(cmd, models.QuoteResponse{SizeBytes: quoteSize, RetentionSeconds: ttl, RequiredCredits: required})
	},
}

var depositTxCmd = &cobra.Command{
	Use:   "deposit-tx",
	Short: "Build the unsigned payments-contract call for a deposit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.PaymentsContract == "" {
			return fmt.Errorf("PAYMENTS_CONTRACT is not set")
		}
		amount, ok := new(big.Int).SetString(depositAmount, 10)
		if !ok {
			return fmt.Errorf("amount %q is not a base-10 integer", depositAmount)
		}
		credits := new(big.Int)
		if depositCredits != "" {
			if _, ok := credits.SetString(depositCredits, 10); !ok {
				return fmt.Errorf("credits %q is not a base-10 integer", depositCredits)
			}
		}
		tx, err := chain.BuildDepositTx(cfg.PaymentsContract, depositToken, amount, credits, depositMemo)
		if err != nil {
			return err
		}
		return printJSON(cmd, tx)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Credit every deposit left pending by an interrupted ingest",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := bootstrap.OpenStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		l := ledger.New(st, logger, ledger.WithMaxRetries(cfg.LedgerMaxRetries))
		n, err := ingest.NewReconciler(st, l, 0, logger).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "settled %d pending deposit(s)\n", n)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <wallet>",
	Short: "Show a wallet's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wallet, err := domain.NormalizeAddress(args[0])
		if err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := bootstrap.OpenStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		credits, err := ledger.New(st, logger).Balance(cmd.Context(), wallet)
		if err != nil {
			return err
		}
		return printJSON(cmd, models.AccountResponse{Wallet: wallet, Credits: credits})
	},
}

func init() {
	rootCmd.AddCommand(cidCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(depositTxCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(balanceCmd)

	quoteCmd.Flags().Int64Var(&quoteSize, "size", 0, "upload size in bytes")
	quoteCmd.Flags().Int64Var(&quoteTTL, "ttl", 0, "retention in seconds (default STORAGE_DEFAULT_TTL_SECONDS)")

	depositTxCmd.Flags().StringVar(&depositToken, "token", "", "payment token address")
	depositTxCmd.Flags().StringVar(&depositAmount, "amount", "", "amount in the token's smallest unit")
	depositTxCmd.Flags().StringVar(&depositCredits, "credits", "", "credit hint recorded in the event")
	depositTxCmd.Flags().StringVar(&depositMemo, "memo", "", "free-form memo")
	_ = depositTxCmd.MarkFlagRequired("token")
	_ = depositTxCmd.MarkFlagRequired("amount")
}
