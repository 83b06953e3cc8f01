package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/hlld"
	"pkt.systems/hlld/internal/diagnostics/storagecheck"
	"pkt.systems/hlld/internal/storage"
	"pkt.systems/pslog"
)

var errVerifyFailed = errors.New("storage verification failed")

func newVerifyCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(logger))
	return cmd
}

func newVerifyStoreCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:          "store",
		Short:        "Round-trip a diagnostic object through the configured store",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
HLLD_STORE=disk:///var/lib/hlld hlld verify store
HLLD_STORE=azure://myacct/hlld HLLD_AZURE_KEY=... hlld verify store
HLLD_STORE='s3://localhost:9000/hlld?insecure=1' HLLD_S3_ACCESS_KEY_ID=minio HLLD_S3_SECRET_ACCESS_KEY=minio123 hlld verify store
HLLD_STORE=aws://my-bucket HLLD_AWS_REGION=eu-north-1 hlld verify store
`),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg hlld.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			res, err := storagecheck.VerifyStore(cmd.Context(), cfg)
			switch {
			case errors.Is(err, storage.ErrNotImplemented):
				fmt.Fprintln(out, "Storage verification not implemented for this backend")
				return nil
			case err != nil:
				return err
			}
			logger.Debug("verify.store.done", "store", cfg.Store, "provider", res.Provider, "passed", res.Passed())
			writeStoreReport(out, cfg.Store, res)
			if !res.Passed() {
				return errVerifyFailed
			}
			return nil
		},
	}
}

func writeStoreReport(w io.Writer, store string, res storagecheck.Result) {
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s: %s\n", label, value)
		}
	}
	line("Store", store)
	line("Provider", res.Provider)
	line("Path", res.Path)
	if res.Endpoint != "" {
		line("Endpoint", fmt.Sprintf("%s (insecure:%t)", res.Endpoint, res.Insecure))
	}
	line("Bucket/Container", res.Bucket)
	line("Prefix", res.Prefix)
	if c := res.Credentials; c.Source != "" || c.AccessKey != "" {
		line("AccessKey", fmt.Sprintf("%s (has_secret:%t source:%s)", valueOr(c.AccessKey, "(none)"), c.HasSecret, c.Source))
	}
	if res.AdditionalMessage != "" {
		fmt.Fprintln(w, res.AdditionalMessage)
	}
	fmt.Fprintln(w)

	for _, check := range res.Checks {
		if check.Err != nil {
			fmt.Fprintf(w, "✘ %s: %v\n", check.Name, check.Err)
			continue
		}
		fmt.Fprintf(w, "✔ %s\n", check.Name)
	}
	switch {
	case res.Passed():
		fmt.Fprintln(w, "Storage verification succeeded.")
	case res.RecommendedPolicy != "":
		fmt.Fprintf(w, "\nRecommended AWS IAM policy:\n%s\n", res.RecommendedPolicy)
	}
}
