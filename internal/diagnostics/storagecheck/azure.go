package storagecheck

import (
	"cmp"
	"context"
	"strings"

	"pkt.systems/hlld"
	azurestore "pkt.systems/hlld/internal/storage/azure"
)

func verifyAzure(ctx context.Context, cfg hlld.Config) (Result, error) {
	ac, err := hlld.BuildAzureConfig(cfg)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Provider: "azure-blob",
		Bucket:   ac.Container,
		Prefix:   strings.Trim(ac.Prefix, "/"),
		Endpoint: cmp.Or(ac.Endpoint, "https://"+ac.Account+".blob.core.windows.net"),
		Credentials: hlld.CredentialSummary{
			AccessKey: ac.Account,
			HasSecret: ac.AccountKey != "" || ac.SASToken != "",
			Source:    azureCredentialSource(ac),
		},
	}
	openAndCheck(ctx, &res, "ContainerReady", func() (*azurestore.Store, error) { return azurestore.New(ac) })
	return res, nil
}

// azureCredentialSource names the credential the client will sign with. A
// SAS token wins over the account key.
func azureCredentialSource(ac azurestore.Config) string {
	if ac.SASToken != "" {
		return "sas-token"
	}
	if ac.AccountKey != "" {
		return "shared-key"
	}
	return "none"
}
