package hlld

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/hlld/internal/clock"
	"pkt.systems/hlld/internal/loggingutil"
	"pkt.systems/hlld/internal/storage"
	awsstore "pkt.systems/hlld/internal/storage/aws"
	azurestore "pkt.systems/hlld/internal/storage/azure"
	"pkt.systems/hlld/internal/storage/disk"
	loggingbackend "pkt.systems/hlld/internal/storage/logging"
	"pkt.systems/hlld/internal/storage/memory"
	"pkt.systems/hlld/internal/storage/retry"
	"pkt.systems/hlld/internal/storage/s3"
	"pkt.systems/pslog"
)

// CredentialSummary describes which credentials were selected for object
// storage. It never carries a secret.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// S3ConfigResult bundles the parsed S3 configuration with a credential summary
// suitable for logging.
type S3ConfigResult struct {
	Config      s3.Config
	Credentials CredentialSummary
}

type backendOpener func(Config) (storage.Backend, error)

var backendOpeners = map[string]backendOpener{
	"":       openMemory,
	"mem":    openMemory,
	"memory": openMemory,
	"disk":   openDisk,
	"azure":  openAzure,
	"s3":     openS3,
	"aws":    openAWS,
}

// OpenBackend opens the storage backend described by cfg.Store without any
// retry or logging decoration.
func OpenBackend(cfg Config) (storage.Backend, error) {
	u, err := parseStoreURL(cfg.Store, "")
	if err != nil {
		return nil, err
	}
	open, ok := backendOpeners[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return open(cfg)
}

func openMemory(Config) (storage.Backend, error) { return memory.New(), nil }

func openDisk(cfg Config) (storage.Backend, error) {
	dc, err := BuildDiskConfig(cfg)
	if err != nil {
		return nil, err
	}
	return disk.New(dc)
}

func openAzure(cfg Config) (storage.Backend, error) {
	ac, err := BuildAzureConfig(cfg)
	if err != nil {
		return nil, err
	}
	return azurestore.New(ac)
}

func openS3(cfg Config) (storage.Backend, error) {
	res, err := BuildGenericS3Config(cfg)
	if err != nil {
		return nil, err
	}
	store, err := s3.New(res.Config)
	if err != nil {
		return nil, err
	}
	return checkedBucket(store)
}

func openAWS(cfg Config) (storage.Backend, error) {
	ac, err := BuildAWSConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := awsstore.New(ac)
	if err != nil {
		return nil, err
	}
	return checkedBucket(store)
}

type bucketBackend interface {
	storage.Backend
	BucketExists(ctx context.Context) (bool, error)
}

// checkedBucket fails fast when the bucket is unreachable or missing, so a
// misconfigured daemon never starts accepting writes it cannot persist.
func checkedBucket(b bucketBackend) (storage.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := b.BucketExists(ctx)
	switch {
	case err != nil:
		err = fmt.Errorf("object store connectivity check failed: %w", err)
	case !exists:
		err = fmt.Errorf("object store bucket does not exist")
	default:
		return b, nil
	}
	_ = b.Close()
	return nil, err
}

// wrapBackend layers tracing and debug logging, then transient-error retries,
// over backend.
func wrapBackend(cfg Config, backend storage.Backend, logger pslog.Logger, clk clock.Clock) storage.Backend {
	if !cfg.DisableStorageTracing {
		backend = loggingbackend.Wrap(backend, loggingutil.WithSubsystem(logger, "storage.backend"), "storage.backend")
	}
	return retry.Wrap(backend, loggingutil.WithSubsystem(logger, "storage.retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
}

// storeURL is a parsed Config.Store with typed query accessors.
type storeURL struct {
	*url.URL
	query url.Values
}

// parseStoreURL parses raw and, when scheme is non-empty, insists on it.
func parseStoreURL(raw, scheme string) (storeURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return storeURL{}, fmt.Errorf("parse store URL: %w", err)
	}
	if scheme != "" && u.Scheme != scheme {
		return storeURL{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return storeURL{URL: u, query: u.Query()}, nil
}

func (u storeURL) host() string { return strings.TrimSpace(u.Host) }

// str returns the trimmed query parameter, or fallback when it is unset.
func (u storeURL) str(name, fallback string) string {
	if v := strings.TrimSpace(u.query.Get(name)); v != "" {
		return v
	}
	return fallback
}

// flag returns the boolean query parameter, or fallback when it is unset or
// unparsable.
func (u storeURL) flag(name string, fallback bool) bool {
	if v, err := strconv.ParseBool(u.query.Get(name)); err == nil {
		return v
	}
	return fallback
}

// bucketPath splits the URL path into its first segment and the remainder.
func (u storeURL) bucketPath() (string, string) {
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs that
// target S3-compatible services such as MinIO. TLS is on unless the URL sets
// insecure=1, secure=0 or scheme=http.
func BuildGenericS3Config(cfg Config) (S3ConfigResult, error) {
	u, err := parseStoreURL(cfg.Store, "s3")
	if err != nil {
		return S3ConfigResult{}, err
	}
	const layout = "expected s3://host[:port]/bucket[/prefix]"
	if u.host() == "" {
		return S3ConfigResult{}, fmt.Errorf("s3 store missing host (%s)", layout)
	}
	bucket, prefix := u.bucketPath()
	if bucket == "" {
		return S3ConfigResult{}, fmt.Errorf("s3 store missing bucket (%s)", layout)
	}
	secure := !strings.EqualFold(u.query.Get("scheme"), "http")
	secure = u.flag("secure", secure) && !u.flag("insecure", false)

	creds, summary, err := genericS3Credentials(cfg)
	if err != nil {
		return S3ConfigResult{Credentials: summary}, err
	}
	return S3ConfigResult{
		Config: s3.Config{
			Endpoint:       u.host(),
			Region:         u.str("region", ""),
			Bucket:         bucket,
			Prefix:         prefix,
			Insecure:       !secure,
			ForcePathStyle: u.flag("path-style", false),
			ServerSideEnc:  cfg.S3SSE,
			KMSKeyID:       u.str("kms-key-id", cfg.S3KMSKeyID),
			CustomCreds:    creds,
		},
		Credentials: summary,
	}, nil
}

// genericS3Credentials picks static credentials from cfg, then the HLLD_S3_*
// environment. With neither, the MinIO provider chain is used.
func genericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	access, secret, token := strings.TrimSpace(cfg.S3AccessKeyID), cfg.S3SecretAccessKey, cfg.S3SessionToken
	source := "config"
	if access == "" && secret == "" && token == "" {
		access = strings.TrimSpace(os.Getenv("HLLD_S3_ACCESS_KEY_ID"))
		secret = os.Getenv("HLLD_S3_SECRET_ACCESS_KEY")
		token = os.Getenv("HLLD_S3_SESSION_TOKEN")
		source = "env:HLLD_S3_ACCESS_KEY_ID"
	}
	if access == "" && secret == "" && token == "" {
		return nil, CredentialSummary{Source: "chain"}, nil
	}
	summary := CredentialSummary{AccessKey: access, HasSecret: secret != "", Source: source}
	if access == "" || secret == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(access, secret, token), summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs for the AWS SDK backend.
// The region comes from the URL, then Config.AWSRegion, then the environment.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := parseStoreURL(cfg.Store, "aws")
	if err != nil {
		return awsstore.Config{}, err
	}
	if u.host() == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	region := u.str("region", strings.TrimSpace(cfg.AWSRegion))
	if region == "" {
		region = firstEnv("HLLD_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or HLLD_AWS_REGION)")
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	return awsstore.Config{
		Endpoint:       u.str("endpoint", ""),
		Region:         region,
		Bucket:         u.host(),
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       u.flag("insecure", false),
		ForcePathStyle: u.flag("path-style", false),
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       u.str("kms-key-id", kmsKey),
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
// Config.AzureAccount overrides the account in the URL.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := parseStoreURL(cfg.Store, "azure")
	if err != nil {
		return azurestore.Config{}, err
	}
	account := cfg.AzureAccount
	if account == "" {
		account = u.host()
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := u.bucketPath()
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	key := strings.TrimSpace(cfg.AzureAccountKey)
	if key == "" {
		key = firstEnv("HLLD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := u.str("sas", strings.TrimSpace(cfg.AzureSASToken))
	if sas == "" {
		sas = firstEnv("HLLD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: key,
		Endpoint:   u.str("endpoint", strings.TrimSpace(cfg.AzureEndpoint)),
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:///abs/path URLs. The two-slash form
// disk://data/sets is read as /data/sets.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := parseStoreURL(cfg.Store, "disk")
	if err != nil {
		return disk.Config{}, err
	}
	root := strings.TrimSpace(u.Path)
	if h := u.host(); h != "" {
		root = "/" + h + "/" + strings.TrimPrefix(root, "/")
	}
	if strings.Trim(root, "/") == "" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/hlld)")
	}
	return disk.Config{Root: filepath.Clean(root)}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}
