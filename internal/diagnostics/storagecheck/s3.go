package storagecheck

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/hlld"
	"pkt.systems/hlld/internal/storage"
	awsstore "pkt.systems/hlld/internal/storage/aws"
	"pkt.systems/hlld/internal/storage/s3"
)

// bucketStore is a backend that can report whether its bucket exists.
type bucketStore interface {
	storage.Backend
	BucketExists(ctx context.Context) (bool, error)
}

// checkBucket runs the round-trip checks only once the bucket is known to
// exist. It closes store.
func checkBucket(ctx context.Context, res *Result, store bucketStore) {
	defer store.Close()
	exists, err := store.BucketExists(ctx)
	if err == nil && !exists {
		err = fmt.Errorf("bucket %s does not exist", res.Bucket)
	}
	res.Checks = append(res.Checks, CheckResult{Name: "BucketExists", Err: err})
	if err == nil {
		res.Checks = append(res.Checks, runBackendChecks(ctx, store)...)
	}
}

func verifyS3(ctx context.Context, cfg hlld.Config) (Result, error) {
	built, err := hlld.BuildGenericS3Config(cfg)
	if err != nil {
		return Result{}, err
	}
	sc := built.Config
	store, err := s3.New(sc)
	if err != nil {
		return Result{}, fmt.Errorf("init s3-compatible store: %w", err)
	}
	res := Result{
		Provider:    "s3-compatible",
		Bucket:      sc.Bucket,
		Prefix:      sc.Prefix,
		Endpoint:    sc.Endpoint,
		Insecure:    sc.Insecure,
		Credentials: built.Credentials,
	}
	checkBucket(ctx, &res, store)
	return res, nil
}

func verifyAWS(ctx context.Context, cfg hlld.Config) (Result, error) {
	ac, err := hlld.BuildAWSConfig(cfg)
	if err != nil {
		return Result{}, err
	}
	store, err := awsstore.New(ac)
	if err != nil {
		return Result{}, fmt.Errorf("init aws store: %w", err)
	}
	res := Result{
		Provider:    "aws",
		Bucket:      ac.Bucket,
		Prefix:      ac.Prefix,
		Endpoint:    ac.Endpoint,
		Insecure:    ac.Insecure,
		Credentials: hlld.CredentialSummary{Source: "aws-default-chain"},
	}
	checkBucket(ctx, &res, store)
	if !res.Passed() {
		res.RecommendedPolicy = buildAWSPolicy(ac.Bucket, ac.Prefix)
		res.AdditionalMessage = fmt.Sprintf("Region in use is %s; set --aws-region, HLLD_AWS_REGION, or AWS_REGION if the bucket lives elsewhere.", ac.Region)
	}
	return res, nil
}

type iamStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

type iamPolicy struct {
	Version   string         `json:"Version"`
	Statement []iamStatement `json:"Statement"`
}

// buildAWSPolicy renders the least-privilege IAM policy hlld needs on bucket,
// scoped to prefix when one is set.
func buildAWSPolicy(bucket, prefix string) string {
	bucketARN := "arn:aws:s3:::" + bucket
	objects := bucketARN + "/*"
	if p := strings.Trim(prefix, "/"); p != "" {
		objects = bucketARN + "/" + p + "/*"
	}
	enc, _ := json.MarshalIndent(iamPolicy{
		Version: "2012-10-17",
		Statement: []iamStatement{
			{Effect: "Allow", Action: []string{"s3:ListBucket"}, Resource: []string{bucketARN}},
			{Effect: "Allow", Action: []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"}, Resource: []string{objects}},
		},
	}, "", "  ")
	return string(enc)
}
