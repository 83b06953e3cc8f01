// Package azure stores set snapshots in Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/hlld/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend on a blob container.
type Store struct {
	client    *azblob.Client
	container string
	keys      storage.Keyspace
}

// New builds a Store and creates the container when it is missing. A SAS
// token takes precedence over the account key.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		keys:      storage.NewKeyspace(cfg.Prefix),
	}, nil
}

func newClient(cfg Config) (*azblob.Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: &http.Client{Transport: storage.HTTPTransport(false)},
		},
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.SASToken != "":
		endpoint, err = appendSASToken(endpoint, cfg.SASToken)
		if err != nil {
			return nil, err
		}
		client, err = azblob.NewClientWithNoCredential(endpoint, opts)
	case cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	default:
		return nil, fmt.Errorf("azure: account key or SAS token required")
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery == "" {
		u.RawQuery = sas
	} else {
		u.RawQuery += "&" + sas
	}
	return u.String(), nil
}

// Close is a no-op for the blob client.
func (s *Store) Close() error { return nil }

func (s *Store) blobName(key string) (string, error) {
	if strings.TrimPrefix(key, "/") == "" {
		return "", fmt.Errorf("%w: azure: object key required", storage.ErrInvalidKey)
	}
	return s.keys.Object(key), nil
}

// ListObjects enumerates snapshot blobs in lexical order. Blob listings have
// no start-after marker, so earlier keys are skipped client side.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	prefix := s.keys.Scan(opts.Prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	result := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key, ok := s.keys.Logical(*item.Name)
			if !ok || (opts.StartAfter != "" && key <= opts.StartAfter) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				return result, nil
			}
			info := storage.ObjectInfo{Key: key}
			if p := item.Properties; p != nil {
				fillInfo(&info, p.ETag, p.ContentLength, p.LastModified, p.ContentType)
			}
			result.Objects = append(result.Objects, info)
			result.NextStartAfter = key
		}
	}
	return result, nil
}

// GetObject streams the blob stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, classify(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key}
	fillInfo(info, resp.ETag, resp.ContentLength, resp.LastModified, resp.ContentType)
	return resp.Body, info, nil
}

// PutObject uploads body to key, replacing any previous snapshot.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	contentType := storage.ContentTypeOr(opts.ContentType)
	resp, err := s.client.UploadStream(ctx, s.container, name, body, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		return nil, classify(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, LastModified: time.Now().UTC()}
	fillInfo(info, resp.ETag, nil, resp.LastModified, &contentType)
	return info, nil
}

// DeleteObject removes the blob at key.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteBlob(ctx, s.container, name, nil)
	switch {
	case err == nil:
		return nil
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	}
	return classify(err, "azure: delete object")
}

func fillInfo(info *storage.ObjectInfo, etag *azcore.ETag, size *int64, modified *time.Time, contentType *string) {
	if etag != nil {
		info.ETag = storage.TrimETag(string(*etag))
	}
	if size != nil {
		info.Size = *size
	}
	if modified != nil {
		info.LastModified = modified.UTC()
	}
	if contentType != nil {
		info.ContentType = *contentType
	}
}

func responseError(err error) (*azcore.ResponseError, bool) {
	var respErr *azcore.ResponseError
	ok := errors.As(err, &respErr)
	return respErr, ok
}

func isContainerExists(err error) bool {
	respErr, ok := responseError(err)
	return ok && respErr.StatusCode == http.StatusConflict &&
		strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
}

func isNotFound(err error) bool {
	respErr, ok := responseError(err)
	return ok && respErr.StatusCode == http.StatusNotFound
}

func isRetryable(err error) bool {
	respErr, ok := responseError(err)
	return ok && storage.RetryableStatus(respErr.StatusCode)
}

func classify(err error, op string) error {
	return storage.Classify(err, op, isRetryable)
}
