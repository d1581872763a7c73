// Package s3 provides an S3/MinIO storage provider. Relative paths
// map onto object keys under a configurable prefix; folders are
// zero-byte "key/" marker objects plus whatever common prefixes the
// bucket listing reports.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/storage"
)

// ProviderConfig is a JSON-serializable config for S3 providers.
type ProviderConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	KeyPrefix string `json:"key_prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// S3Provider implements storage.Provider on S3/MinIO.
type S3Provider struct {
	client  *awss3.Client
	presign *awss3.PresignClient
	bucket  string
	keys    keyspace

	mu          sync.RWMutex
	shareExpiry time.Time
}

var _ storage.Provider = (*S3Provider)(nil)

// New creates a new S3 provider from a ProviderConfig.
func New(ctx context.Context, cfg ProviderConfig) (*S3Provider, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = true
	})

	p := &S3Provider{
		client:  client,
		presign: awss3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		keys:    newKeyspace(cfg.KeyPrefix),
	}

	if err := p.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return p, nil
}

// NewFromJSON creates an S3Provider from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*S3Provider, error) {
	var cfg ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

func (p *S3Provider) ensureBucket(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	})
	if err != nil {
		_, createErr := p.client.CreateBucket(ctx, &awss3.CreateBucketInput{
			Bucket: aws.String(p.bucket),
		})
		if createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", p.bucket, createErr)
		}
		logging.Info("created S3 bucket", zap.String("bucket", p.bucket))
	}
	return nil
}

func (p *S3Provider) head(ctx context.Context, key string) (*awss3.HeadObjectOutput, bool) {
	out, err := p.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, false
	}
	return out, true
}

// GetFile returns a fresh snapshot of the object at rel.
func (p *S3Provider) GetFile(ctx context.Context, rel string) (storage.FileEntry, error) {
	defer metrics.ObserveStorageOp("get_file", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return storage.FileEntry{}, wrapOp("get file", rel, err)
	}
	if key == p.keys.prefix {
		return storage.FileEntry{}, wrapOp("get file", rel, storage.ErrNotFound)
	}
	out, ok := p.head(ctx, key)
	if !ok {
		return storage.FileEntry{}, wrapOp("get file", rel, storage.ErrNotFound)
	}
	return p.fileEntryFromHead(rel, out), nil
}

// ListFiles returns the objects directly under rel. An absent folder
// reads as empty.
func (p *S3Provider) ListFiles(ctx context.Context, rel string) ([]storage.FileEntry, error) {
	defer metrics.ObserveStorageOp("list_files", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return nil, wrapOp("list files", rel, err)
	}

	prefix := dirPrefix(key)
	entries := []storage.FileEntry{}
	paginator := awss3.NewListObjectsV2Paginator(p.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, opError("list files", rel, err)
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			if objKey == prefix || strings.HasSuffix(objKey, "/") {
				continue // folder markers are not files
			}
			entries = append(entries, storage.FileEntry{
				Path:      p.keys.relFromKey(objKey),
				Name:      path.Base(objKey),
				Size:      aws.ToInt64(obj.Size),
				ModTime:   aws.ToTime(obj.LastModified),
				Extension: path.Ext(objKey),
			})
		}
	}
	return entries, nil
}

// ListFolders returns the common prefixes directly under rel, writing
// the folder marker first when absent. The creation side effect is
// part of the contract.
func (p *S3Provider) ListFolders(ctx context.Context, rel string) ([]storage.FolderEntry, error) {
	defer metrics.ObserveStorageOp("list_folders", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return nil, wrapOp("list folders", rel, err)
	}
	if key != p.keys.prefix && !p.folderExists(ctx, key) {
		if err := p.putMarker(ctx, key); err != nil {
			return nil, opError("list folders", rel, err)
		}
	}

	prefix := dirPrefix(key)
	entries := []storage.FolderEntry{}
	paginator := awss3.NewListObjectsV2Paginator(p.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, opError("list folders", rel, err)
		}
		for _, cp := range page.CommonPrefixes {
			childPrefix := aws.ToString(cp.Prefix)
			childKey := strings.TrimSuffix(childPrefix, "/")
			size, modTime := p.folderStats(ctx, childPrefix)
			entries = append(entries, storage.FolderEntry{
				Path:    p.keys.relFromKey(childKey),
				Name:    path.Base(childKey),
				Size:    size,
				ModTime: modTime,
			})
		}
	}
	return entries, nil
}

// GetFolder returns a fresh snapshot of the folder at rel.
func (p *S3Provider) GetFolder(ctx context.Context, rel string) (storage.FolderEntry, error) {
	defer metrics.ObserveStorageOp("get_folder", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return storage.FolderEntry{}, wrapOp("get folder", rel, err)
	}
	if key != p.keys.prefix && !p.folderExists(ctx, key) {
		return storage.FolderEntry{}, wrapOp("get folder", rel, storage.ErrNotFound)
	}
	size, modTime := p.folderStats(ctx, dirPrefix(key))
	name := path.Base(key)
	if rel == "" {
		name = p.bucket
	}
	return storage.FolderEntry{
		Path:    rel,
		Name:    name,
		Size:    size,
		ModTime: modTime,
	}, nil
}

// ParentFolder returns the snapshot of rel's parent folder, failing
// with ErrNoParent when rel denotes the root.
func (p *S3Provider) ParentFolder(ctx context.Context, rel string) (storage.FolderEntry, error) {
	if rel == "" {
		return storage.FolderEntry{}, storage.ErrNoParent
	}
	parent := path.Dir(rel)
	if parent == "." || parent == "/" {
		parent = ""
	}
	return p.GetFolder(ctx, parent)
}

// CreateFolder writes the folder marker at rel. Fails when the folder
// is already present.
func (p *S3Provider) CreateFolder(ctx context.Context, rel string) error {
	defer metrics.ObserveStorageOp("create_folder", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return wrapOp("create folder", rel, err)
	}
	if key == p.keys.prefix || p.folderExists(ctx, key) {
		return wrapOp("create folder", rel, storage.ErrAlreadyExists)
	}
	if err := p.putMarker(ctx, key); err != nil {
		return opError("create folder", rel, err)
	}
	return nil
}

// TryCreateFolder creates the folder if absent. An existing folder
// counts as success; every error reads as false.
func (p *S3Provider) TryCreateFolder(ctx context.Context, rel string) bool {
	err := p.CreateFolder(ctx, rel)
	return err == nil || errors.Is(err, storage.ErrAlreadyExists)
}

// DeleteFolder removes every object under rel, the marker included.
func (p *S3Provider) DeleteFolder(ctx context.Context, rel string) error {
	defer metrics.ObserveStorageOp("delete_folder", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return wrapOp("delete folder", rel, err)
	}
	if key == p.keys.prefix || !p.folderExists(ctx, key) {
		return wrapOp("delete folder", rel, storage.ErrNotFound)
	}

	keys, err := p.listAll(ctx, dirPrefix(key))
	if err != nil {
		return opError("delete folder", rel, err)
	}
	keys = append(keys, key+"/")
	if err := p.deleteKeys(ctx, keys); err != nil {
		return opError("delete folder", rel, err)
	}
	return nil
}

// MoveFolder copies every object under oldRel to newRel, then deletes
// the originals. Not atomic; S3 has no rename.
func (p *S3Provider) MoveFolder(ctx context.Context, oldRel, newRel string) error {
	defer metrics.ObserveStorageOp("move_folder", time.Now())

	srcKey, err := p.keys.resolve(oldRel)
	if err != nil {
		return wrapOp("move folder", oldRel, err)
	}
	dstKey, err := p.keys.resolve(newRel)
	if err != nil {
		return wrapOp("move folder", newRel, err)
	}
	if srcKey == p.keys.prefix || !p.folderExists(ctx, srcKey) {
		return wrapOp("move folder", oldRel, storage.ErrNotFound)
	}
	if dstKey == p.keys.prefix || p.folderExists(ctx, dstKey) {
		return wrapOp("move folder", newRel, storage.ErrAlreadyExists)
	}

	srcPrefix := dirPrefix(srcKey)
	keys, err := p.listAll(ctx, srcPrefix)
	if err != nil {
		return opError("move folder", oldRel, err)
	}
	keys = append(keys, srcKey+"/")
	for _, k := range keys {
		dst := dirPrefix(dstKey) + strings.TrimPrefix(k, srcPrefix)
		if k == srcKey+"/" {
			dst = dstKey + "/"
		}
		if err := p.copyKey(ctx, k, dst); err != nil {
			return opError("move folder", oldRel, err)
		}
	}
	if err := p.deleteKeys(ctx, keys); err != nil {
		return opError("move folder", oldRel, err)
	}
	return nil
}

// CreateFile writes an empty object at rel. Fails when an object is
// already present.
func (p *S3Provider) CreateFile(ctx context.Context, rel string) (storage.FileEntry, error) {
	defer metrics.ObserveStorageOp("create_file", time.Now())
	return p.createFile(ctx, rel)
}

func (p *S3Provider) createFile(ctx context.Context, rel string) (storage.FileEntry, error) {
	key, err := p.keys.resolve(rel)
	if err != nil {
		return storage.FileEntry{}, wrapOp("create file", rel, err)
	}
	if key == p.keys.prefix {
		return storage.FileEntry{}, wrapOp("create file", rel, storage.ErrInvalidPath)
	}
	if _, ok := p.head(ctx, key); ok {
		return storage.FileEntry{}, wrapOp("create file", rel, storage.ErrAlreadyExists)
	}
	if err := p.putObject(ctx, key, bytes.NewReader(nil), 0); err != nil {
		return storage.FileEntry{}, opError("create file", rel, err)
	}
	out, ok := p.head(ctx, key)
	if !ok {
		return storage.FileEntry{}, opError("create file", rel, fmt.Errorf("object vanished after create"))
	}
	return p.fileEntryFromHead(rel, out), nil
}

// CreateOrReplaceFile overwrites rel with an empty object, creating it
// when absent.
func (p *S3Provider) CreateOrReplaceFile(ctx context.Context, rel string) (storage.FileEntry, error) {
	defer metrics.ObserveStorageOp("create_or_replace_file", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return storage.FileEntry{}, wrapOp("create file", rel, err)
	}
	if key == p.keys.prefix {
		return storage.FileEntry{}, wrapOp("create file", rel, storage.ErrInvalidPath)
	}
	if err := p.putObject(ctx, key, bytes.NewReader(nil), 0); err != nil {
		return storage.FileEntry{}, opError("create file", rel, err)
	}
	out, ok := p.head(ctx, key)
	if !ok {
		return storage.FileEntry{}, opError("create file", rel, fmt.Errorf("object vanished after create"))
	}
	return p.fileEntryFromHead(rel, out), nil
}

// DeleteFile removes the object at rel.
func (p *S3Provider) DeleteFile(ctx context.Context, rel string) error {
	defer metrics.ObserveStorageOp("delete_file", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return wrapOp("delete file", rel, err)
	}
	if _, ok := p.head(ctx, key); !ok {
		return wrapOp("delete file", rel, storage.ErrNotFound)
	}
	if err := p.deleteKeys(ctx, []string{key}); err != nil {
		return opError("delete file", rel, err)
	}
	return nil
}

// MoveFile copies the object at oldRel to newRel, then deletes the
// original.
func (p *S3Provider) MoveFile(ctx context.Context, oldRel, newRel string) error {
	defer metrics.ObserveStorageOp("move_file", time.Now())

	srcKey, err := p.keys.resolve(oldRel)
	if err != nil {
		return wrapOp("move file", oldRel, err)
	}
	dstKey, err := p.keys.resolve(newRel)
	if err != nil {
		return wrapOp("move file", newRel, err)
	}
	if _, ok := p.head(ctx, srcKey); !ok {
		return wrapOp("move file", oldRel, storage.ErrNotFound)
	}
	if _, ok := p.head(ctx, dstKey); ok {
		return wrapOp("move file", newRel, storage.ErrAlreadyExists)
	}
	if err := p.copyKey(ctx, srcKey, dstKey); err != nil {
		return opError("move file", oldRel, err)
	}
	if err := p.deleteKeys(ctx, []string{srcKey}); err != nil {
		return opError("move file", oldRel, err)
	}
	return nil
}

// SaveStream uploads body to rel. Fails like CreateFile when the
// object already exists. The body is caller-owned and not closed.
func (p *S3Provider) SaveStream(ctx context.Context, rel string, body io.Reader) error {
	defer metrics.ObserveStorageOp("save_stream", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return wrapOp("save stream", rel, err)
	}
	if key == p.keys.prefix {
		return wrapOp("save stream", rel, storage.ErrInvalidPath)
	}
	if _, ok := p.head(ctx, key); ok {
		return wrapOp("save stream", rel, storage.ErrAlreadyExists)
	}
	if err := p.putObject(ctx, key, body, -1); err != nil {
		return opError("save stream", rel, err)
	}
	return nil
}

// TrySaveStream is SaveStream with every error reduced to false.
func (p *S3Provider) TrySaveStream(ctx context.Context, rel string, body io.Reader) bool {
	return p.SaveStream(ctx, rel, body) == nil
}

// OpenFile opens the object's content for reading.
func (p *S3Provider) OpenFile(ctx context.Context, rel string) (io.ReadCloser, error) {
	defer metrics.ObserveStorageOp("open_file", time.Now())

	key, err := p.keys.resolve(rel)
	if err != nil {
		return nil, wrapOp("open file", rel, err)
	}
	out, err := p.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, wrapOp("open file", rel, storage.ErrNotFound)
		}
		return nil, opError("open file", rel, err)
	}
	return out.Body, nil
}

// FileExists reports whether an object exists at rel. Every error
// reads as false.
func (p *S3Provider) FileExists(ctx context.Context, rel string) bool {
	key, err := p.keys.resolve(rel)
	if err != nil || key == p.keys.prefix {
		return false
	}
	_, ok := p.head(ctx, key)
	return ok
}

// SharedAccessExpiry returns the default expiry used for presigned
// URLs; the zero time means unset.
func (p *S3Provider) SharedAccessExpiry() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shareExpiry
}

// SetSharedAccessExpiry sets the default expiry for presigned URLs.
func (p *S3Provider) SetSharedAccessExpiry(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shareExpiry = t
}

// PresignGet issues a time-limited GET URL for the object at rel,
// honoring the provider's shared access expiry when set.
func (p *S3Provider) PresignGet(ctx context.Context, rel string, fallbackTTL time.Duration) (string, error) {
	key, err := p.keys.resolve(rel)
	if err != nil {
		return "", wrapOp("presign get", rel, err)
	}

	ttl := fallbackTTL
	if expiry := p.SharedAccessExpiry(); !expiry.IsZero() {
		ttl = time.Until(expiry)
	}
	if ttl <= 0 {
		return "", opError("presign get", rel, fmt.Errorf("shared access expiry is in the past"))
	}

	req, err := p.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", opError("presign get", rel, err)
	}
	metrics.RecordShareIssued()
	return req.URL, nil
}

// Type returns "s3".
func (p *S3Provider) Type() string { return "s3" }

// Close is a no-op for S3 providers.
func (p *S3Provider) Close() error { return nil }

func (p *S3Provider) fileEntryFromHead(rel string, out *awss3.HeadObjectOutput) storage.FileEntry {
	return storage.FileEntry{
		Path:        rel,
		Name:        path.Base(rel),
		Size:        aws.ToInt64(out.ContentLength),
		ModTime:     aws.ToTime(out.LastModified),
		Extension:   path.Ext(rel),
		ContentType: aws.ToString(out.ContentType),
	}
}

// folderExists reports whether a marker or any object sits under key.
func (p *S3Provider) folderExists(ctx context.Context, key string) bool {
	if _, ok := p.head(ctx, key+"/"); ok {
		return true
	}
	out, err := p.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	return err == nil && len(out.Contents) > 0
}

// folderStats sums object sizes under prefix recursively and reports
// the most recent modification time.
func (p *S3Provider) folderStats(ctx context.Context, prefix string) (int64, time.Time) {
	var size int64
	var modTime time.Time
	paginator := awss3.NewListObjectsV2Paginator(p.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			break
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), "/") {
				continue
			}
			size += aws.ToInt64(obj.Size)
			if t := aws.ToTime(obj.LastModified); t.After(modTime) {
				modTime = t
			}
		}
	}
	return size, modTime
}

// listAll returns every non-marker object key under prefix.
func (p *S3Provider) listAll(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(p.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (p *S3Provider) putMarker(ctx context.Context, key string) error {
	return p.putObject(ctx, key+"/", bytes.NewReader(nil), 0)
}

func (p *S3Provider) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &awss3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	_, err := p.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key))
	return nil
}

func (p *S3Provider) copyKey(ctx context.Context, srcKey, dstKey string) error {
	_, err := p.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(p.bucket + "/" + srcKey),
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

func (p *S3Provider) deleteKeys(ctx context.Context, keys []string) error {
	for _, k := range keys {
		_, err := p.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(k),
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

func wrapOp(op, rel string, sentinel error) error {
	return &storage.OpError{Op: op, Path: rel, Err: sentinel}
}

func opError(op, rel string, cause error) error {
	return &storage.OpError{Op: op, Path: rel, Err: cause}
}
