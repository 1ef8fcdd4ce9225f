package intake

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rs/zerolog"
)

const xmlContentType = "application/xml"

// Blob is a Source over one Azure Blob container using the ready/,
// inflight/, done/ and error/ prefixes. A stage change is a copy to the new
// key followed by a delete of the old one conditioned on the ETag seen at
// listing time.
type Blob struct {
	client    *azblob.Client
	container string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewBlob creates the client from a storage connection string. The
// container is not touched until Init.
func NewBlob(connectionString, container string, logger zerolog.Logger) (*Blob, error) {
	if container == "" {
		return nil, fmt.Errorf("blob container is not configured")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Blob{
		client:    client,
		container: container,
		logger:    logger.With().Str("component", "intake-blob").Str("container", container).Logger(),
		now:       time.Now,
	}, nil
}

// Init creates the container if it does not exist.
func (s *Blob) Init(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", s.container, err)
	}
	s.logger.Info().Msg("blob container ready")
	return nil
}

func key(stage, name string) string {
	return stage + "/" + name
}

func (s *Blob) list(ctx context.Context, stage string) ([]File, error) {
	prefix := stage + "/"
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var files []File
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*item.Name, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			f := File{Name: name}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					f.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					f.ModTime = *p.LastModified
				}
				if p.ETag != nil {
					f.tag = string(*p.ETag)
				}
			}
			files = append(files, f)
		}
	}
	return files, nil
}

func (s *Blob) List(ctx context.Context) ([]File, error) {
	all, err := s.list(ctx, dirReady)
	if err != nil {
		return nil, err
	}
	files := all[:0]
	for _, f := range all {
		if Accept(f.Name) {
			files = append(files, f)
		}
	}
	sortOldestFirst(files)
	return files, nil
}

// move copies src to dst and deletes src. With etag set, the delete only
// succeeds if src is unchanged since it was listed.
func (s *Blob) move(ctx context.Context, src, dst, etag string) error {
	resp, err := s.client.DownloadStream(ctx, s.container, src, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ErrClaimed
		}
		return fmt.Errorf("download blob %s: %w", src, err)
	}
	defer resp.Body.Close()

	ct := xmlContentType
	_, err = s.client.UploadStream(ctx, s.container, dst, resp.Body, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return fmt.Errorf("upload blob %s: %w", dst, err)
	}

	var opts *azblob.DeleteBlobOptions
	if etag != "" {
		tag := azcore.ETag(etag)
		opts = &azblob.DeleteBlobOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: &tag},
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, src, opts); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ConditionNotMet) {
			// Someone else moved or replaced src; drop our copy.
			if _, derr := s.client.DeleteBlob(ctx, s.container, dst, nil); derr != nil && !bloberror.HasCode(derr, bloberror.BlobNotFound) {
				s.logger.Warn().Err(derr).Str("blob", dst).Msg("failed to remove orphaned copy")
			}
			return ErrClaimed
		}
		return fmt.Errorf("delete blob %s: %w", src, err)
	}
	return nil
}

func (s *Blob) Claim(ctx context.Context, f File) (File, error) {
	if err := s.move(ctx, key(dirReady, f.Name), key(dirInflight, f.Name), f.tag); err != nil {
		return File{}, err
	}
	f.tag = ""
	return f, nil
}

func (s *Blob) Open(ctx context.Context, f File) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key(dirInflight, f.Name), nil)
	if err != nil {
		return nil, fmt.Errorf("download blob %s: %w", f.Name, err)
	}
	return resp.Body, nil
}

func (s *Blob) exists(ctx context.Context, k string) bool {
	_, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(k).GetProperties(ctx, nil)
	return err == nil
}

func (s *Blob) Archive(ctx context.Context, f File, outcome Outcome, detail string) error {
	stage := dirDone
	if outcome == OutcomeError {
		stage = dirError
	}
	name := archiveName(f.Name, s.now(), func(n string) bool {
		return s.exists(ctx, key(stage, n))
	})
	if err := s.move(ctx, key(dirInflight, f.Name), key(stage, name), ""); err != nil {
		return fmt.Errorf("archive %s to %s: %w", f.Name, stage, err)
	}
	if outcome == OutcomeError && detail != "" {
		sidecar := key(stage, name+ErrorSuffix)
		if _, err := s.client.UploadBuffer(ctx, s.container, sidecar, []byte(detail+"\n"), nil); err != nil {
			return fmt.Errorf("upload error detail %s: %w", sidecar, err)
		}
	}
	return nil
}

func (s *Blob) Recover(ctx context.Context) (int, error) {
	files, err := s.list(ctx, dirInflight)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if err := s.move(ctx, key(dirInflight, f.Name), key(dirReady, path.Base(f.Name)), f.tag); err != nil {
			return n, fmt.Errorf("recover %s: %w", f.Name, err)
		}
		n++
	}
	return n, nil
}
