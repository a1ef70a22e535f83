package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/h2non/filetype"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
)

// sniffBytes is enough for filetype to recognise every supported container.
const sniffBytes = 262

// ObjectPresigner is satisfied by *s3.PresignClient.
type ObjectPresigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// MediaService turns stored media references into URLs a destination can
// fetch, with the kind of each item resolved.
type MediaService interface {
	Resolve(ctx context.Context, refs []models.MediaRef) ([]publisher.ResolvedMedia, error)
}

type mediaService struct {
	presigner ObjectPresigner
	bucket    string
	publicURL string
	expiry    time.Duration
	http      *http.Client
}

type MediaOptions struct {
	Presigner ObjectPresigner
	Bucket    string
	// PublicURL serves keys directly when no presigner is configured.
	PublicURL string
	Expiry    time.Duration
	Client    *http.Client
}

func NewMediaService(o MediaOptions) MediaService {
	if o.Expiry <= 0 {
		o.Expiry = time.Hour
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &mediaService{
		presigner: o.Presigner,
		bucket:    o.Bucket,
		publicURL: strings.TrimRight(o.PublicURL, "/"),
		expiry:    o.Expiry,
		http:      o.Client,
	}
}

// NewR2Presigner builds a presign client for the Cloudflare R2 bucket.
func NewR2Presigner(ctx context.Context, r2 config.R2) (*s3.PresignClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(r2.AccessKey, r2.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", r2.AccountID))
	})
	return s3.NewPresignClient(client), nil
}

func (s *mediaService) Resolve(ctx context.Context, refs []models.MediaRef) ([]publisher.ResolvedMedia, error) {
	out := make([]publisher.ResolvedMedia, 0, len(refs))
	for i, ref := range refs {
		u, err := s.locate(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("media %d: %w", i, err)
		}
		kind, mime, err := s.kind(ctx, ref, u)
		if err != nil {
			return nil, fmt.Errorf("media %d: %w", i, err)
		}
		out = append(out, publisher.ResolvedMedia{URL: u, MimeType: mime, Kind: kind, AltText: ref.AltText})
	}
	return out, nil
}

func (s *mediaService) locate(ctx context.Context, ref models.MediaRef) (string, error) {
	switch {
	case ref.URL != "":
		return ref.URL, nil
	case ref.Key == "":
		return "", apperr.Validation("", "resolve_media", errors.New("media has neither url nor key"))
	case s.presigner != nil:
		req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(ref.Key),
		}, s3.WithPresignExpires(s.expiry))
		if err != nil {
			return "", apperr.Transient("", "presign_media", err)
		}
		return req.URL, nil
	case s.publicURL != "":
		return s.publicURL + "/" + url.PathEscape(ref.Key), nil
	}
	return "", apperr.Validation("", "resolve_media", fmt.Errorf("no storage configured for key %s", ref.Key))
}

// kind prefers the declared MIME type, then the file extension, and finally
// sniffs the first bytes of the object.
func (s *mediaService) kind(ctx context.Context, ref models.MediaRef, u string) (publisher.MediaKind, string, error) {
	mime := ref.MimeType
	if mime == "" {
		name := ref.Key
		if name == "" {
			if parsed, err := url.Parse(u); err == nil {
				name = parsed.Path
			}
		}
		if ext := strings.TrimPrefix(path.Ext(name), "."); ext != "" {
			if t := filetype.GetType(strings.ToLower(ext)); t != filetype.Unknown {
				mime = t.MIME.Value
			}
		}
	}
	if mime == "" {
		sniffed, err := s.sniff(ctx, u)
		if err != nil {
			return "", "", err
		}
		mime = sniffed
	}

	switch {
	case strings.HasPrefix(mime, "image/"):
		return publisher.MediaImage, mime, nil
	case strings.HasPrefix(mime, "video/"):
		return publisher.MediaVideo, mime, nil
	}
	return "", "", apperr.Validation("", "resolve_media", fmt.Errorf("unsupported media type %q", mime))
}

func (s *mediaService) sniff(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", apperr.Validation("", "sniff_media", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffBytes-1))
	resp, err := s.http.Do(req)
	if err != nil {
		return "", apperr.Transient("", "sniff_media", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", apperr.FromStatus("", "sniff_media", resp.StatusCode, "", resp.Header.Get("Retry-After"))
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", apperr.Transient("", "sniff_media", err)
	}
	t, err := filetype.Match(head[:n])
	if err != nil || t == filetype.Unknown {
		return "", apperr.Validation("", "sniff_media", errors.New("unrecognised media content"))
	}
	return t.MIME.Value, nil
}
