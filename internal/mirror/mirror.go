// Package mirror copies stored profile images to an off-host backend.
package mirror

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"studentportal/internal/cloudinary"
	"studentportal/internal/config"
	"studentportal/internal/intake"
	"studentportal/internal/queue"
)

// Mirror receives a copy of each uploaded image.
type Mirror interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) error
	Name() string
}

// New picks the backend named in cfg. Backend "none" returns a nil Mirror.
func New(ctx context.Context, cfg config.MirrorConfig) (Mirror, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "minio":
		return NewMinio(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket)
	case "cloudinary":
		return NewCloudinary(cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)), nil
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.Backend)
	}
}

// Cloudinary mirrors into a Cloudinary folder, using the file name without extension as public id.
type Cloudinary struct {
	client *cloudinary.Client
}

// NewCloudinary wraps an API client.
func NewCloudinary(client *cloudinary.Client) *Cloudinary {
	return &Cloudinary{client: client}
}

func (c *Cloudinary) Name() string { return "cloudinary" }

func (c *Cloudinary) Put(ctx context.Context, name string, r io.Reader, _ int64, _ string) error {
	publicID := strings.TrimSuffix(name, path.Ext(name))
	res, err := c.client.Upload(ctx, r, name, publicID)
	if err != nil {
		return err
	}
	log.Printf("mirror: cloudinary stored %s as %s", name, res.PublicID)
	return nil
}

// Consumer copies every profile_image message's file to the mirror.
type Consumer struct {
	files  *intake.Store
	mirror Mirror
}

// NewConsumer builds a consumer; a nil mirror only logs the events.
func NewConsumer(files *intake.Store, m Mirror) *Consumer {
	return &Consumer{files: files, mirror: m}
}

// Run drains q until ctx is cancelled. Failed copies are logged and skipped.
func (c *Consumer) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	for msg := range messages {
		if err := c.Handle(ctx, msg); err != nil {
			log.Printf("mirror: message=%s type=%s err=%v", msg.ID, msg.Type, err)
		}
	}
	return nil
}

// Handle processes a single message. Messages of other types are ignored.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeProfileImage {
		return nil
	}
	var body queue.ProfileImage
	if err := msg.Decode(&body); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if c.mirror == nil {
		log.Printf("mirror: disabled, student=%d file=%s", body.StudentID, body.Filename)
		return nil
	}

	f, err := c.files.Open(body.Filename)
	if err != nil {
		return fmt.Errorf("open %s: %w", body.Filename, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", body.Filename, err)
	}
	contentType, err := sniff(f)
	if err != nil {
		return fmt.Errorf("sniff %s: %w", body.Filename, err)
	}

	if err := c.mirror.Put(ctx, body.Filename, f, info.Size(), contentType); err != nil {
		return fmt.Errorf("%s put %s: %w", c.mirror.Name(), body.Filename, err)
	}
	log.Printf("mirror: copied student=%d file=%s backend=%s", body.StudentID, body.Filename, c.mirror.Name())
	return nil
}

// sniff reads the first 512 bytes to detect the content type and rewinds.
func sniff(rs io.ReadSeeker) (string, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(rs, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}
