package reporting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/hashicorp/go-multierror"

	"securewipe/internal/certificate"
	"securewipe/internal/config"
)

// Sink persists finished certificates.
type Sink interface {
	Store(ctx context.Context, c *certificate.Certificate) error
}

// FileSink writes each certificate once per configured format.
type FileSink struct {
	Dir     string
	Formats []string
}

func NewFileSink(cfg config.CertificateConfig) *FileSink {
	return &FileSink{Dir: cfg.OutputDir, Formats: cfg.Formats}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Paths are the files Store writes for c.
func (s *FileSink) Paths(c *certificate.Certificate) []string {
	id := c.Device.Serial
	if id == "" {
		id = filepath.Base(c.Device.Path)
	}
	base := fmt.Sprintf("certificate_%s_%s_%s", unsafeName.ReplaceAllString(id, "_"), c.IssuedAt.Format("20060102_150405"), shortID(c.ID))
	paths := make([]string, 0, len(s.Formats))
	for _, f := range s.Formats {
		paths = append(paths, filepath.Join(s.Dir, base+"."+f))
	}
	return paths
}

func (s *FileSink) Store(ctx context.Context, c *certificate.Certificate) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	var result *multierror.Error
	for i, path := range s.Paths(c) {
		data, err := certificate.Encode(c, s.Formats[i])
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			result = multierror.Append(result, fmt.Errorf("write certificate: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// MultiSink stores into every sink and reports all failures together.
type MultiSink []Sink

func (m MultiSink) Store(ctx context.Context, c *certificate.Certificate) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Store(ctx, c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
