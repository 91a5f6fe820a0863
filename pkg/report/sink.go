package report

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/cache-audit/pkg/fileutil"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/eunmann/cache-audit/pkg/s3io"
)

// Format is a report encoding.
type Format string

const (
	FormatText    Format = "text"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// ContentType returns the MIME type used for S3 uploads.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "text/plain; charset=utf-8"
	}
}

// ParseFormat parses a --format value. An empty value infers the format
// from the extension of dest.
func ParseFormat(s, dest string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatParquet:
		return FormatParquet, nil
	case "":
	default:
		return "", fmt.Errorf("unknown report format %q (want text, json or parquet)", s)
	}

	switch strings.ToLower(filepath.Ext(dest)) {
	case ".json":
		return FormatJSON, nil
	case ".parquet":
		return FormatParquet, nil
	}
	return FormatText, nil
}

// Uploader stores an object at an s3:// URI. *s3io.Client implements it.
type Uploader interface {
	Put(ctx context.Context, uri string, data []byte, contentType string) error
}

// Sink is a report destination: "" or "-" for stdout, an s3:// URI, or a
// local path that is replaced atomically.
type Sink struct {
	Dest string

	// Stdout receives reports for "-". Default: os.Stdout.
	Stdout io.Writer

	// Uploader handles s3:// destinations. Default: an s3io.Client built
	// from the ambient AWS configuration.
	Uploader Uploader
}

// NewSink returns a sink for dest.
func NewSink(dest string) *Sink {
	return &Sink{Dest: dest}
}

// IsStdout reports whether the sink writes to standard output.
func (s *Sink) IsStdout() bool {
	return s.Dest == "" || s.Dest == "-"
}

// Write renders a report into the destination.
func (s *Sink) Write(ctx context.Context, format Format, render func(io.Writer) error) error {
	switch {
	case s.IsStdout():
		out := s.Stdout
		if out == nil {
			out = os.Stdout
		}
		return render(out)

	case s3io.IsS3URI(s.Dest):
		var buf bytes.Buffer
		if err := render(&buf); err != nil {
			return err
		}
		up := s.Uploader
		if up == nil {
			client, err := s3io.NewClient(ctx)
			if err != nil {
				return err
			}
			up = client
		}
		if err := up.Put(ctx, s.Dest, buf.Bytes(), format.ContentType()); err != nil {
			return fmt.Errorf("upload report: %w", err)
		}
		logging.L().Info().
			Str("dest", s.Dest).
			Int("bytes", buf.Len()).
			Msg("report uploaded")
		return nil

	default:
		err := fileutil.WriteTmpThenMove(filepath.Dir(s.Dest), s.Dest, func(tmpPath string) error {
			f, err := os.Create(tmpPath)
			if err != nil {
				return fmt.Errorf("create report file: %w", err)
			}
			bw := bufio.NewWriter(f)
			if err := render(bw); err != nil {
				f.Close()
				return err
			}
			if err := bw.Flush(); err != nil {
				f.Close()
				return fmt.Errorf("flush report: %w", err)
			}
			return f.Close()
		})
		if err != nil {
			return fmt.Errorf("write report %s: %w", s.Dest, err)
		}
		logging.L().Info().Str("dest", s.Dest).Msg("report written")
		return nil
	}
}
