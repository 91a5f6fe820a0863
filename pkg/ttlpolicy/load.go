package ttlpolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eunmann/cache-audit/pkg/s3io"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a rule file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// fileRule is one record of a rule file:
//
//	[{"regex": "user:session:", "ttl_ms": 86400000}, ...]
type fileRule struct {
	Regex string `json:"regex" yaml:"regex"`
	TTLMs int64  `json:"ttl_ms" yaml:"ttl_ms"`
}

// ObjectOpener opens remote rule files. *s3io.Client implements it.
type ObjectOpener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// DetectFormat picks the rule file format from its extension. Anything that
// is not .yaml or .yml is read as JSON.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes and compiles an ordered rule list.
func Parse(r io.Reader, format Format) ([]Rule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	var raw []fileRule
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	case FormatJSON:
		err = json.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported rule format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s rules: %w", format, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("rule file contains no rules")
	}

	rules := make([]Rule, 0, len(raw))
	for i, fr := range raw {
		if fr.Regex == "" {
			return nil, fmt.Errorf("rule %d: empty regex", i)
		}
		rule, err := NewRule(fr.Regex, time.Duration(fr.TTLMs)*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Load reads a rule file from a local path or an s3:// URI and returns a
// resolver over it. opener may be nil when path is local.
func Load(ctx context.Context, path string, opener ObjectOpener) (*Resolver, error) {
	var rc io.ReadCloser
	if s3io.IsS3URI(path) {
		if opener == nil {
			return nil, fmt.Errorf("load rules %s: no S3 client configured", path)
		}
		r, err := opener.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		rc = r
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		rc = f
	}
	defer rc.Close()

	rules, err := Parse(rc, DetectFormat(path))
	if err != nil {
		return nil, fmt.Errorf("load rules %s: %w", path, err)
	}
	return NewResolver(rules)
}
