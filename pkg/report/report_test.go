package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/eunmann/cache-audit/pkg/compaction"
	"github.com/eunmann/cache-audit/pkg/estimate"
	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/eunmann/cache-audit/pkg/ttlaudit"
	"github.com/parquet-go/parquet-go"
)

func sampleReport() *estimate.Report {
	acc := estimate.NewAccumulator()
	acc.Add("user:profile:", 1000)
	acc.Add("user:profile:", 1000)
	acc.Add("feed:item:", 500)
	acc.Add("svc:de-dupe:", 100)
	return estimate.BuildReport(acc, estimate.ReportOptions{
		Fraction:    0.5,
		Hide:        regexp.MustCompile(estimate.DefaultHidePattern),
		Population:  8,
		SampledKeys: 4,
		Draws:       5,
	})
}

func TestWriteAuditText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAuditText(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"Sampled 4 unique keys (drew 5) of 8",
		"Namespace",
		"Est. # Keys",
		"76.92%",
		"19.23%",
		"Total: 5.08 KiB",
		"Estimated total keys: 8",
		"Hidden: 1 namespaces",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "de-dupe") {
		t.Error("hidden namespace listed")
	}
	if strings.Index(out, "user:profile:") > strings.Index(out, "feed:item:") {
		t.Error("rows not sorted by size")
	}
}

func TestWriteAuditShortSample(t *testing.T) {
	acc := estimate.NewAccumulator()
	acc.Add("user:profile:", 1000)
	rep := estimate.BuildReport(acc, estimate.ReportOptions{
		Fraction:    0.5,
		Population:  20,
		Target:      10,
		SampledKeys: 3,
		Draws:       30,
	})

	var text bytes.Buffer
	if err := WriteAuditText(&text, rep); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.String(), "Sample short of target: 3 of 10 keys") {
		t.Errorf("output = %q", text.String())
	}

	var js bytes.Buffer
	if err := WriteAuditJSON(&js, rep); err != nil {
		t.Fatal(err)
	}
	var got estimate.Report
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.ShortSample || got.Target != 10 {
		t.Errorf("decoded report = %+v", got)
	}

	var full bytes.Buffer
	if err := WriteAuditText(&full, sampleReport()); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(full.String(), "short of target") {
		t.Error("complete sample reported as short")
	}
}

func TestWriteAuditTextNoData(t *testing.T) {
	rep := estimate.BuildReport(estimate.NewAccumulator(), estimate.ReportOptions{Fraction: 0.01})
	var buf bytes.Buffer
	if err := WriteAuditText(&buf, rep); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No memory usage data collected") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestWriteAuditJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAuditJSON(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	var got estimate.Report
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Rows) != 2 || got.Rows[0].Namespace != "user:profile:" || got.ScaledTotal != 5200 {
		t.Errorf("decoded report = %+v", got)
	}
}

func TestWriteAuditParquet(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAuditParquet(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	rows, err := parquet.Read[AuditRow](bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Namespace != "user:profile:" || rows[0].ScaledBytes != 4000 || rows[0].EstimatedKeys != 4 || rows[0].Fraction != 0.5 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].MaxBytes != 500 || rows[1].AvgBytes != 500 {
		t.Errorf("row 1 = %+v", rows[1])
	}
}

func TestWriteCompactionText(t *testing.T) {
	sum := &compaction.Summary{
		Visited:          10,
		Compacted:        6,
		AlreadyCompacted: 2,
		SkippedExcluded:  1,
		Failed:           1,
		Conflicts:        1,
		BytesBefore:      4000,
		BytesAfter:       1000,
		ShardsCompleted:  3,
		ShardsTotal:      3,
		DryRun:           true,
		Elapsed:          time.Minute,
		Namespaces: map[string]*compaction.NamespaceTally{
			"user:profile:": {Compacted: 5, BytesBefore: 3000, BytesAfter: 500},
			"feed:item:":    {Compacted: 1, Failed: 1, BytesBefore: 1000, BytesAfter: 500},
		},
	}
	var buf bytes.Buffer
	if err := WriteCompactionText(&buf, sum, 1); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"dry run",
		"3/3 completed",
		"compacted:         6",
		"conflicts:         1",
		"ratio 0.25",
		"10/min",
		"user:profile:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "feed:item:") {
		t.Error("topN not applied")
	}

	buf.Reset()
	if err := WriteCompactionJSON(&buf, sum); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"compacted": 6`) {
		t.Errorf("json = %s", buf.String())
	}
}

func TestWriteTTLAuditText(t *testing.T) {
	res := &ttlaudit.Result{
		Match:          "user:*",
		Limit:          100,
		Visited:        100,
		Missing:        2,
		StoppedEarly:   true,
		Namespaces:     map[string]int64{"user:a:": 60, "user:b:": 40},
		StatsAvailable: true,
		StatsBefore:    kvstore.ServerStats{ExpiredKeys: 10},
		StatsAfter:     kvstore.ServerStats{ExpiredKeys: 15},
		StatsDelta:     kvstore.ServerStats{ExpiredKeys: 5},
	}
	res.Buckets[ttlaudit.NoTTL] = 70
	res.Buckets[ttlaudit.UnderDay] = 28
	res.Buckets[ttlaudit.Missing] = 2

	var buf bytes.Buffer
	if err := WriteTTLAuditText(&buf, res, 1); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"Visited keys: 100",
		"Match: user:*",
		"(Stopped early at --limit 100)",
		"no-ttl(-1): 70",
		"<1d: 28",
		"Keys missing during scan (ttl=-2): 2",
		"user:a: 60",
		"expired_keys:  10 -> 15  (delta 5)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "user:b:") {
		t.Error("topN not applied")
	}
	if strings.Index(out, "no-ttl") > strings.Index(out, "<1d") {
		t.Error("buckets not sorted by count")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		flag, dest string
		want       Format
		wantErr    bool
	}{
		{"", "-", FormatText, false},
		{"", "out/report.json", FormatJSON, false},
		{"", "s3://bucket/audit.parquet", FormatParquet, false},
		{"json", "report.txt", FormatJSON, false},
		{"TEXT", "", FormatText, false},
		{"csv", "", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.flag, tt.dest)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q, %q) = (%q, %v)", tt.flag, tt.dest, got, err)
		}
	}
}

func hello(w io.Writer) error {
	_, err := io.WriteString(w, "hello\n")
	return err
}

func TestSinkStdout(t *testing.T) {
	var buf bytes.Buffer
	s := &Sink{Dest: "-", Stdout: &buf}
	if err := s.Write(context.Background(), FormatText, hello); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello\n" {
		t.Errorf("stdout = %q", buf.String())
	}
}

func TestSinkLocalFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "reports", "audit.txt")
	if err := NewSink(dest).Write(context.Background(), FormatText, hello); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello\n" {
		t.Errorf("file = %q", data)
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestSinkLocalFileRenderError(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "audit.txt")
	boom := errors.New("boom")
	err := NewSink(dest).Write(context.Background(), FormatText, func(io.Writer) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("report written despite render error")
	}
}

type fakeUploader struct {
	uri, contentType string
	data             []byte
	err              error
}

func (f *fakeUploader) Put(_ context.Context, uri string, data []byte, contentType string) error {
	f.uri, f.data, f.contentType = uri, data, contentType
	return f.err
}

func TestSinkS3(t *testing.T) {
	up := &fakeUploader{}
	s := &Sink{Dest: "s3://bucket/reports/audit.json", Uploader: up}
	if err := s.Write(context.Background(), FormatJSON, hello); err != nil {
		t.Fatal(err)
	}
	if up.uri != s.Dest || string(up.data) != "hello\n" || up.contentType != "application/json" {
		t.Errorf("upload = %+v", up)
	}

	up.err = errors.New("access denied")
	if err := s.Write(context.Background(), FormatJSON, hello); err == nil || !strings.Contains(err.Error(), "upload report") {
		t.Errorf("err = %v", err)
	}
}
