package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() Metadata {
	return Metadata{
		ReceivingMachineType: "n1-standard-1",
		ReceivingZone:        "europe-west4-a",
		SendingMachineType:   "n1-standard-2",
		SendingZone:          "europe-west4-b",
		SendingThreadCount:   10,
		RuntimeInSeconds:     60,
		IPType:               "external",
	}
}

func TestMetadataLabels(t *testing.T) {
	labels := testMetadata().Labels()
	assert.Equal(t,
		"ip_type:external,receiving_machine_type:n1-standard-1,receiving_zone:europe-west4-a,"+
			"runtime_in_seconds:60,sending_machine_type:n1-standard-2,sending_thread_count:10,sending_zone:europe-west4-b",
		labels)
}

func TestParseLabelsRoundTripsEscapedValues(t *testing.T) {
	md := testMetadata()
	md.ReceivingMachineType = `custom:4,8\x`
	parsed, err := ParseLabels(md.Labels())
	require.NoError(t, err)
	assert.Equal(t, md.Map(), parsed)
}

func TestParseLabelsErrors(t *testing.T) {
	_, err := ParseLabels("novalue")
	assert.Error(t, err)

	parsed, err := ParseLabels("")
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestWriteRecords(t *testing.T) {
	samples := []Sample{
		NewSample("Throughput", 1957, "Mbits/sec", testMetadata()),
		NewFailureSample("Requests per sec", -1, "#/sec", testMetadata()),
	}
	records := NewRecords(samples, "abc123", time.Unix(1700000000, 0))

	buf := &bytes.Buffer{}
	require.NoError(t, WriteRecords(buf, records))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "Throughput", first["metric"])
	assert.Equal(t, 1957.0, first["value"])
	assert.Equal(t, "Mbits/sec", first["unit"])
	assert.Equal(t, testMetadata().Labels(), first["labels"])
	assert.Equal(t, 1700000000.0, first["timestamp"])
	assert.Equal(t, "abc123", first["run_uri"])
	assert.NotContains(t, first, "failed")

	var second Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, -1.0, second.Value)
	assert.True(t, second.Failed)
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "results.json")
	sink := &FileSink{Path: path}
	records := NewRecords([]Sample{NewSample("Throughput", 10, "Mbits/sec", testMetadata())}, "", time.Now())

	require.NoError(t, sink.Write(context.Background(), records))
	require.NoError(t, sink.Write(context.Background(), records))

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(buf)), "\n"), 2)
}

type fakeUploader struct {
	bucket string
	key    string
	body   string
	err    error
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *input.Bucket
	f.key = *input.Key
	buf, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = string(buf)
	return &manager.UploadOutput{}, nil
}

func TestS3SinkUploadsRecords(t *testing.T) {
	up := &fakeUploader{}
	sink := &S3Sink{Bucket: "results-bucket", Key: "run/results.json", uploader: up}
	records := NewRecords([]Sample{NewSample("Throughput", 10, "Mbits/sec", testMetadata())}, "run", time.Now())

	require.NoError(t, sink.Write(context.Background(), records))
	assert.Equal(t, "results-bucket", up.bucket)
	assert.Equal(t, "run/results.json", up.key)
	assert.Contains(t, up.body, `"metric":"Throughput"`)

	up.err = errors.New("access denied")
	err := sink.Write(context.Background(), records)
	assert.ErrorContains(t, err, "s3://results-bucket/run/results.json")
}
