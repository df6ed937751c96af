package apachebench

import (
	"context"
	"testing"
	"time"

	"github.com/Octogonapus/NetBenchmark/benchmark"
	"github.com/Octogonapus/NetBenchmark/testtarget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeserialize(t *testing.T) {
	tool, err := benchmark.DeserializeTool(&benchmark.SerializedTool{
		Type:  "apachebench",
		Input: map[string]any{"Requests": 500, "ConcurrencyLevels": []any{10, 1000}},
	})
	require.NoError(t, err)
	assert.Equal(t, "apachebench", tool.GetName())
	assert.Equal(t, []int{10, 1000}, tool.GetConcurrencyLevels())
	assert.Equal(t, 10*time.Second, tool.TimeoutBuffer(1000))
}

func TestGetCommand(t *testing.T) {
	tool, err := NewApacheBenchTool(&ApacheBenchInput{Requests: 500})
	require.NoError(t, err)
	a, _ := testtarget.NewMachine("a")
	b, _ := testtarget.NewMachine("b")

	tests := []struct {
		concurrency int
		expected    string
	}{
		{5, "ab -k -c 5 -n 500 http://b.example.com:8080/"},
		// never fewer requests than clients
		{1000, "ab -k -c 1000 -n 1000 http://b.example.com:8080/"},
	}
	for _, tt := range tests {
		cmd, err := tool.GetCommand(benchmark.RunSpec{Sender: a, Receiver: b, ReceiverAddress: b.ExternalIP, Concurrency: tt.concurrency, RuntimeSec: 60})
		require.NoError(t, err)
		assert.Equal(t, tt.expected, cmd)
	}
}

func TestNewApacheBenchToolValidation(t *testing.T) {
	_, err := NewApacheBenchTool(&ApacheBenchInput{Requests: -1})
	assert.Error(t, err)
	_, err = NewApacheBenchTool(&ApacheBenchInput{ConcurrencyLevels: []int{-5}})
	assert.Error(t, err)
	_, err = NewApacheBenchTool(&ApacheBenchInput{Backlog: -1})
	assert.Error(t, err)
}

func TestSetUp(t *testing.T) {
	tool, err := NewApacheBenchTool(&ApacheBenchInput{})
	require.NoError(t, err)
	m, tt := testtarget.NewMachine("a")
	tt.On("nohup nginx -p $HOME/netbenchmark-www/ -c $HOME/netbenchmark-www/nginx.conf", testtarget.Response{Stdout: "777\n"})

	handle, err := tool.SetUp(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "777", handle)
	assert.Contains(t, tt.Commands()[0], "apt-get install -y apache2-utils nginx")

	page, ok := tt.File("netbenchmark-www/html/index.html")
	require.True(t, ok)
	assert.Contains(t, string(page), "<html>")

	conf, ok := tt.File("netbenchmark-www/nginx.conf")
	require.True(t, ok)
	assert.Contains(t, string(conf), "listen 8080 backlog=4096;")
	// 1000 concurrent clients by default.
	assert.Contains(t, string(conf), "worker_connections 2000;")
	assert.Contains(t, string(conf), "worker_rlimit_nofile 4000;")
	assert.Contains(t, string(conf), "root html;")

	tt.On("kill -9 777", testtarget.Response{ExitCode: 1, Stderr: "kill: (777) - No such process"})
	assert.NoError(t, tool.TearDown(context.Background(), m, handle))
}

func TestSetUpCustomServer(t *testing.T) {
	tool, err := NewApacheBenchTool(&ApacheBenchInput{Port: 9000, Backlog: 128, ConcurrencyLevels: []int{10}, DocumentRoot: "/srv/www"})
	require.NoError(t, err)
	m, tt := testtarget.NewMachine("a")
	tt.On("nohup nginx -p /srv/www/ -c /srv/www/nginx.conf", testtarget.Response{Stdout: "42\n"})

	_, err = tool.SetUp(context.Background(), m)
	require.NoError(t, err)

	conf, ok := tt.File("/srv/www/nginx.conf")
	require.True(t, ok)
	assert.Contains(t, string(conf), "listen 9000 backlog=128;")
	assert.Contains(t, string(conf), "worker_connections 1024;")
}
