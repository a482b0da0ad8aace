package ssh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicefarmpro/devicefarmpro/pkg/ssh/sshtest"
)

func newLabHost(t *testing.T) (*sshtest.Server, *ConnectionInfo) {
	t.Helper()
	srv, err := sshtest.NewServer("lab-secret")
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, &ConnectionInfo{Host: srv.Host(), Port: srv.Port(), Username: "ci", Password: "lab-secret"}
}

func TestClientRunsCommand(t *testing.T) {
	srv, info := newLabHost(t)
	srv.Handle("adb devices", sshtest.Reply{Output: "List of devices attached\nPX7\tdevice\n"})
	srv.Handle("xcrun simctl list", sshtest.Reply{Output: "xcrun: error: unable to find utility\n", Exit: 72})

	c := NewClient(&Config{Timeout: 3 * time.Second})
	require.NoError(t, c.Connect(context.Background(), info))
	defer c.Close()
	assert.True(t, c.IsConnected())

	res, err := c.Run(context.Background(), "adb devices")
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), "PX7\tdevice")
	assert.Equal(t, 0, res.ExitCode)

	res, err = c.Run(context.Background(), "xcrun simctl list")
	require.Error(t, err)
	assert.Equal(t, 72, res.ExitCode)
	assert.Contains(t, err.Error(), "unable to find utility")
}

func TestClientRejectsWrongPassword(t *testing.T) {
	_, info := newLabHost(t)
	info.Password = "wrong"

	c := NewClient(&Config{Timeout: 3 * time.Second})
	assert.Error(t, c.Connect(context.Background(), info))
	assert.False(t, c.IsConnected())
}

func TestPoolReusesConnection(t *testing.T) {
	srv, info := newLabHost(t)
	srv.Handle("adb devices", sshtest.Reply{Output: "List of devices attached\n"})

	p := NewPool(&PoolConfig{IdleTimeout: time.Minute, SSHConfig: &Config{Timeout: 3 * time.Second}})
	defer p.Close()

	for i := 0; i < 3; i++ {
		_, err := p.Run(context.Background(), info, "adb devices")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, 1, srv.Active())
	assert.Equal(t, []string{"adb devices", "adb devices", "adb devices"}, srv.Commands())
}
