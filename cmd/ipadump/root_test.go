package main

import (
	"io"
	"testing"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("IPADUMP_SSH_PASSWORD", "")
	t.Setenv("IPADUMP_SSH_KEY_FILE", "")

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

// TestRootCmd_RequiresCredentials 测试未提供凭据时在连接前失败
func TestRootCmd_RequiresCredentials(t *testing.T) {
	err := execute(t, "com.example.app", "--host", "192.0.2.1")
	require.Error(t, err)
	assert.True(t, domain.IsFailure(err, domain.FailureTypeConfiguration))
	assert.Contains(t, err.Error(), "either password or key file")
}

// TestRootCmd_CredentialsMutuallyExclusive 测试密码与私钥互斥
func TestRootCmd_CredentialsMutuallyExclusive(t *testing.T) {
	err := execute(t, "com.example.app", "--password", "alpine", "--key-file", "/tmp/id_ed25519")
	require.Error(t, err)
	assert.True(t, domain.IsFailure(err, domain.FailureTypeConfiguration))
}

// TestRootCmd_InvalidPort 测试端口校验
func TestRootCmd_InvalidPort(t *testing.T) {
	err := execute(t, "com.example.app", "--password", "alpine", "--port", "70000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ssh port")
}

// TestRootCmd_MissingScript 测试默认脚本不存在时在连接前失败
func TestRootCmd_MissingScript(t *testing.T) {
	err := execute(t, "com.example.app", "--host", "192.0.2.1", "--password", "alpine")
	require.Error(t, err)
	assert.True(t, domain.IsFailure(err, domain.FailureTypeConfiguration))
	assert.Contains(t, err.Error(), "dump script")
}

// TestRootCmd_RequiresTarget 测试缺少目标参数
func TestRootCmd_RequiresTarget(t *testing.T) {
	err := execute(t, "--password", "alpine")
	require.Error(t, err)
}

// TestFlagBindings 测试所有绑定的参数都已注册
func TestFlagBindings(t *testing.T) {
	cmd := newRootCmd()
	for name := range flagBindings {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.NotNil(t, cmd.Flags().Lookup("config"))
}

func TestFailureLabel(t *testing.T) {
	assert.Equal(t, "unknown", failureLabel(nil))
	assert.Equal(t, "unknown", failureLabel(&domain.DumpRun{}))
	assert.Equal(t, "no_device", failureLabel(&domain.DumpRun{FailureType: domain.FailureTypeNoDevice}))
}
