package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/testutil"
	"djidji-uploader/pkg/credential"
)

// runCLI 执行一条命令，返回标准输出。配置文件不存在时使用默认值。
func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	if configPath == "" {
		configPath = filepath.Join(t.TempDir(), "missing.yaml")
	}
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{0x42}, size), 0o644))
	return p
}

func TestUploadCommand(t *testing.T) {
	b := testutil.NewBackend(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.mp3", 4096)
	c := writeFile(t, dir, "c.wav", 2048)

	out, err := runCLI(t, "", "--api", b.APIURL(), "--token", testutil.Token,
		"upload", "--concurrency", "1", "--meta", "genre=rumba", a, c)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ a.mp3")
	assert.Contains(t, out, "✓ c.wav")
	assert.Contains(t, out, "Subidas completadas: 2, fallidas: 0")
	assert.Equal(t, 2, b.Calls(testutil.OpConfirm))
	assert.EqualValues(t, 6144, b.Used())
}

func TestUploadCommand_ReportsFailures(t *testing.T) {
	b := testutil.NewBackend(t)
	dir := t.TempDir()
	txt := writeFile(t, dir, "notes.txt", 10)

	out, err := runCLI(t, "", "--api", b.APIURL(), "--token", testutil.Token,
		"upload", txt, filepath.Join(dir, "missing.mp3"))
	require.Error(t, err)
	assert.Contains(t, out, "✗ notes.txt: Formato de archivo no soportado")
	assert.Contains(t, out, "fallidas: 2")
	assert.Zero(t, b.Calls(testutil.OpRequest))
}

func TestUploadCommand_Unauthorized(t *testing.T) {
	b := testutil.NewBackend(t)
	a := writeFile(t, t.TempDir(), "a.mp3", 16)

	out, err := runCLI(t, "", "--api", b.APIURL(), "--token", "wrong", "upload", a)
	require.Error(t, err)
	assert.Contains(t, out, "Sesión expirada. Por favor, inicia sesión nuevamente.")
}

func TestRemoteCommands(t *testing.T) {
	b := testutil.NewBackend(t)
	a := writeFile(t, t.TempDir(), "a.mp3", 1024)
	common := []string{"--api", b.APIURL(), "--token", testutil.Token}

	_, err := runCLI(t, "", append(common, "upload", a)...)
	require.NoError(t, err)

	out, err := runCLI(t, "", append(common, "status", "u1")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ready"`)

	out, err = runCLI(t, "", append(common, "quota")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Usado: 1.0 KiB de 1.0 GiB")

	out, err = runCLI(t, "", append(common, "cancel", "u1", "--delete-from-storage")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Subida u1 cancelada")
	deleted, ok := b.Cancelled("u1")
	assert.True(t, ok)
	assert.True(t, deleted)

	_, err = runCLI(t, "", append(common, "status")...)
	assert.Error(t, err)
}

func TestLoginLogout(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("auth:\n  token_file: "+tokenFile+"\n"), 0o600))

	_, err := runCLI(t, cfgPath, "login")
	assert.Error(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = runCLI(t, cfgPath, "login", "--token", expired)
	assert.ErrorIs(t, err, credential.ErrTokenExpired)

	out, err := runCLI(t, cfgPath, "login", "--token", "opaque-token")
	require.NoError(t, err)
	assert.Contains(t, out, tokenFile)

	tok, err := credential.NewFileProvider(tokenFile).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)

	_, err = runCLI(t, cfgPath, "logout")
	require.NoError(t, err)
	_, err = os.Stat(tokenFile)
	assert.True(t, os.IsNotExist(err))
}

func TestLoggedInUploadUsesTokenFile(t *testing.T) {
	b := testutil.NewBackend(t)
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("api:\n  base_url: "+b.APIURL()+"\nauth:\n  token_file: "+tokenFile+"\n"), 0o600))

	_, err := runCLI(t, cfgPath, "login", "--token", testutil.Token)
	require.NoError(t, err)

	out, err := runCLI(t, cfgPath, "quota")
	require.NoError(t, err)
	assert.Contains(t, out, "Usado: 0 B")
}

func TestCommandsRequiringInfrastructure(t *testing.T) {
	_, err := runCLI(t, "", "history")
	assert.ErrorContains(t, err, "database.mysql.dsn")

	_, err = runCLI(t, "", "events", "tail")
	assert.ErrorContains(t, err, "kafka.brokers")
}

func TestRunAgent_GracefulShutdown(t *testing.T) {
	b := testutil.NewBackend(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.API.BaseURL = b.APIURL()
	cfg.Auth.Token = testutil.Token
	cfg.Agent.Port = "0"
	cfg.Agent.Mode = "test"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runAgent(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not shut down")
	}
}
