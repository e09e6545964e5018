package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

const contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func testOptions(args ...string) LoadOptions {
	return LoadOptions{EnvPrefix: "INVOICECHAIN", Args: args}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INVOICECHAIN_CHAIN_RPC_URL", "http://127.0.0.1:8545")
	t.Setenv("INVOICECHAIN_CHAIN_CONTRACT_ADDRESS", contract)

	cfg, err := LoadWithOptions(testOptions())
	require.NoError(t, err)

	assert.Equal(t, 180*time.Second, cfg.Chain.ConfirmTimeout)
	assert.Equal(t, 2*time.Second, cfg.Chain.PollInterval)
	assert.Equal(t, 3, cfg.Reconcile.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Reconcile.Delay)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, "flow_outcomes", cfg.Kafka.OutcomeTopic)
}

func TestMissingChainSettingsFailFast(t *testing.T) {
	_, err := LoadWithOptions(testOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
	assert.Contains(t, err.Error(), "chain.rpc_url")

	t.Setenv("INVOICECHAIN_CHAIN_RPC_URL", "http://127.0.0.1:8545")
	_, err = LoadWithOptions(testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain.contract_address")
}

func TestMalformedContractAddress(t *testing.T) {
	t.Setenv("INVOICECHAIN_CHAIN_RPC_URL", "http://127.0.0.1:8545")
	t.Setenv("INVOICECHAIN_CHAIN_CONTRACT_ADDRESS", "0x1234")

	_, err := LoadWithOptions(testOptions())
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.Kind(err))
}

func TestFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "chain:\n  rpc_url: https://rpc.example.org\n  contract_address: " + contract +
		"\nreconcile:\n  max_attempts: 5\n  delay: 1s\nlog:\n  level: info\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadWithOptions(testOptions("--config", path, "--log-level", "debug"))
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.example.org", cfg.Chain.RPCURL)
	assert.Equal(t, 5, cfg.Reconcile.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reconcile.Delay)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "INVOICECHAIN_CHAIN_RPC_URL=wss://rpc.example.org\nINVOICECHAIN_CHAIN_CONTRACT_ADDRESS=" + contract + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("INVOICECHAIN_CHAIN_RPC_URL")
		os.Unsetenv("INVOICECHAIN_CHAIN_CONTRACT_ADDRESS")
	})

	cfg, err := LoadWithOptions(testOptions("--env-file", path))
	require.NoError(t, err)
	assert.Equal(t, "wss://rpc.example.org", cfg.Chain.RPCURL)
}

func TestValidateLockBackend(t *testing.T) {
	t.Setenv("INVOICECHAIN_CHAIN_RPC_URL", "http://127.0.0.1:8545")
	t.Setenv("INVOICECHAIN_CHAIN_CONTRACT_ADDRESS", contract)
	t.Setenv("INVOICECHAIN_LOCK_BACKEND", "etcd")

	_, err := LoadWithOptions(testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.backend")
}
