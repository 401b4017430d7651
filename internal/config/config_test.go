package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProgramID = "Stake11111111111111111111111111111111111111"

func resetRuntimeConfig(t *testing.T) {
	t.Helper()
	reset := func() {
		runtimeConfigOnce = sync.Once{}
		runtimeConfigErr = nil
		runtimeConfigValues = nil
		runtimeConfigLoaded = false
		runtimeConfigPath = ""
		runtimeConfigPhase = ""
	}
	reset()
	t.Cleanup(reset)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CONFIG_PHASE", "unit")
}

func writeConfigFile(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config-test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_FILE", path)
}

func TestLoadIndexerConfigFromYAML(t *testing.T) {
	resetRuntimeConfig(t)
	writeConfigFile(t, `
custody:
  program_id: `+testProgramID+`
indexer:
  db:
    driver: sqlite3
    dsn: file:custody.db
  poll_interval: 5s
  rpc:
    max_retries: 3
solana:
  commitment: finalized
`)

	cfg, err := LoadIndexerConfig()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "file:custody.db", cfg.DBDSN)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.RPCMaxRetries)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Commitment)
	assert.Equal(t, solana.MustPublicKeyFromBase58(testProgramID), cfg.ProgramID)

	source, err := CurrentConfigSource()
	require.NoError(t, err)
	assert.True(t, source.Loaded)
	assert.Equal(t, "unit", source.Phase)
}

func TestExplicitMissingConfigFileFails(t *testing.T) {
	resetRuntimeConfig(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("CUSTODY_PROGRAM_ID", testProgramID)

	_, err := CurrentConfigSource()
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	resetRuntimeConfig(t)
	writeConfigFile(t, "indexer:\n  db:\n    driver: sqlite\n")
	t.Setenv("CUSTODY_PROGRAM_ID", testProgramID)
	t.Setenv("INDEXER_DB_DRIVER", "pgx")

	cfg, err := LoadIndexerConfig()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
}

func TestLoadRequiresProgramID(t *testing.T) {
	resetRuntimeConfig(t)
	t.Setenv("CUSTODY_PROGRAM_ID", "")

	_, err := LoadIndexerConfig()
	assert.Error(t, err)
	_, err = LoadAPIServerConfig()
	assert.Error(t, err)
}

func TestLoadAPIServerPolicy(t *testing.T) {
	resetRuntimeConfig(t)
	beneficiary := solana.NewWallet().PublicKey()
	t.Setenv("CUSTODY_PROGRAM_ID", testProgramID)
	t.Setenv("CUSTODY_POLICY_FAMILY", "Auction")
	t.Setenv("CUSTODY_POLICY_SIGNAL", "unix_timestamp")
	t.Setenv("CUSTODY_POLICY_RESERVE", "1000")
	t.Setenv("CUSTODY_POLICY_BENEFICIARY", beneficiary.String())
	t.Setenv("CUSTODY_POLICY_HISTORY_LIMIT", "16")
	t.Setenv("API_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadAPIServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "auction", cfg.Policy.Family)
	assert.Equal(t, "unix_timestamp", cfg.Policy.Signal)
	assert.Equal(t, uint64(1000), cfg.Policy.Reserve)
	assert.Equal(t, beneficiary, cfg.Policy.Beneficiary)
	assert.Equal(t, 16, cfg.Policy.HistoryLimit)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.StreamInterval)
}

func TestPolicyRejectsBadValues(t *testing.T) {
	resetRuntimeConfig(t)
	t.Setenv("CUSTODY_PROGRAM_ID", testProgramID)

	t.Setenv("CUSTODY_POLICY_HISTORY_LIMIT", "-1")
	_, err := LoadAPIServerConfig()
	assert.Error(t, err)

	t.Setenv("CUSTODY_POLICY_HISTORY_LIMIT", "")
	t.Setenv("CUSTODY_POLICY_TREASURY", "not-a-key")
	_, err = LoadAPIServerConfig()
	assert.Error(t, err)
}

func TestEnvDBDriver(t *testing.T) {
	for raw, want := range map[string]string{
		"postgres":   DriverPostgres,
		"PostgreSQL": DriverPostgres,
		"pgx":        DriverPostgres,
		"sqlite":     DriverSQLite,
		"sqlite3":    DriverSQLite,
	} {
		t.Setenv("TEST_DB_DRIVER", raw)
		got, err := envDBDriver("TEST_DB_DRIVER", DriverPostgres)
		require.NoError(t, err)
		assert.Equal(t, want, got, raw)
	}
	t.Setenv("TEST_DB_DRIVER", "mysql")
	_, err := envDBDriver("TEST_DB_DRIVER", DriverPostgres)
	assert.Error(t, err)
}

func TestNormalizeKeySegment(t *testing.T) {
	assert.Equal(t, "POLL_INTERVAL", normalizeKeySegment("poll-interval"))
	assert.Equal(t, "DB", normalizeKeySegment(" db "))
	assert.Equal(t, "", normalizeKeySegment("--"))
}

func TestLoadSettlerConfig(t *testing.T) {
	resetRuntimeConfig(t)
	keypair := filepath.Join(t.TempDir(), "settler.json")
	t.Setenv("CUSTODY_PROGRAM_ID", testProgramID)
	t.Setenv("SETTLER_KEYPAIR_PATH", keypair)
	t.Setenv("SETTLER_POLL_INTERVAL", "750ms")
	t.Setenv("SETTLER_MAX_RETRIES", "4")
	t.Setenv("SETTLER_COMPUTE_UNIT_LIMIT", "200000")
	t.Setenv("SETTLER_SKIP_PREFLIGHT", "true")

	cfg, err := LoadSettlerConfig()
	require.NoError(t, err)
	assert.Equal(t, keypair, cfg.KeypairPath)
	assert.Equal(t, 750*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10, cfg.MaxSettlementsPerTick)
	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, uint(4), *cfg.MaxRetries)
	assert.Equal(t, uint32(200000), cfg.ComputeUnitLimit)
	assert.True(t, cfg.SkipPreflight)
	assert.Equal(t, "timelock", cfg.Policy.Family)
	assert.Equal(t, "settler", filepath.Base(filepath.Dir(cfg.Log.FilePath)))

	t.Setenv("SETTLER_POLL_INTERVAL", "soon")
	_, err = LoadSettlerConfig()
	assert.Error(t, err)
}
