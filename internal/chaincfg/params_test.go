package chaincfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMainNetDefaults(t *testing.T) {
	p := MainNet()
	require.Equal(t, "main", p.Name)
	require.False(t, p.AllowMultiplePorts)
	require.Equal(t, 5, p.PoSeBanMaxScore)
	require.Equal(t, 10, p.MaxPoSeRank)
	require.Equal(t, 6, p.RecoveryQuorumRequired)
	require.Equal(t, int64(10800), p.NewStartRequiredSeconds)
	require.Equal(t, int64(10800), p.DsegUpdateSeconds)
	require.Equal(t, 100, p.LastPaidScanBlocks)
}

func TestRegTestOverrides(t *testing.T) {
	p := RegTest()
	require.True(t, p.AllowMultiplePorts)
	require.Equal(t, 1, p.CollateralMinConfirmations)
}

func TestLoadEmptyPathIsMainNet(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	require.Equal(t, MainNet(), p)
}

func TestLoadAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
Name = "testnet"
DefaultPort = 44556
PoSeBanMaxScore = 3
NewSigs = false
`), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "testnet", p.Name)
	require.Equal(t, uint16(44556), p.DefaultPort)
	require.Equal(t, 3, p.PoSeBanMaxScore)
	require.False(t, p.NewSigs)
	// untouched values keep mainnet defaults
	require.Equal(t, 10, p.MaxPoSeConnections)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.toml")
	require.NoError(t, os.WriteFile(path, []byte(`Bogus = 1`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
