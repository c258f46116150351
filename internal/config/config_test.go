package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/stabilizer"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	require.Equal(t, "test", cfg.App.Name)
	require.Equal(t, fixed.One(), cfg.Protocol.PriceTarget)
	require.Equal(t, fixed.MustParse("0.4"), cfg.Protocol.ReserveMinRatio)
	require.Equal(t, stabilizer.DefaultParams(), cfg.Protocol.Params)
	require.Equal(t, common.HexToAddress("0x57a"), cfg.Protocol.Accounts.Self)
	require.Len(t, cfg.Protocol.Accounts.Admins, 1)
	require.Equal(t, time.Minute, cfg.Scheduler.TrackInterval)
	require.False(t, cfg.WatchEnabled())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
protocol:
  price_target: "1.05"
  reserve_min_ratio: 0.25
  params:
    cooldown_seconds: 60
    caller_reward_floor: "2.5"
    cuts:
      dao: 100
  accounts:
    dao: "0x00000000000000000000000000000000000000d1"
    admins: ["0x00000000000000000000000000000000000000a1", "0x00000000000000000000000000000000000000a2"]
simulation:
  token_reserve: 2500
`)
	t.Setenv("STABILIZER_CHAIN_RPC_URL", "http://localhost:8545")
	t.Setenv("STABILIZER_CHAIN_PAIR_ADDRESS", "0x00000000000000000000000000000000000000b1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, fixed.MustParse("1.05"), cfg.Protocol.PriceTarget)
	require.Equal(t, fixed.MustParse("0.25"), cfg.Protocol.ReserveMinRatio)
	require.Equal(t, uint64(60), cfg.Protocol.Params.CooldownSeconds)
	require.Equal(t, fixed.MustParse("2.5"), cfg.Protocol.Params.CallerRewardFloor)
	require.Equal(t, uint64(100), cfg.Protocol.Params.Cuts.DAO)
	require.Equal(t, uint64(930), cfg.Protocol.Params.Cuts.LP)
	require.Equal(t, common.HexToAddress("0xd1"), cfg.Protocol.Accounts.DAO)
	require.Equal(t, []common.Address{common.HexToAddress("0xa1"), common.HexToAddress("0xa2")}, cfg.Protocol.Accounts.Admins)
	require.Equal(t, fixed.FromUint(2_500), cfg.Simulation.TokenReserve)
	require.True(t, cfg.WatchEnabled())
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "protocol:\n  price_target: \"0\"\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "protocol:\n  params:\n    upper_threshold_bps: 5000\n"))
	require.ErrorContains(t, err, "protocol.params")

	_, err = Load(writeConfig(t, "protocol:\n  accounts:\n    dao: \"not-an-address\"\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "alerting:\n  telegram:\n    enabled: true\n"))
	require.ErrorContains(t, err, "bot_token")
}

func TestFixedHook(t *testing.T) {
	hook := StringToFixedHookFunc()
	ptr := reflect.TypeOf(&uint256.Int{})

	out, err := hook(reflect.TypeOf(""), ptr, "0.5")
	require.NoError(t, err)
	require.Equal(t, fixed.MustParse("0.5"), out)

	out, err = hook(reflect.TypeOf(0), ptr, 3)
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(3), out)

	_, err = hook(reflect.TypeOf(""), ptr, "-1")
	require.Error(t, err)

	out, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "untouched")
	require.NoError(t, err)
	require.Equal(t, "untouched", out)
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 {
		t.Fatal("未传入覆盖值时应使用配置默认值")
	}
	if cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("应优先使用命令行覆盖值")
	}
}
