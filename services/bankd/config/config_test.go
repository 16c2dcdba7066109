package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const nativeBase = `
auth:
  hmacSecret: secret
engine:
  mode: native
  native:
    owner: "0x0000000000000000000000000000000000000001"
    routerFeeBps: 30
    maxBorrowPerWindow: "1000000"
    markets:
      - currency0: "0x0000000000000000000000000000000000000010"
        currency1: "0x0000000000000000000000000000000000000020"
        fee: 3000
        tickSpacing: 60
        tick: 0
        liquidity: "1000000000"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bankd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadNativeDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, nativeBase))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.ListenAddress != ":8080" || cfg.HTTP.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if !cfg.Auth.Enabled || cfg.Auth.ScopeClaim != "scope" {
		t.Fatalf("expected auth enabled by default: %+v", cfg.Auth)
	}
	if cfg.Engine.Mode != ModeNative || cfg.Engine.Native.RouterFeeBps != 30 {
		t.Fatalf("unexpected engine config: %+v", cfg.Engine)
	}
	if len(cfg.Engine.Native.Markets) != 1 || cfg.Engine.Native.Markets[0].Liquidity != "1000000000" {
		t.Fatalf("expected bootstrap market, got %+v", cfg.Engine.Native.Markets)
	}
	if cfg.Engine.Native.Backend != BackendMemory {
		t.Fatalf("expected memory backend without dataDir, got %q", cfg.Engine.Native.Backend)
	}
	if cfg.Keeper.Schedule != "@every 30s" {
		t.Fatalf("unexpected keeper schedule %q", cfg.Keeper.Schedule)
	}
}

func TestLoadAuthExplicitlyDisabled(t *testing.T) {
	content := strings.Replace(nativeBase, "auth:\n  hmacSecret: secret", "auth:\n  enabled: false", 1)
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Enabled {
		t.Fatal("expected auth to stay disabled")
	}
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	content := strings.Replace(nativeBase, "  hmacSecret: secret", "  issuer: bank", 1)
	if _, err := Load(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "hmacSecret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := Load(writeConfig(t, nativeBase+"bogus: true\n")); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestLoadRateLimits(t *testing.T) {
	content := nativeBase + `
rateLimits:
  - id: reads
    requestsPerMinute: 120
    burst: 20
  - id: writes
    ratePerSecond: 5
    burst: 10
    defaultTokens: 1
    tokens:
      "POST /v1/borrow": 3
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.RateLimits[0].Rate(); got != 2 {
		t.Fatalf("expected 2 rps, got %v", got)
	}
	if cfg.RateLimits[1].Tokens["POST /v1/borrow"] != 3 {
		t.Fatalf("expected route tokens, got %+v", cfg.RateLimits[1].Tokens)
	}

	dup := nativeBase + `
rateLimits:
  - id: reads
    ratePerSecond: 1
  - id: reads
    ratePerSecond: 1
`
	if _, err := Load(writeConfig(t, dup)); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvHTTPListen, ":9999")
	t.Setenv(EnvAuthSecret, "from-env")
	t.Setenv(EnvKeeperEnable, "true")
	content := nativeBase + `
keeper:
  liquidator: "0x00000000000000000000000000000000000000AA"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.ListenAddress != ":9999" || cfg.Auth.HMACSecret != "from-env" {
		t.Fatalf("expected env overrides, got %+v / %+v", cfg.HTTP, cfg.Auth)
	}
	if !cfg.Keeper.Enabled || cfg.Keeper.Liquidator != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("unexpected keeper config %+v", cfg.Keeper)
	}

	t.Setenv(EnvKeeperEnable, "maybe")
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatal("expected invalid bool to fail")
	}
}

func TestLoadKeeperRequiresLiquidator(t *testing.T) {
	content := nativeBase + `
keeper:
  enabled: true
`
	if _, err := Load(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "liquidator") {
		t.Fatalf("expected liquidator error, got %v", err)
	}
}

func TestLoadChainMode(t *testing.T) {
	content := `
auth:
  enabled: false
engine:
  mode: chain
  chain:
    endpoint: http://127.0.0.1:8545
    keystore: /tmp/key.json
    bank: "0x00000000000000000000000000000000000000b0"
    router: "0x00000000000000000000000000000000000000c0"
    markets:
      - currency0: "0x0000000000000000000000000000000000000010"
        currency1: "0x0000000000000000000000000000000000000020"
        fee: 3000
        tickSpacing: 60
        hooks: "0x00000000000000000000000000000000000000b0"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Chain.PassphraseEnv != "BANKD_KEYSTORE_PASSPHRASE" {
		t.Fatalf("unexpected passphrase env %q", cfg.Engine.Chain.PassphraseEnv)
	}

	missingHooks := strings.Replace(content, `        hooks: "0x00000000000000000000000000000000000000b0"`+"\n", "", 1)
	if _, err := Load(writeConfig(t, missingHooks)); err == nil {
		t.Fatal("expected chain market without hooks to fail")
	}
}

func TestLoadNativeBackend(t *testing.T) {
	content := strings.Replace(nativeBase, "  native:\n", "  native:\n    dataDir: /var/lib/bankd\n    backend: Bolt\n", 1)
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Native.Backend != BackendBolt {
		t.Fatalf("expected bolt backend, got %q", cfg.Engine.Native.Backend)
	}

	content = strings.Replace(nativeBase, "  native:\n", "  native:\n    dataDir: /var/lib/bankd\n    backend: rocks\n", 1)
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatal("expected unknown backend to fail")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	content := strings.Replace(nativeBase, "mode: native", "mode: hybrid", 1)
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}

func TestGRPCValidation(t *testing.T) {
	tokenAuth := GRPCAuthConfig{
		APITokens: []string{"t"},
		Accounts:  map[string][]string{"t": {"0x0000000000000000000000000000000000001111"}},
	}
	cnAuth := GRPCAuthConfig{
		MTLS:     MTLSAuthConfig{AllowedCommonNames: []string{"keeper"}},
		Accounts: map[string][]string{"keeper": {"*"}},
	}
	tests := []struct {
		name    string
		cfg     GRPCConfig
		wantErr bool
	}{
		{"insecure with token", GRPCConfig{TLS: TLSConfig{AllowInsecure: true}, Auth: tokenAuth}, false},
		{"no tls", GRPCConfig{Auth: tokenAuth}, true},
		{"cert without key", GRPCConfig{TLS: TLSConfig{CertPath: "c"}, Auth: tokenAuth}, true},
		{"no authenticators", GRPCConfig{TLS: TLSConfig{AllowInsecure: true}}, true},
		{"mtls without ca", GRPCConfig{TLS: TLSConfig{CertPath: "c", KeyPath: "k"}, Auth: cnAuth}, true},
		{"mtls", GRPCConfig{TLS: TLSConfig{CertPath: "c", KeyPath: "k", ClientCAPath: "ca"}, Auth: cnAuth}, false},
		{"unbound token", GRPCConfig{TLS: TLSConfig{AllowInsecure: true}, Auth: GRPCAuthConfig{APITokens: []string{"t"}}}, true},
		{"binding for unknown credential", GRPCConfig{TLS: TLSConfig{AllowInsecure: true}, Auth: GRPCAuthConfig{
			APITokens: []string{"t"},
			Accounts:  map[string][]string{"t": {"*"}, "other": {"*"}},
		}}, true},
		{"binding with bad address", GRPCConfig{TLS: TLSConfig{AllowInsecure: true}, Auth: GRPCAuthConfig{
			APITokens: []string{"t"},
			Accounts:  map[string][]string{"t": {"alice"}},
		}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("bankd.example.yaml")
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Engine.Native.Backend != BackendBolt || cfg.HTTP.MaxConnections != 512 {
		t.Fatalf("unexpected example config: %+v / %+v", cfg.Engine.Native, cfg.HTTP)
	}
	if len(cfg.RateLimits) != 3 || !cfg.GRPC.Enabled || !cfg.Keeper.Enabled {
		t.Fatalf("expected every section to be populated: %+v", cfg)
	}
}

func TestLoadExampleConfigBindsGRPCCredentials(t *testing.T) {
	cfg, err := Load("bankd.example.yaml")
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	for _, token := range cfg.GRPC.Auth.APITokens {
		if len(cfg.GRPC.Auth.Accounts[token]) == 0 {
			t.Fatalf("api token %q has no account binding", token)
		}
	}
}
