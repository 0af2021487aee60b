package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAndMergeEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "multi.json")
	if err := os.WriteFile(p, []byte(`{
  "restart": true,
  "restartDelay": "3s",
  "instances": [
    {
      "name": "newsus",
      "channelId": 1,
      "args": ["-channel-id=1","-primary-addr=:5004","-diagfs-mount=/data/newsus/diag"],
      "env": {"VQEC_DP_CP_URL":"http://controlplane-newsus:5004","TZ":"UTC"}
    }
  ]
}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig err=%v", err)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].Name != "newsus" || cfg.Instances[0].ChannelID != 1 {
		t.Fatalf("unexpected instances: %+v", cfg.Instances)
	}
	if got := cfg.RestartDelay.Duration(0).String(); got != "3s" {
		t.Fatalf("restartDelay=%s want 3s", got)
	}
	env := mergedEnv([]string{"A=1", "TZ=America/Chicago"}, map[string]string{"TZ": "UTC", "B": "2"})
	want := map[string]string{"A": "1", "TZ": "UTC", "B": "2"}
	for _, kv := range env {
		k, v, ok := splitEnvKV(kv)
		if !ok {
			continue
		}
		if wantV, ok := want[k]; ok && v != wantV {
			t.Fatalf("%s=%s want %s", k, v, wantV)
		}
	}
}

func TestLoadConfigRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "dup.json")
	if err := os.WriteFile(p, []byte(`{"instances":[{"name":"x","channelId":1,"args":["-channel-id=1"]},{"name":"x","channelId":2,"args":["-channel-id=2"]}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(p); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestLoadConfigRejectsDuplicateChannelID(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "dupchan.json")
	if err := os.WriteFile(p, []byte(`{"instances":[{"name":"a","channelId":1,"args":["-channel-id=1"]},{"name":"b","channelId":1,"args":["-channel-id=1"]}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(p); err == nil {
		t.Fatal("expected duplicate channelId error")
	}
}

func TestMergedEnvStripsParentControlPlaneEnvForChildren(t *testing.T) {
	base := []string{
		"A=1",
		"VQEC_DP_CP_URL=http://controlplane:9000",
		"VQEC_DP_CP_TOKEN=secret",
		"TZ=UTC",
	}
	out := mergedEnv(base, map[string]string{
		"VQEC_DP_MAX_CHANNELS": "4",
		"TZ":                   "America/Regina",
	})
	got := map[string]string{}
	for _, kv := range out {
		k, v, ok := splitEnvKV(kv)
		if ok {
			got[k] = v
		}
	}
	if _, ok := got["VQEC_DP_CP_URL"]; ok {
		t.Fatalf("control-plane url should not be inherited by children: %+v", got)
	}
	if _, ok := got["VQEC_DP_CP_TOKEN"]; ok {
		t.Fatalf("control-plane token should not be inherited by children: %+v", got)
	}
	if got["A"] != "1" || got["VQEC_DP_MAX_CHANNELS"] != "4" || got["TZ"] != "America/Regina" {
		t.Fatalf("unexpected merged env: %+v", got)
	}
}

func TestInstanceEnvStampsChannelIDAndGeneration(t *testing.T) {
	inst := Instance{ChannelID: 7, Env: map[string]string{"TZ": "UTC"}}
	env := instanceEnv(inst, 3)
	if env["VQEC_DP_CP_CHANNEL_ID"] != "7" {
		t.Fatalf("channel id = %q, want 7", env["VQEC_DP_CP_CHANNEL_ID"])
	}
	if env["VQEC_DP_CP_GENERATION"] != "3" {
		t.Fatalf("generation = %q, want 3", env["VQEC_DP_CP_GENERATION"])
	}
	if env["TZ"] != "UTC" {
		t.Fatalf("expected instance env to pass through, got %+v", env)
	}
}

func splitEnvKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
