package bridgecfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meowcat-dev/qtbridge/pkg/forward"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
qq:
    url: ws://127.0.0.1:6700
telegram:
    token: "123:abc"
bridge:
    routes:
        - qq_conversation: "111"
          tg_chat: "-100"
          tg_topic: "5"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Host != "api.telegram.org" {
		t.Errorf("host default = %q", cfg.Telegram.Host)
	}
	if cfg.Bridge.MaxSendAttempts != 5 || cfg.Bridge.MaxDownloadAttempts != 3 {
		t.Errorf("retry defaults = %d/%d", cfg.Bridge.MaxSendAttempts, cfg.Bridge.MaxDownloadAttempts)
	}
	if !*cfg.Bridge.EnableRetryQueue || !*cfg.Bridge.EnableMiniAppParsing {
		t.Error("boolean defaults should be enabled")
	}
	if cfg.Bridge.UserRefreshSeconds != 600 {
		t.Errorf("user refresh default = %d", cfg.Bridge.UserRefreshSeconds)
	}

	routes := cfg.Routes()
	if len(routes) != 1 {
		t.Fatalf("routes = %+v", routes)
	}
	r := routes[0]
	if r.Mode != forward.ModeTopic || r.TGConversation() != "-100:5" {
		t.Errorf("route conversion wrong: %+v", r)
	}
	if !r.ShowSenderQQToTG || !r.ShowSenderTGToQQ {
		t.Error("sender headers should default on")
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"missing qq url", strings.Replace(minimalConfig, "url: ws://127.0.0.1:6700", `url: ""`, 1), "qq.url"},
		{"missing token", strings.Replace(minimalConfig, `token: "123:abc"`, `token: ""`, 1), "telegram.token"},
		{"no routes", strings.Split(minimalConfig, "bridge:")[0] + "bridge:\n    routes: []\n", "routes"},
		{"bad kind", strings.Replace(minimalConfig, `tg_chat: "-100"`, "tg_chat: \"-100\"\n          qq_kind: channel", 1), "qq_kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestExampleConfigParses(t *testing.T) {
	cfg, err := Load(writeConfig(t, ExampleConfig))
	if err != nil {
		t.Fatalf("example config must load: %v", err)
	}
	if _, err := cfg.CompileLogger(); err != nil {
		t.Fatalf("example logging block must compile: %v", err)
	}
}

func TestCompileLoggerDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	log, err := cfg.CompileLogger()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if log == nil {
		t.Fatal("nil logger")
	}
}
