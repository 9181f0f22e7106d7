package pool

import (
	"fmt"

	"github.com/oriys/pwproxy/internal/registry"
)

// buildArgs derives the npx @playwright/mcp argv for one instance from
// its effective (Instance>Pool>Global) configuration, per the
// subprocess command-line flag-mapping table.
func buildArgs(ic registry.InstanceConfig) []string {
	var args []string

	add := func(flag, val string) {
		if val != "" {
			args = append(args, flag, val)
		}
	}
	addFlag := func(flag string, on *bool) {
		if on != nil && *on {
			args = append(args, flag)
		}
	}

	add("--browser", ic.Browser)
	addFlag("--headless", ic.Headless)
	addFlag("--no-sandbox", ic.NoSandbox)
	add("--device", ic.Device)
	add("--viewport-size", ic.ViewportSize)
	addFlag("--isolated", ic.Isolated)
	add("--user-data-dir", ic.UserDataDir)
	add("--storage-state", ic.StorageState)
	add("--allowed-origins", ic.AllowedOrigins)
	add("--blocked-origins", ic.BlockedOrigins)
	add("--proxy-server", ic.ProxyServer)
	add("--caps", ic.Caps)
	addFlag("--save-session", ic.SaveSession)
	addFlag("--save-trace", ic.SaveTrace)
	add("--save-video", ic.SaveVideo)
	add("--output-dir", ic.OutputDir)
	add("--timeout-action", ic.TimeoutActionMs)
	add("--timeout-navigation", ic.TimeoutNavigationMs)
	add("--image-responses", ic.ImageResponses)
	add("--user-agent", ic.UserAgent)
	add("--init-script", ic.InitScript)
	addFlag("--ignore-https-errors", ic.IgnoreHTTPSErrors)
	addFlag("--extension", ic.Extension)
	add("--extension-token", ic.ExtensionToken)

	return args
}

func instanceKey(poolName string, id int) string {
	return fmt.Sprintf("%s-%d", poolName, id)
}
