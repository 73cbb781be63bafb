package banner

import (
	"fmt"

	"patchcast/pkg/config"
)

const banner = `
██████╗  █████╗ ████████╗ ██████╗██╗  ██╗ ██████╗ █████╗ ███████╗████████╗
██╔══██╗██╔══██╗╚══██╔══╝██╔════╝██║  ██║██╔════╝██╔══██╗██╔════╝╚══██╔══╝
██████╔╝███████║   ██║   ██║     ███████║██║     ███████║███████╗   ██║
██╔═══╝ ██╔══██║   ██║   ██║     ██╔══██║██║     ██╔══██║╚════██║   ██║
██║     ██║  ██║   ██║   ╚██████╗██║  ██║╚██████╗██║  ██║███████║   ██║
╚═╝     ╚═╝  ╚═╝   ╚═╝    ╚═════╝╚═╝  ╚═╝ ╚═════╝╚═╝  ╚═╝╚══════╝   ╚═╝
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides richer context (config, addr, journal path, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	var addr = eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	var dbPath = eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Storage.DBPath
	}
	var src = eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("Journal:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config: %s\n", src)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/sessions/s1/patches' -d '{\"container\":\"chat\",\"action\":\"add\",\"body\":{\"author\":\"Alice\",\"content\":\"<p>hi</p>\"}}'")
	fmt.Println("curl 'http://<host>:<port>/v1/sessions/s1/snapshot'")
	fmt.Println("websocat 'ws://<host>:<port>/v1/sessions/s1/stream?from=1'")
	fmt.Println("\n== Production? =================================================")
	be := 0
	fe := 0
	ak := 0
	if eff.Config != nil {
		be = len(eff.Config.Security.APIKeys.Backend)
		fe = len(eff.Config.Security.APIKeys.Frontend)
		ak = len(eff.Config.Security.APIKeys.Admin)
	}
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", fe)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}

	// TLS
	tlsOK := false
	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		tlsOK = true
	}
	if tlsOK {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	// journal path
	if dbPath != "" {
		fmt.Printf("- Journal path: %s\n", dbPath)
	} else {
		fmt.Println("- Journal path: not set (use --db or PATCHCAST_DB_PATH)")
	}

	// retention
	retEnabled := false
	retInfo := ""
	if eff.Config != nil {
		retEnabled = eff.Config.Retention.Enabled
		if retEnabled && eff.Config.Retention.Cron != "" {
			retInfo = "cron=" + eff.Config.Retention.Cron
		}
	}
	if retEnabled {
		if retInfo != "" {
			fmt.Printf("- Retention: enabled (%s)\n", retInfo)
		} else {
			fmt.Println("- Retention: enabled")
		}
	} else {
		fmt.Println("- Retention: disabled")
	}

	fmt.Println("\n== Logs: =================================================")
}
