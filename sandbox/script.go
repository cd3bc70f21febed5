package sandbox

import (
	_ "embed"
	"encoding/json"
	"net/url"
	"strings"

	polaris "github.com/aelish/polaris"
)

//go:embed bridge.js
var bridgeSource string

// postludeSource runs after user code completes. Without it the bridge's
// pending stdin read keeps the event loop alive and the process never
// exits.
const postludeSource = "\nDeno.exit(0);\n"

// buildScript concatenates the script delivered to the subprocess:
// bridge preamble, generated tool stubs, credential constants, user code.
func buildScript(req polaris.ExecRequest) string {
	var b strings.Builder
	b.WriteString(bridgeSource)
	b.WriteString("\n")
	b.WriteString(req.Stubs)
	b.WriteString("\n")
	b.WriteString(credentialConstants(req.Context))
	b.WriteString(req.Code)
	b.WriteString(postludeSource)
	return b.String()
}

// credentialConstants renders the BSKY_* declarations when Bluesky
// credentials are present; empty otherwise. Values are JSON-escaped.
func credentialConstants(ec *polaris.ExecContext) string {
	if ec == nil || ec.Bluesky == nil {
		return ""
	}
	c := ec.Bluesky
	var b strings.Builder
	writeConst := func(name, value string) {
		data, _ := json.Marshal(value)
		b.WriteString("const ")
		b.WriteString(name)
		b.WriteString(" = ")
		b.Write(data)
		b.WriteString(";\n")
	}
	writeConst("BSKY_IDENTIFIER", c.Identifier)
	writeConst("BSKY_PASSWORD", c.Password)
	writeConst("BSKY_PDS_URL", c.PDSURL)
	writeConst("BSKY_DID", c.DID)
	writeConst("BSKY_SERVICE", c.Service)
	return b.String()
}

// permissionArgs builds the deno run invocation for the configured grid.
// Env, FFI, and sys access are never granted; --no-prompt turns denials
// into catchable exceptions instead of interactive prompts.
func (e *Executor) permissionArgs(ec *polaris.ExecContext) []string {
	args := []string{"run", "--quiet", "--no-prompt"}

	reads := append([]string{e.workDir()}, e.cfg.allowedReadPaths...)
	args = append(args, "--allow-read="+strings.Join(reads, ","))
	args = append(args, "--allow-write="+e.workDir())

	hosts := e.cfg.allowedHosts
	if ec != nil && ec.Bluesky != nil && ec.Bluesky.PDSURL != "" {
		if u, err := url.Parse(ec.Bluesky.PDSURL); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	if hosts = dedupe(hosts); len(hosts) > 0 {
		args = append(args, "--allow-net="+strings.Join(hosts, ","))
	}
	if len(e.cfg.allowedRun) > 0 {
		args = append(args, "--allow-run="+strings.Join(e.cfg.allowedRun, ","))
	}
	return args
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
