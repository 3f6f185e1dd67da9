package policy

import (
	_ "embed"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed netcmds.yaml
var netcmdsYAML []byte

// commandTable is the versioned classification of network-capable commands.
type commandTable struct {
	Version               int                `yaml:"version"`
	NetworkCommands       []string           `yaml:"network_commands"`
	GitNetworkSubcommands []string           `yaml:"git_network_subcommands"`
	PackageManagers       map[string]pmEntry `yaml:"package_managers"`
}

type pmEntry struct {
	Network []string `yaml:"network"`
	Local   []string `yaml:"local"`
}

var (
	tableOnce sync.Once
	table     commandTable
	tableErr  error
)

func loadTable() commandTable {
	tableOnce.Do(func() {
		tableErr = yaml.Unmarshal(netcmdsYAML, &table)
	})
	if tableErr != nil {
		// The table is embedded; a parse failure is a build defect.
		panic(fmt.Sprintf("policy: invalid embedded command table: %v", tableErr))
	}
	return table
}

var urlSchemes = map[string]bool{
	"http": true, "https": true, "ws": true, "wss": true, "ftp": true, "ssh": true,
}

// Denial describes a policy violation found in an inspected command.
type Denial struct {
	Command string
	Host    string
	Reason  string
}

func (d *Denial) Error() string { return d.Reason }

// Enforce inspects a shell command under the given access. It returns nil
// when the command is permitted, or a Denial describing the violation.
// trustedHosts is the server-configured trusted host pack.
//
// Tokenization is deliberately simple: whitespace splitting with no shell
// parsing. Heredocs, subshells, and variable expansion are known blind
// spots.
func Enforce(command string, access Access, trustedHosts []string) *Denial {
	hosts := ExtractHosts(command)
	networkBearing := len(hosts) > 0 || isNetworkCommand(command)
	if !networkBearing {
		return nil
	}

	switch access.Network {
	case NetNone:
		host := firstHost(hosts)
		reason := "network access is disabled"
		if host != "" {
			reason = fmt.Sprintf("network access is disabled; command targets %s", host)
		}
		return &Denial{Command: command, Host: host, Reason: reason}

	case NetLocalhost:
		for _, h := range hosts {
			if !IsLoopback(NormalizeHost(h)) {
				return &Denial{
					Command: command,
					Host:    NormalizeHost(h),
					Reason:  fmt.Sprintf("network access is limited to localhost; command targets %s", NormalizeHost(h)),
				}
			}
		}
		if len(hosts) == 0 {
			return &Denial{
				Command: command,
				Reason:  "network access is limited to localhost; command may reach external hosts",
			}
		}
		return nil

	case NetAllowlist, NetTrusted:
		for _, h := range hosts {
			if !HostAllowed(h, access, trustedHosts) {
				return &Denial{
					Command: command,
					Host:    NormalizeHost(h),
					Reason:  fmt.Sprintf("host %s is not in the allowed set", NormalizeHost(h)),
				}
			}
		}
		if len(hosts) == 0 {
			return &Denial{
				Command: command,
				Reason:  "command may reach hosts outside the allowed set",
			}
		}
		return nil
	}
	return nil
}

// ExtractHosts returns candidate network targets found in a shell command:
// URLs, scp-style user@host:path forms, host:port tokens, and the first
// non-option argument of known network commands.
func ExtractHosts(command string) []string {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return nil
	}

	var hosts []string
	seen := map[string]bool{}
	add := func(h string) {
		h = NormalizeHost(h)
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}

	for _, tok := range tokens {
		if h := hostFromURL(tok); h != "" {
			add(h)
			continue
		}
		if h := hostFromSCP(tok); h != "" {
			add(h)
			continue
		}
		if h := hostFromHostPort(tok); h != "" {
			add(h)
		}
	}

	// The first plausible argument of a network command is a target even
	// without a scheme (curl example.com, ssh box1). Only consulted when
	// the token scan found nothing, so option values do not masquerade as
	// hosts.
	if len(hosts) == 0 {
		if arg := networkCommandTarget(tokens); arg != "" {
			if h := hostFromURL(arg); h != "" {
				add(h)
			} else if h := hostFromSCP(arg); h != "" {
				add(h)
			} else if looksLikeHost(arg) {
				add(arg)
			}
		}
	}
	return hosts
}

// isNetworkCommand reports whether the command invokes a known
// network-capable binary in a network-bearing way, independent of whether
// a concrete host could be extracted.
func isNetworkCommand(command string) bool {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return false
	}
	t := loadTable()
	name := path.Base(tokens[0])

	for _, c := range t.NetworkCommands {
		if name == c {
			return true
		}
	}
	if name == "git" {
		sub := firstNonOption(tokens[1:])
		for _, s := range t.GitNetworkSubcommands {
			if sub == s {
				return true
			}
		}
		return false
	}
	if pm, ok := t.PackageManagers[name]; ok {
		sub := firstNonOption(tokens[1:])
		for _, s := range pm.Local {
			if sub == s {
				return false
			}
		}
		for _, s := range pm.Network {
			if sub == s {
				return true
			}
		}
		return false
	}
	return false
}

// networkCommandTarget returns the first plausible target argument
// following a known network command, or "" when the command is not one.
func networkCommandTarget(tokens []string) string {
	t := loadTable()
	name := path.Base(tokens[0])
	for _, c := range t.NetworkCommands {
		if name == c {
			return firstTargetArg(tokens[1:])
		}
	}
	if name == "git" {
		sub := firstNonOption(tokens[1:])
		for _, s := range t.GitNetworkSubcommands {
			if sub == s {
				rest := tokens[1:]
				for i, tok := range rest {
					if tok == sub {
						return firstTargetArg(rest[i+1:])
					}
				}
			}
		}
	}
	return ""
}

func firstNonOption(tokens []string) string {
	for _, tok := range tokens {
		if !strings.HasPrefix(tok, "-") {
			return tok
		}
	}
	return ""
}

// firstTargetArg skips option flags and bare numbers (option values like
// port counts) to find a plausible host argument.
func firstTargetArg(tokens []string) string {
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "-") || isDigits(tok) {
			continue
		}
		return tok
	}
	return ""
}

func hostFromURL(tok string) string {
	idx := strings.Index(tok, "://")
	if idx <= 0 {
		return ""
	}
	scheme := strings.ToLower(tok[:idx])
	if !urlSchemes[scheme] {
		return ""
	}
	u, err := url.Parse(tok)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	return host
}

// hostFromSCP recognizes user@host:path and host:path scp forms.
func hostFromSCP(tok string) string {
	at := strings.Index(tok, "@")
	if at <= 0 {
		return ""
	}
	rest := tok[at+1:]
	colon := strings.Index(rest, ":")
	if colon <= 0 {
		return ""
	}
	host := rest[:colon]
	if looksLikeHost(host) {
		return host
	}
	return ""
}

// hostFromHostPort recognizes bare host:port tokens.
func hostFromHostPort(tok string) string {
	colon := strings.LastIndex(tok, ":")
	if colon <= 0 || colon == len(tok)-1 {
		return ""
	}
	host, port := tok[:colon], tok[colon+1:]
	if !isDigits(port) {
		return ""
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host
	}
	if looksLikeHost(host) {
		return host
	}
	return ""
}

// looksLikeHost is a conservative filter: a dotted name or IP, or a short
// alphanumeric name with no path separators.
func looksLikeHost(tok string) bool {
	if tok == "" || strings.ContainsAny(tok, "/\\=$'\"`(){}|;<>") {
		return false
	}
	if strings.HasPrefix(tok, "-") || strings.HasPrefix(tok, ".") {
		return false
	}
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_', r == ':':
		default:
			return false
		}
	}
	return true
}

func firstHost(hosts []string) string {
	if len(hosts) == 0 {
		return ""
	}
	return hosts[0]
}
