package imports

import (
	"strings"

	"go.uber.org/zap"

	"privload/internal/plog"
	"privload/internal/winnt"
)

// APISetPrefix marks the Windows 7+ pseudo-DLL names.
const APISetPrefix = "api-ms-win-"

// fallbackHost is where an unknown API set most likely lives.
const fallbackHost = "kernelbase.dll"

// target is the host DLL an API-set contract resolves to.
type target interface {
	resolve(importer string, v winnt.Version) string
}

type fixed string

func (f fixed) resolve(string, winnt.Version) string { return string(f) }

// byImporter resolves to match when the importing module's name starts
// with prefix. kernel32 imports some contracts that name functions it
// implements itself; sending it to kernel32 would loop.
type byImporter struct {
	prefix, match, other string
}

func (b byImporter) resolve(importer string, _ winnt.Version) string {
	if hasPrefixFold(importer, b.prefix) {
		return b.match
	}
	return b.other
}

// byVersion resolves to atLeast on min and later, or when the importer
// starts with importerPrefix; otherwise to before.
type byVersion struct {
	min            winnt.Version
	importerPrefix string
	atLeast        string
	before         string
}

func (b byVersion) resolve(importer string, v winnt.Version) string {
	if v.AtLeast(b.min) || (b.importerPrefix != "" && hasPrefixFold(importer, b.importerPrefix)) {
		return b.atLeast
	}
	return b.before
}

var (
	kernel32   = fixed("kernel32.dll")
	kernelbase = fixed("kernelbase.dll")
	ntdll      = fixed("ntdll.dll")
	sechost    = fixed("sechost.dll")

	kernel32ToKernelbase = byImporter{prefix: "kernel32", match: "kernelbase.dll", other: "kernel32.dll"}
)

// apiSetContracts maps lower-case contract prefixes, without the
// version suffix, to their host.
var apiSetContracts = map[string]target{
	"api-ms-win-core-apiquery-l1":           ntdll,
	"api-ms-win-core-console-l1":            kernel32,
	"api-ms-win-core-datetime-l1":           kernel32,
	"api-ms-win-core-delayload-l1":          kernel32,
	"api-ms-win-core-debug-l1":              kernelbase,
	"api-ms-win-core-errorhandling-l1":      kernel32ToKernelbase,
	"api-ms-win-core-fibers-l1":             kernelbase,
	"api-ms-win-core-file-l1":               kernelbase,
	"api-ms-win-core-handle-l1":             kernelbase,
	"api-ms-win-core-heap-l1":               kernelbase,
	"api-ms-win-core-interlocked-l1":        kernelbase,
	"api-ms-win-core-io-l1":                 kernelbase,
	"api-ms-win-core-localization-l1":       kernelbase,
	"api-ms-win-core-localregistry-l1":      kernel32,
	"api-ms-win-core-libraryloader-l1":      kernelbase,
	"api-ms-win-core-memory-l1":             kernelbase,
	"api-ms-win-core-misc-l1":               kernelbase,
	"api-ms-win-core-namedpipe-l1":          kernelbase,
	"api-ms-win-core-processenvironment-l1": kernelbase,
	"api-ms-win-core-processthreads-l1":     kernel32ToKernelbase,
	"api-ms-win-core-profile-l1":            kernelbase,
	"api-ms-win-core-rtlsupport-l1": byVersion{
		min:            winnt.Windows8,
		importerPrefix: "kernel",
		atLeast:        "ntdll.dll",
		before:         "kernel32.dll",
	},
	"api-ms-win-core-string-l1":        kernelbase,
	"api-ms-win-core-synch-l1":         kernelbase,
	"api-ms-win-core-sysinfo-l1":       kernelbase,
	"api-ms-win-core-threadpool-l1":    kernelbase,
	"api-ms-win-core-xstate-l1":        ntdll,
	"api-ms-win-core-util-l1":          kernelbase,
	"api-ms-win-security-base-l1":      kernelbase,
	"api-ms-win-security-lsalookup-l1": sechost,
	"api-ms-win-security-sddl-l1":      sechost,
	"api-ms-win-service-core-l1":       sechost,
	"api-ms-win-service-management-l1": sechost,
	"api-ms-win-service-management-l2": sechost,
	"api-ms-win-service-winsvc-l1":     sechost,

	// Windows 8
	"api-ms-win-core-kernel32-legacy-l1":       kernel32,
	"api-ms-win-core-appcompat-l1":             kernelbase,
	"api-ms-win-core-bem-l1":                   kernelbase,
	"api-ms-win-core-comm-l1":                  kernelbase,
	"api-ms-win-core-console-l2-1":             kernelbase,
	"api-ms-win-core-file-l2":                  kernelbase,
	"api-ms-win-core-job-l1":                   kernelbase,
	"api-ms-win-core-localization-l2":          kernelbase,
	"api-ms-win-core-localization-private-l1":  kernelbase,
	"api-ms-win-core-namespace-l1":             kernelbase,
	"api-ms-win-core-normalization-l1":         kernelbase,
	"api-ms-win-core-processtopology-l1":       kernelbase,
	"api-ms-win-core-psapi-l1":                 kernelbase,
	"api-ms-win-core-psapi-ansi-l1":            kernelbase,
	"api-ms-win-core-realtime-l1":              kernelbase,
	"api-ms-win-core-registry-l1":              kernelbase,
	"api-ms-win-core-sidebyside-l1":            kernelbase,
	"api-ms-win-core-string-obsolete-l1":       kernelbase,
	"api-ms-win-core-systemtopology-l1":        kernelbase,
	"api-ms-win-core-threadpool-legacy-l1":     kernelbase,
	"api-ms-win-core-threadpool-private-l1":    kernelbase,
	"api-ms-win-core-url-l1":                   kernelbase,
	"api-ms-win-core-version-l1":               kernelbase,
	"api-ms-win-core-versionansi-l1":           kernelbase,
	"api-ms-win-core-wow64-l1":                 kernelbase,
	"api-ms-win-core-heap-obsolete-l1":         kernel32,
	"api-ms-win-core-privateprofile-l1":        kernel32,
	"api-ms-win-core-atoms-l1":                 kernel32,
	"api-ms-win-core-kernel32-private-l1":      kernel32,
	"api-ms-win-core-largeinteger-l1":          kernelbase,
	"api-ms-win-core-libraryloader-private-l1": kernelbase,
	"api-ms-win-core-quirks-l1":                kernelbase,
	"api-ms-win-core-shlwapi-legacy-l1":        kernelbase,
	"api-ms-win-core-shlwapi-obsolete-l1":      kernelbase,
	"api-ms-win-core-shutdown-l1":              kernelbase,
	"api-ms-win-core-timezone-l1":              kernelbase,
	"api-ms-win-core-windowserrorreporting-l1": kernelbase,
	"api-ms-win-core-winrt-error-l1":           kernelbase,
	"api-ms-win-eventing-classicprovider-l1":   kernelbase,
	"api-ms-win-eventing-provider-l1":          kernelbase,
	"api-ms-win-security-appcontainer-l1":      kernelbase,
	"api-ms-win-security-lsapolicy-l1":         sechost,
	"api-ms-win-security-provider-l1":          sechost,
	"api-ms-win-service-private-l1":            sechost,
}

// APISet resolves API-set contract names to host DLL names. Resolution
// is a pure function of (name, importer, version).
type APISet struct {
	contracts map[string]target
}

func NewAPISet() *APISet {
	return &APISet{contracts: apiSetContracts}
}

// IsAPISet reports whether name is an API-set contract name.
func IsAPISet(name string) bool {
	return hasPrefixFold(name, APISetPrefix)
}

// Resolve returns the host DLL for the contract name imported by
// importer. The longest known prefix ending at a '-' boundary wins.
func (a *APISet) Resolve(name, importer string, v winnt.Version) string {
	key := strings.TrimSuffix(strings.ToLower(name), ".dll")
	for {
		if t, ok := a.contracts[key]; ok {
			return t.resolve(importer, v)
		}
		i := strings.LastIndexByte(key, '-')
		if i <= len(APISetPrefix) {
			break
		}
		key = key[:i]
	}
	plog.Logger().Warn("unknown API set", zap.String("name", name), zap.String("importer", importer))
	return fallbackHost
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
