// Package registry parses the hierarchical PW_MCP_PROXY_ environment
// schema (plus an optional additive YAML layer) into a ConfigTree and
// validates it. The pools it describes are built by package fleet.
package registry

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/oriys/pwproxy/internal/errkind"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PW_MCP_PROXY_"

// poolOnlyKeys must never appear at the global stratum.
var poolOnlyKeys = map[string]struct{}{
	"INSTANCES":   {},
	"IS_DEFAULT":  {},
	"DESCRIPTION": {},
}

// instanceOnlyKeys must never appear at the global or pool stratum.
var instanceOnlyKeys = map[string]struct{}{
	"ALIAS": {},
}

var numericAliasPattern = regexp.MustCompile(`^\d+$`)
var poolNamePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// InstanceConfig holds one instance's effective browser-launch settings,
// after Instance>Pool>Global precedence has been applied.
type InstanceConfig struct {
	ID    int
	Alias string

	Browser            string
	Headless           *bool
	NoSandbox          *bool
	Device             string
	ViewportSize       string
	Isolated           *bool
	UserDataDir        string
	StorageState       string
	AllowedOrigins     string
	BlockedOrigins     string
	ProxyServer        string
	Caps               string
	SaveSession        *bool
	SaveTrace          *bool
	SaveVideo          string
	OutputDir          string
	TimeoutActionMs    string
	TimeoutNavigationMs string
	ImageResponses     string
	UserAgent          string
	InitScript         string
	IgnoreHTTPSErrors  *bool
	Extension          *bool
	ExtensionToken     string
	EnableStealth      *bool
}

// PoolConfig is one named pool: its instance count and per-instance
// overrides layered atop the pool and global strata.
type PoolConfig struct {
	Name        string
	IsDefault   bool
	Description string
	Instances   []InstanceConfig
}

// ConfigTree is the fully parsed, validated configuration: the Global
// stratum's raw key/value map plus every pool and its resolved instances.
type ConfigTree struct {
	Global map[string]string
	Pools  []PoolConfig

	BlobStorageRoot             string
	BlobMaxSizeMB               int
	BlobSizeThresholdKB         int
	BlobTTLHours                int
	BlobCleanupIntervalMinutes  int
}

type stratumValues struct {
	global map[string]string
	pool   map[string]map[string]string            // pool -> key -> value
	inst   map[string]map[int]map[string]string     // pool -> id -> key -> value
}

// Load builds a ConfigTree from the process environment (PW_MCP_PROXY_*)
// and, if PW_MCP_PROXY_CONFIG_FILE is set, an additive YAML layer applied
// on top of environment-scanned pool/instance definitions already present
// (a YAML key never introduces a pool the environment scan didn't see
// unless the YAML explicitly lists it under `pools:`).
func Load(environ []string) (*ConfigTree, error) {
	sv, err := scanEnviron(environ)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	if path := sv.global["CONFIG_FILE"]; path != "" {
		if err := applyYAMLFile(path, sv); err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
	}

	ct, err := build(sv)
	if err != nil {
		return nil, fmt.Errorf("registry: %w: %w", errkind.ErrConfig, err)
	}
	if err := ct.Validate(); err != nil {
		return nil, fmt.Errorf("registry: %w: %w", errkind.ErrConfig, err)
	}
	return ct, nil
}

func scanEnviron(environ []string) (*stratumValues, error) {
	sv := &stratumValues{
		global: map[string]string{},
		pool:   map[string]map[string]string{},
		inst:   map[string]map[int]map[string]string{},
	}

	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		rest := key[len(envPrefix):]

		if !strings.HasPrefix(rest, "_") {
			// Global stratum: PW_MCP_PROXY_<KEY>
			gk := rest
			if _, ok := poolOnlyKeys[gk]; ok {
				return nil, fmt.Errorf("%s is pool-only, cannot be set globally", gk)
			}
			if _, ok := instanceOnlyKeys[gk]; ok {
				return nil, fmt.Errorf("%s is instance-only, cannot be set globally", gk)
			}
			sv.global[gk] = val
			continue
		}

		// Pool or instance stratum: leading single underscore consumed
		// above by checking HasPrefix("_"); strip it then split on the
		// remaining "__" (double underscore) to tell pool from instance.
		rest = rest[1:] // drop the first underscore already detected

		poolAndRest := rest
		if idx := strings.Index(poolAndRest, "__"); idx >= 0 {
			// Instance stratum: <POOL>__<ID>_<KEY>
			poolName := poolAndRest[:idx]
			tail := poolAndRest[idx+2:]
			us := strings.IndexByte(tail, '_')
			if us < 0 {
				return nil, fmt.Errorf("malformed instance env var %q", key)
			}
			idStr, ik := tail[:us], tail[us+1:]
			id, err := strconv.Atoi(idStr)
			if err != nil {
				return nil, fmt.Errorf("instance id %q in %q is not a decimal integer", idStr, key)
			}
			if !poolNamePattern.MatchString(poolName) {
				return nil, fmt.Errorf("pool name %q in %q must be uppercase alphanumeric/underscore", poolName, key)
			}
			if ik == "INSTANCES" || ik == "IS_DEFAULT" || ik == "DESCRIPTION" {
				return nil, fmt.Errorf("%s is not valid at the instance stratum (%q)", ik, key)
			}
			if sv.inst[poolName] == nil {
				sv.inst[poolName] = map[int]map[string]string{}
			}
			if sv.inst[poolName][id] == nil {
				sv.inst[poolName][id] = map[string]string{}
			}
			sv.inst[poolName][id][ik] = val
			continue
		}

		// Pool stratum: <POOL>_<KEY>
		us := strings.IndexByte(poolAndRest, '_')
		if us < 0 {
			return nil, fmt.Errorf("malformed pool env var %q", key)
		}
		poolName, pk := poolAndRest[:us], poolAndRest[us+1:]
		if !poolNamePattern.MatchString(poolName) {
			return nil, fmt.Errorf("pool name %q in %q must be uppercase alphanumeric/underscore", poolName, key)
		}
		if pk == "ALIAS" {
			return nil, fmt.Errorf("ALIAS is instance-only, cannot be set on a pool (%q)", key)
		}
		if sv.pool[poolName] == nil {
			sv.pool[poolName] = map[string]string{}
		}
		sv.pool[poolName][pk] = val
	}

	return sv, nil
}

// yamlDoc mirrors the optional additive config file's shape.
type yamlDoc struct {
	Global map[string]string `yaml:"global"`
	Pools  map[string]struct {
		Values    map[string]string         `yaml:"values"`
		Instances map[string]map[string]string `yaml:"instances"`
	} `yaml:"pools"`
}

func applyYAMLFile(path string, sv *stratumValues) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}

	for k, v := range doc.Global {
		k = strings.ToUpper(k)
		if _, exists := sv.global[k]; !exists {
			sv.global[k] = v
		}
	}
	for poolName, p := range doc.Pools {
		poolName = strings.ToUpper(poolName)
		if sv.pool[poolName] == nil {
			sv.pool[poolName] = map[string]string{}
		}
		for k, v := range p.Values {
			k = strings.ToUpper(k)
			if _, exists := sv.pool[poolName][k]; !exists {
				sv.pool[poolName][k] = v
			}
		}
		for idStr, kvs := range p.Instances {
			id, err := strconv.Atoi(idStr)
			if err != nil {
				return fmt.Errorf("pool %q: instance key %q is not a decimal integer", poolName, idStr)
			}
			if sv.inst[poolName] == nil {
				sv.inst[poolName] = map[int]map[string]string{}
			}
			if sv.inst[poolName][id] == nil {
				sv.inst[poolName][id] = map[string]string{}
			}
			for k, v := range kvs {
				k = strings.ToUpper(k)
				if _, exists := sv.inst[poolName][id][k]; !exists {
					sv.inst[poolName][id][k] = v
				}
			}
		}
	}
	return nil
}

func build(sv *stratumValues) (*ConfigTree, error) {
	ct := &ConfigTree{Global: sv.global}

	ct.BlobStorageRoot = sv.global["BLOB_STORAGE_ROOT"]
	ct.BlobMaxSizeMB = atoiDefault(sv.global["BLOB_MAX_SIZE_MB"], 500)
	ct.BlobSizeThresholdKB = atoiDefault(sv.global["BLOB_SIZE_THRESHOLD_KB"], 50)
	ct.BlobTTLHours = atoiDefault(sv.global["BLOB_TTL_HOURS"], 24)
	ct.BlobCleanupIntervalMinutes = atoiDefault(sv.global["BLOB_CLEANUP_INTERVAL_MINUTES"], 60)

	poolNames := make([]string, 0, len(sv.pool)+len(sv.inst))
	seen := map[string]struct{}{}
	for name := range sv.pool {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			poolNames = append(poolNames, name)
		}
	}
	for name := range sv.inst {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			poolNames = append(poolNames, name)
		}
	}
	sort.Strings(poolNames)

	for _, name := range poolNames {
		poolVals := sv.pool[name]
		instCount := atoiDefault(poolVals["INSTANCES"], 0)

		pc := PoolConfig{
			Name:        name,
			IsDefault:   boolDefault(poolVals["IS_DEFAULT"], false),
			Description: poolVals["DESCRIPTION"],
		}

		if err := checkInstanceIDsInRange(name, sv.inst[name], instCount); err != nil {
			return nil, err
		}

		for id := 0; id < instCount; id++ {
			instVals := sv.inst[name][id]
			pc.Instances = append(pc.Instances, resolveInstance(sv.global, poolVals, instVals, id))
		}
		ct.Pools = append(ct.Pools, pc)
	}

	return ct, nil
}

// checkInstanceIDsInRange rejects any instance override whose id is not in
// [0, instCount) for its pool. This must run before build() narrows
// sv.inst[name] down to just the ids it iterates (0..instCount-1): an
// override for an id outside that range would otherwise be silently
// dropped rather than rejected.
func checkInstanceIDsInRange(poolName string, inst map[int]map[string]string, instCount int) error {
	ids := make([]int, 0, len(inst))
	for id := range inst {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if id < 0 || id >= instCount {
			return fmt.Errorf("pool %q: instance override id %d out of range [0,%d)", poolName, id, instCount)
		}
	}
	return nil
}

// resolveInstance applies Instance>Pool>Global precedence per key.
func resolveInstance(global, pool, inst map[string]string, id int) InstanceConfig {
	get := func(key string) string {
		if inst != nil {
			if v, ok := inst[key]; ok {
				return v
			}
		}
		if pool != nil {
			if v, ok := pool[key]; ok {
				return v
			}
		}
		return global[key]
	}
	getBool := func(key string) *bool {
		v := get(key)
		if v == "" {
			return nil
		}
		b := boolDefault(v, false)
		return &b
	}

	ic := InstanceConfig{
		ID:                  id,
		Alias:               inst["ALIAS"],
		Browser:             get("BROWSER"),
		Headless:            getBool("HEADLESS"),
		NoSandbox:           getBool("NO_SANDBOX"),
		Device:              get("DEVICE"),
		ViewportSize:        get("VIEWPORT_SIZE"),
		Isolated:            getBool("ISOLATED"),
		UserDataDir:         get("USER_DATA_DIR"),
		StorageState:        get("STORAGE_STATE"),
		AllowedOrigins:      get("ALLOWED_ORIGINS"),
		BlockedOrigins:      get("BLOCKED_ORIGINS"),
		ProxyServer:         get("PROXY_SERVER"),
		Caps:                get("CAPS"),
		SaveSession:         getBool("SAVE_SESSION"),
		SaveTrace:           getBool("SAVE_TRACE"),
		SaveVideo:           get("SAVE_VIDEO"),
		OutputDir:           get("OUTPUT_DIR"),
		TimeoutActionMs:     get("TIMEOUT_ACTION"),
		TimeoutNavigationMs: get("TIMEOUT_NAVIGATION"),
		ImageResponses:      get("IMAGE_RESPONSES"),
		UserAgent:           get("USER_AGENT"),
		InitScript:          get("INIT_SCRIPT"),
		IgnoreHTTPSErrors:   getBool("IGNORE_HTTPS_ERRORS"),
		Extension:           getBool("EXTENSION"),
		ExtensionToken:      get("EXTENSION_TOKEN"),
		EnableStealth:       getBool("ENABLE_STEALTH"),
	}

	applyStealthMacro(&ic)
	return ic
}

// applyStealthMacro implements the enable_stealth macro: if set, and
// the more specific fields were never overridden at any stratum, it
// fills in the stealth defaults.
func applyStealthMacro(ic *InstanceConfig) {
	if ic.EnableStealth == nil || !*ic.EnableStealth {
		return
	}
	if ic.InitScript == "" {
		ic.InitScript = "stealth.js"
	}
	if ic.Headless == nil {
		f := false
		ic.Headless = &f
	}
	if ic.UserAgent == "" {
		ic.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func boolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// Validate checks the configuration's invariants. It is run once at
// startup; failure is fatal (errkind.ErrConfig).
func (ct *ConfigTree) Validate() error {
	if len(ct.Pools) == 0 {
		return fmt.Errorf("no pools configured")
	}

	defaultCount := 0
	aliasesByPool := map[string]map[string]struct{}{}

	for _, p := range ct.Pools {
		if p.IsDefault {
			defaultCount++
		}
		if len(p.Instances) < 1 {
			return fmt.Errorf("pool %q declares fewer than 1 instance", p.Name)
		}
		aliasesByPool[p.Name] = map[string]struct{}{}
		for _, inst := range p.Instances {
			if inst.Alias == "" {
				continue
			}
			if numericAliasPattern.MatchString(inst.Alias) {
				return fmt.Errorf("pool %q: alias %q matches reserved numeric-id pattern", p.Name, inst.Alias)
			}
			if _, dup := aliasesByPool[p.Name][inst.Alias]; dup {
				return fmt.Errorf("pool %q: duplicate alias %q", p.Name, inst.Alias)
			}
			aliasesByPool[p.Name][inst.Alias] = struct{}{}
		}
	}

	if defaultCount != 1 {
		return fmt.Errorf("exactly one pool must have IS_DEFAULT=true, found %d", defaultCount)
	}

	return nil
}
