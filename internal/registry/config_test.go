package registry

import (
	"errors"
	"testing"

	"github.com/oriys/pwproxy/internal/errkind"
)

func baseEnviron() []string {
	return []string{
		"PW_MCP_PROXY__DEFAULT_INSTANCES=2",
		"PW_MCP_PROXY__DEFAULT_IS_DEFAULT=true",
		"PW_MCP_PROXY__DEFAULT_BROWSER=chromium",
		"PW_MCP_PROXY__DEFAULT__0_ALIAS=primary",
		"PW_MCP_PROXY__DEFAULT__1_HEADLESS=false",
		"PW_MCP_PROXY_BLOB_STORAGE_ROOT=/var/lib/pwproxy/blobs",
	}
}

func TestLoadBasicPool(t *testing.T) {
	ct, err := Load(baseEnviron())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ct.Pools) != 1 {
		t.Fatalf("Pools = %d, want 1", len(ct.Pools))
	}
	p := ct.Pools[0]
	if p.Name != "DEFAULT" || !p.IsDefault {
		t.Fatalf("pool = %+v", p)
	}
	if len(p.Instances) != 2 {
		t.Fatalf("Instances = %d, want 2", len(p.Instances))
	}
	if p.Instances[0].Alias != "primary" {
		t.Fatalf("Instances[0].Alias = %q", p.Instances[0].Alias)
	}
	if p.Instances[0].Browser != "chromium" {
		t.Fatalf("Instances[0].Browser (inherited) = %q", p.Instances[0].Browser)
	}
	if ct.BlobStorageRoot != "/var/lib/pwproxy/blobs" {
		t.Fatalf("BlobStorageRoot = %q", ct.BlobStorageRoot)
	}
}

func TestInstanceOverridesPool(t *testing.T) {
	environ := append(baseEnviron(), "PW_MCP_PROXY__DEFAULT__1_BROWSER=firefox")
	ct, err := Load(environ)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ct.Pools[0].Instances[1].Browser != "firefox" {
		t.Fatalf("instance override did not win: %+v", ct.Pools[0].Instances[1])
	}
	if ct.Pools[0].Instances[0].Browser != "chromium" {
		t.Fatalf("unrelated instance should keep pool value: %+v", ct.Pools[0].Instances[0])
	}
}

func TestGlobalInstancesIsFatal(t *testing.T) {
	environ := []string{"PW_MCP_PROXY_INSTANCES=2"}
	_, err := Load(environ)
	if err == nil {
		t.Fatal("expected error for global INSTANCES assignment")
	}
}

func TestGlobalAliasIsFatal(t *testing.T) {
	environ := []string{"PW_MCP_PROXY_ALIAS=foo"}
	_, err := Load(environ)
	if err == nil {
		t.Fatal("expected error for global ALIAS assignment")
	}
}

func TestPoolAliasIsFatal(t *testing.T) {
	environ := append(baseEnviron(), "PW_MCP_PROXY__DEFAULT_ALIAS=foo")
	_, err := Load(environ)
	if err == nil {
		t.Fatal("expected error for pool-stratum ALIAS assignment")
	}
}

func TestInstanceOverrideOutOfRangeIsFatal(t *testing.T) {
	environ := append(baseEnviron(), "PW_MCP_PROXY__DEFAULT__5_BROWSER=chromium")
	_, err := Load(environ)
	if err == nil {
		t.Fatal("expected error for instance override id 5 with INSTANCES=2")
	}
	if !errors.Is(err, errkind.ErrConfig) {
		t.Fatalf("err = %v, want wrapped errkind.ErrConfig", err)
	}
}

func TestValidateExactlyOneDefault(t *testing.T) {
	environ := []string{
		"PW_MCP_PROXY__A_INSTANCES=1",
		"PW_MCP_PROXY__A_IS_DEFAULT=true",
		"PW_MCP_PROXY__B_INSTANCES=1",
		"PW_MCP_PROXY__B_IS_DEFAULT=true",
	}
	_, err := Load(environ)
	if !errors.Is(err, errkind.ErrConfig) {
		t.Fatalf("Load(two defaults) = %v, want ErrConfig", err)
	}
}

func TestValidateNoDefaultIsFatal(t *testing.T) {
	environ := []string{
		"PW_MCP_PROXY__A_INSTANCES=1",
	}
	_, err := Load(environ)
	if !errors.Is(err, errkind.ErrConfig) {
		t.Fatalf("Load(no default) = %v, want ErrConfig", err)
	}
}

func TestValidateNumericAliasRejected(t *testing.T) {
	environ := []string{
		"PW_MCP_PROXY__A_INSTANCES=1",
		"PW_MCP_PROXY__A_IS_DEFAULT=true",
		"PW_MCP_PROXY__A__0_ALIAS=123",
	}
	_, err := Load(environ)
	if !errors.Is(err, errkind.ErrConfig) {
		t.Fatalf("Load(numeric alias) = %v, want ErrConfig", err)
	}
}

func TestValidateDuplicateAliasRejected(t *testing.T) {
	environ := []string{
		"PW_MCP_PROXY__A_INSTANCES=2",
		"PW_MCP_PROXY__A_IS_DEFAULT=true",
		"PW_MCP_PROXY__A__0_ALIAS=dup",
		"PW_MCP_PROXY__A__1_ALIAS=dup",
	}
	_, err := Load(environ)
	if !errors.Is(err, errkind.ErrConfig) {
		t.Fatalf("Load(duplicate alias) = %v, want ErrConfig", err)
	}
}

func TestStealthMacroFillsDefaults(t *testing.T) {
	environ := []string{
		"PW_MCP_PROXY__A_INSTANCES=1",
		"PW_MCP_PROXY__A_IS_DEFAULT=true",
		"PW_MCP_PROXY__A__0_ENABLE_STEALTH=true",
	}
	ct, err := Load(environ)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	inst := ct.Pools[0].Instances[0]
	if inst.InitScript == "" {
		t.Fatal("expected stealth macro to set InitScript")
	}
	if inst.Headless == nil || *inst.Headless {
		t.Fatal("expected stealth macro to set Headless=false")
	}
}

func TestStealthMacroDoesNotOverrideExplicitSetting(t *testing.T) {
	environ := []string{
		"PW_MCP_PROXY__A_INSTANCES=1",
		"PW_MCP_PROXY__A_IS_DEFAULT=true",
		"PW_MCP_PROXY__A__0_ENABLE_STEALTH=true",
		"PW_MCP_PROXY__A__0_HEADLESS=true",
	}
	ct, err := Load(environ)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	inst := ct.Pools[0].Instances[0]
	if inst.Headless == nil || !*inst.Headless {
		t.Fatal("explicit HEADLESS=true should survive the stealth macro")
	}
}

func TestBlobDefaults(t *testing.T) {
	ct, err := Load([]string{
		"PW_MCP_PROXY__A_INSTANCES=1",
		"PW_MCP_PROXY__A_IS_DEFAULT=true",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ct.BlobMaxSizeMB != 500 {
		t.Fatalf("BlobMaxSizeMB = %d, want default 500", ct.BlobMaxSizeMB)
	}
	if ct.BlobTTLHours != 24 {
		t.Fatalf("BlobTTLHours = %d, want default 24", ct.BlobTTLHours)
	}
}
