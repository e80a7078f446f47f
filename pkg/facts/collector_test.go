package facts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openfroyo/fleetplay/pkg/stores"
	"github.com/openfroyo/fleetplay/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

type mockRunner struct {
	outputs map[string]string
	err     error
}

func (m *mockRunner) Run(ctx context.Context, cmd string, opts ssh.RunOptions) (*ssh.ExecResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	out, ok := m.outputs[cmd]
	if !ok {
		return &ssh.ExecResult{ExitCode: 127, Stderr: "not found"}, nil
	}
	return &ssh.ExecResult{Stdout: out}, nil
}

type mockStore struct {
	mu    sync.Mutex
	facts map[string]*stores.Fact
}

func newMockStore() *mockStore {
	return &mockStore{facts: make(map[string]*stores.Fact)}
}

func (m *mockStore) UpsertFact(ctx context.Context, fact *stores.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[fact.TargetID+"/"+fact.Namespace] = fact
	return nil
}

func (m *mockStore) ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*stores.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*stores.Fact
	for _, f := range m.facts {
		if targetID != nil && f.TargetID != *targetID {
			continue
		}
		if namespace != nil && f.Namespace != *namespace {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

const cpuinfo = `processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU
processor	: 1
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU`

const meminfo = `MemTotal:        8192000 kB
MemFree:          102400 kB
MemAvailable:    4096000 kB
SwapTotal:       2097152 kB
SwapFree:        1048576 kB`

func linuxRunner() *mockRunner {
	return &mockRunner{outputs: map[string]string{
		"cat /etc/os-release 2>/dev/null || cat /etc/lsb-release 2>/dev/null": "NAME=\"Debian GNU/Linux\"\nVERSION=\"12 (bookworm)\"\nID=debian",
		"uname -r":          "6.1.0-18-amd64",
		"uname -m":          "x86_64",
		"hostname":          "web1",
		"cat /proc/cpuinfo": cpuinfo,
		"cat /proc/meminfo": meminfo,
	}}
}

func TestCollect(t *testing.T) {
	store := newMockStore()
	c := NewCollector(store, zerolog.Nop())

	res, err := c.Collect(context.Background(), "web1", linuxRunner(), []string{NamespaceOS, NamespaceCPU, NamespaceMemory, NamespaceDisk, "bogus"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	// df is missing from the runner so disk facts are skipped
	if res.Count != 3 {
		t.Fatalf("expected 3 fact types, got %d: %v", res.Count, res.Facts)
	}

	osFacts := res.Facts[NamespaceOS].(*OSFacts)
	if osFacts.Name != "Debian GNU/Linux" || osFacts.Version != "12 (bookworm)" {
		t.Errorf("unexpected os facts %+v", osFacts)
	}
	if osFacts.Kernel != "6.1.0-18-amd64" || osFacts.Arch != "x86_64" || osFacts.Hostname != "web1" {
		t.Errorf("unexpected uname facts %+v", osFacts)
	}

	cpu := res.Facts[NamespaceCPU].(*CPUFacts)
	if cpu.Cores != 2 || cpu.Vendor != "GenuineIntel" || cpu.Arch != "x86_64" {
		t.Errorf("unexpected cpu facts %+v", cpu)
	}

	mem := res.Facts[NamespaceMemory].(*MemoryFacts)
	if mem.TotalMB != 8000 || mem.AvailableMB != 4000 || mem.SwapFreeMB != 1024 {
		t.Errorf("unexpected memory facts %+v", mem)
	}

	if len(store.facts) != 3 {
		t.Fatalf("expected 3 stored facts, got %d", len(store.facts))
	}
	stored := store.facts["web1/"+NamespaceOS]
	if stored.ExpiresAt == nil || stored.TTL != 3600 {
		t.Errorf("expected default ttl, got %d", stored.TTL)
	}

	got, err := c.Get(context.Background(), "web1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	osMap, ok := got[NamespaceOS].(map[string]any)
	if !ok || osMap["hostname"] != "web1" {
		t.Errorf("unexpected stored os facts %v", got[NamespaceOS])
	}
}

func TestCollectConnectError(t *testing.T) {
	c := NewCollector(nil, zerolog.Nop())
	r := &mockRunner{err: &ssh.TransportError{Op: ssh.OpConnect, Err: errors.New("refused")}}

	if _, err := c.Collect(context.Background(), "web1", r, nil); !ssh.IsConnectError(err) {
		t.Errorf("expected connect error, got %v", err)
	}
}

func TestGetSkipsInventoryRecords(t *testing.T) {
	store := newMockStore()
	c := NewCollector(store, zerolog.Nop()).WithTTL(0)
	ctx := context.Background()

	if err := c.Put(ctx, "db1", NamespaceHostMetadata, map[string]string{"address": "10.0.0.5"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Put(ctx, "db1", "script.check", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if store.facts["db1/script.check"].ExpiresAt != nil {
		t.Error("expected no expiry with a zero ttl")
	}

	got, err := c.Get(ctx, "db1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got) != 1 || got["script.check"] == nil {
		t.Errorf("expected only the script fact, got %v", got)
	}
}

func TestParseDF(t *testing.T) {
	out := "/dev/sda1      ext4   98G   41G   52G  45% /\n/dev/sdb1      xfs   500G  100G  400G  20% /data\nshort line"
	facts := parseDF(out)
	if len(facts.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(facts.Devices))
	}
	root := facts.Devices[0]
	if root.Device != "/dev/sda1" || root.FSType != "ext4" || root.MountPoint != "/" {
		t.Errorf("unexpected device %+v", root)
	}
	if root.TotalGB != 98 || root.UsedGB != 41 || root.AvailableGB != 52 || root.UsePercent != 45 {
		t.Errorf("unexpected sizes %+v", root)
	}
}

func TestParseIPAddr(t *testing.T) {
	out := `1: lo    inet 127.0.0.1/8 scope host lo
2: eth0    inet 10.0.0.5/24 brd 10.0.0.255 scope global eth0
2: eth0    inet6 fe80::1/64 scope link
3: eth1    inet 192.168.1.2/24 scope global eth1`

	facts := parseIPAddr(out)
	if len(facts.Interfaces) != 2 {
		t.Fatalf("expected 2 interfaces, got %+v", facts.Interfaces)
	}
	eth0 := facts.Interfaces[0]
	if eth0.Name != "eth0" || len(eth0.IPAddresses) != 2 || eth0.IPAddresses[0] != "10.0.0.5" || eth0.IPAddresses[1] != "fe80::1" {
		t.Errorf("unexpected eth0 %+v", eth0)
	}
	if facts.Interfaces[1].Name != "eth1" {
		t.Errorf("expected interfaces sorted by name, got %s", facts.Interfaces[1].Name)
	}
}

func TestParseOSReleaseLSB(t *testing.T) {
	facts := parseOSRelease("DISTRIB_ID=Ubuntu\nDISTRIB_RELEASE=22.04")
	if facts.Name != "Ubuntu" || facts.Version != "22.04" {
		t.Errorf("unexpected facts %+v", facts)
	}
}
