package hypervisor

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/foundryops/cloneforge/internal/model"
	"github.com/foundryops/cloneforge/internal/transport"
)

const sampleDomainXML = `<domain type='kvm'>
  <name>web-01</name>
  <uuid>11111111-1111-1111-1111-111111111111</uuid>
  <memory unit='KiB'>4194304</memory>
  <vcpu>2</vcpu>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/libvirt/images/web-01_boot.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <interface type='bridge'>
      <mac address='52:54:00:12:34:56'/>
      <source bridge='br0'/>
      <target dev='vnet0'/>
    </interface>
  </devices>
</domain>`

type scriptedExec struct {
	responses map[string]transport.ExecResult
}

func (s *scriptedExec) Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error) {
	for prefix, res := range s.responses {
		if strings.HasPrefix(cmd, prefix) {
			return res, nil
		}
	}
	return transport.ExecResult{ExitCode: 1, Stderr: "no script for: " + cmd}, nil
}

func TestGetVM(t *testing.T) {
	exec := &scriptedExec{responses: map[string]transport.ExecResult{
		"virsh domstate 'web-01'": {ExitCode: 0, Stdout: "running\n"},
		"virsh dumpxml 'web-01'":  {ExitCode: 0, Stdout: sampleDomainXML},
		"qemu-img info":           {ExitCode: 0, Stdout: `{"virtual-size": 10737418240, "actual-size": 4294967296}`},
	}}
	a := &Adapter{Exec: exec}
	conn := &transport.Connection{Host: "host1"}

	vm, err := a.GetVM(context.Background(), conn, "web-01")
	if err != nil {
		t.Fatalf("GetVM returned error: %v", err)
	}
	if vm.Name != "web-01" {
		t.Errorf("Name = %q, want web-01", vm.Name)
	}
	if vm.State != model.RunStateRunning {
		t.Errorf("State = %q, want running", vm.State)
	}
	if len(vm.Disks) != 1 || vm.Disks[0].Path != "/var/lib/libvirt/images/web-01_boot.qcow2" {
		t.Fatalf("Disks = %+v", vm.Disks)
	}
	if vm.Disks[0].Size != 10737418240 {
		t.Errorf("Disks[0].Size = %d, want 10737418240 (from qemu-img info virtual-size)", vm.Disks[0].Size)
	}
	if len(vm.Interfaces) != 1 || vm.Interfaces[0].MAC != "52:54:00:12:34:56" {
		t.Fatalf("Interfaces = %+v", vm.Interfaces)
	}
}

func TestGetVMNotFound(t *testing.T) {
	exec := &scriptedExec{responses: map[string]transport.ExecResult{
		"virsh domstate 'ghost'": {ExitCode: 1, Stderr: "failed to get domain"},
	}}
	a := &Adapter{Exec: exec}
	conn := &transport.Connection{Host: "host1"}

	_, err := a.GetVM(context.Background(), conn, "ghost")
	if err == nil {
		t.Fatal("expected VMNotFound error")
	}
}

func TestVMExists(t *testing.T) {
	exec := &scriptedExec{responses: map[string]transport.ExecResult{
		"virsh domstate 'web-01'": {ExitCode: 0, Stdout: "shut off\n"},
		"virsh dumpxml 'web-01'":  {ExitCode: 0, Stdout: sampleDomainXML},
		"virsh domstate 'ghost'":  {ExitCode: 1},
		"qemu-img info":           {ExitCode: 0, Stdout: `{"virtual-size": 10737418240, "actual-size": 4294967296}`},
	}}
	a := &Adapter{Exec: exec}
	conn := &transport.Connection{Host: "host1"}

	exists, err := a.VMExists(context.Background(), conn, "web-01")
	if err != nil || !exists {
		t.Errorf("VMExists(web-01) = (%v, %v), want (true, nil)", exists, err)
	}
	exists, err = a.VMExists(context.Background(), conn, "ghost")
	if err != nil || exists {
		t.Errorf("VMExists(ghost) = (%v, %v), want (false, nil)", exists, err)
	}
}

func TestRewriteDefinitionChangesNameUUIDDisksMACs(t *testing.T) {
	diskPaths := map[string]string{
		"/var/lib/libvirt/images/web-01_boot.qcow2": "/var/lib/libvirt/images/web-02_web-01_boot.qcow2",
	}
	out, err := RewriteDefinition([]byte(sampleDomainXML), "web-02", diskPaths, false)
	if err != nil {
		t.Fatalf("RewriteDefinition returned error: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "<name>web-02</name>") {
		t.Errorf("rewritten definition missing new name: %s", s)
	}
	if strings.Contains(s, "11111111-1111-1111-1111-111111111111") {
		t.Error("rewritten definition kept the source UUID")
	}
	if !strings.Contains(s, "web-02_web-01_boot.qcow2") {
		t.Errorf("rewritten definition missing rewritten disk path: %s", s)
	}
	if strings.Contains(s, "52:54:00:12:34:56") {
		t.Error("rewritten definition kept the source MAC despite preserveMAC=false")
	}
}

func TestRewriteDefinitionPreservesMAC(t *testing.T) {
	out, err := RewriteDefinition([]byte(sampleDomainXML), "web-02", nil, true)
	if err != nil {
		t.Fatalf("RewriteDefinition returned error: %v", err)
	}
	if !strings.Contains(string(out), "52:54:00:12:34:56") {
		t.Error("rewritten definition should have preserved the source MAC")
	}
}

func TestRandomLocallyAdministeredMAC(t *testing.T) {
	mac, err := randomLocallyAdministeredMAC()
	if err != nil {
		t.Fatalf("randomLocallyAdministeredMAC returned error: %v", err)
	}
	firstOctet, err := strconv.ParseUint(mac[0:2], 16, 8)
	if err != nil {
		t.Fatalf("failed to parse first octet %q: %v", mac[0:2], err)
	}
	b := byte(firstOctet)
	if b&0x02 == 0 {
		t.Errorf("MAC %s is not marked locally-administered", mac)
	}
	if b&0x01 != 0 {
		t.Errorf("MAC %s is marked multicast, want unicast", mac)
	}
}

func TestCleanupVMIdempotentWhenAlreadyGone(t *testing.T) {
	exec := &scriptedExec{responses: map[string]transport.ExecResult{
		"virsh domstate 'ghost'": {ExitCode: 1},
	}}
	a := &Adapter{Exec: exec}
	conn := &transport.Connection{Host: "host1"}

	if err := a.CleanupVM(context.Background(), conn, "ghost"); err != nil {
		t.Errorf("CleanupVM on absent VM returned error: %v", err)
	}
}

