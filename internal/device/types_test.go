package device_test

import (
	"context"
	"testing"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/device/devicetest"
)

func TestDescribeParsesProperties(t *testing.T) {
	dev := devicetest.NewFakeDevice("emulator-5554")
	dev.SetProp("ro.sf.lcd_density", "420")
	dev.SetProp("ro.debuggable", "1")
	dev.SetProp("ro.kernel.qemu", "1")
	dev.SetProp("ro.boot.qemu.avd_name", "Pixel_7_API_33")
	dev.Respond("pm list features", "feature:android.hardware.touchscreen\nfeature:android.software.webview\nfeature:reqGlEsVersion=0x30002\n")

	desc, err := device.Describe(context.Background(), dev)
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if desc.APILevel != 33 || desc.Density != 420 || !desc.Debuggable || !desc.Virtual {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if len(desc.ABIs) != 2 || desc.ABIs[0] != "arm64-v8a" {
		t.Fatalf("abi list mismatch: %v", desc.ABIs)
	}
	if desc.AVDName != "Pixel_7_API_33" {
		t.Fatalf("avd name mismatch: %s", desc.AVDName)
	}
	if !desc.HasFeature("android.hardware.touchscreen") || !desc.HasFeature("reqGlEsVersion") {
		t.Fatalf("features mismatch: %v", desc.Features)
	}
}

func TestCanRun(t *testing.T) {
	desc := device.Descriptor{APILevel: 28, ABIs: []string{"x86_64"}, Features: []string{"android.hardware.camera"}}
	cases := []struct {
		name string
		req  device.Requirements
		ok   bool
	}{
		{"empty", device.Requirements{}, true},
		{"min api satisfied", device.Requirements{MinAPI: 26}, true},
		{"min api too high", device.Requirements{MinAPI: 30}, false},
		{"abi match", device.Requirements{ABIs: []string{"arm64-v8a", "x86_64"}}, true},
		{"abi mismatch", device.Requirements{ABIs: []string{"arm64-v8a"}}, false},
		{"feature missing", device.Requirements{Features: []string{"android.hardware.nfc"}}, false},
	}
	for _, tc := range cases {
		if got := device.CanRun(desc, tc.req); got.OK != tc.ok {
			t.Fatalf("%s: expected ok=%v, got %+v", tc.name, tc.ok, got)
		}
	}
}

func TestParseProperties(t *testing.T) {
	props := device.ParseProperties("[ro.a]: [1]\n[ro.b]: [hello world]\ngarbage\n[broken: [x]\n")
	if props["ro.a"] != "1" || props["ro.b"] != "hello world" {
		t.Fatalf("unexpected props: %v", props)
	}
	if len(props) != 2 {
		t.Fatalf("unexpected prop count: %d", len(props))
	}
}
