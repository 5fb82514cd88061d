package installcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/httprunner/LaunchAgent/internal/device/devicetest"
	"github.com/httprunner/LaunchAgent/internal/events"
	"github.com/httprunner/LaunchAgent/internal/storage"
)

func dumpsysOutput(pkg, lastUpdate string) string {
	return "Packages:\n" +
		"  Package [" + pkg + "] (5a1c2e):\n" +
		"    userId=10123\n" +
		"    versionName=1.0\n" +
		"    lastUpdateTime=" + lastUpdate + "\n" +
		"    User 0: ceDataInode=4242 installed=true hidden=false suspended=false\n" +
		"    User 10: ceDataInode=0 installed=false hidden=false suspended=false\n"
}

func writeAPK(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.apk")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestRecordThenIsInstalled(t *testing.T) {
	ctx := context.Background()
	dev := devicetest.NewFakeDevice("serial-1")
	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "2024-05-01 10:00:00"))
	apk := writeAPK(t, "v1")
	c := newCache(t)

	if c.IsInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser) {
		t.Fatal("empty cache must report not installed")
	}
	if err := c.RecordInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if !c.IsInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser) {
		t.Fatal("identical artifact should be reported installed")
	}
	if len(dev.Pushes()) != 0 {
		t.Fatal("cache must never push")
	}
}

func TestExternalReinstallInvalidates(t *testing.T) {
	ctx := context.Background()
	dev := devicetest.NewFakeDevice("serial-1")
	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "2024-05-01 10:00:00"))
	apk := writeAPK(t, "v1")
	c := newCache(t)
	if err := c.RecordInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "2024-05-01 11:30:00"))
	if c.IsInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser) {
		t.Fatal("changed lastUpdateTime must force reinstall")
	}
	if len(c.Records()) != 0 {
		t.Fatalf("stale record should be dropped, got %+v", c.Records())
	}
}

func TestUninstalledOrChangedArtifactNeedsInstall(t *testing.T) {
	ctx := context.Background()
	dev := devicetest.NewFakeDevice("serial-1")
	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "t1"))
	apk := writeAPK(t, "v1")
	c := newCache(t)
	if err := c.RecordInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	other := writeAPK(t, "v2")
	if c.IsInstalled(ctx, dev, []string{other}, "com.a", CurrentUser) {
		t.Fatal("different bytes must not match")
	}

	dev.Respond("dumpsys package com.a", "Unable to find package: com.a\n")
	if c.IsInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser) {
		t.Fatal("uninstalled package must not match")
	}
}

func TestQueryErrorMeansNeedsInstall(t *testing.T) {
	ctx := context.Background()
	dev := devicetest.NewFakeDevice("serial-1")
	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "t1"))
	apk := writeAPK(t, "v1")
	c := newCache(t)
	if err := c.RecordInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	dev.SetOnline(false)
	if c.IsInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser) {
		t.Fatal("query error must be treated as not installed")
	}
}

func TestUserScopedRecords(t *testing.T) {
	ctx := context.Background()
	dev := devicetest.NewFakeDevice("serial-1")
	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "t1"))
	apk := writeAPK(t, "v1")
	c := newCache(t)

	for _, user := range []int{0, 10} {
		if err := c.RecordInstalled(ctx, dev, []string{apk}, "com.a", user); err != nil {
			t.Fatalf("record user %d failed: %v", user, err)
		}
	}
	if !c.IsInstalled(ctx, dev, []string{apk}, "com.a", 0) {
		t.Fatal("user 0 has the package installed")
	}
	if c.IsInstalled(ctx, dev, []string{apk}, "com.a", 10) {
		t.Fatal("user 10 reports installed=false")
	}
}

func TestDisconnectEvictsRecords(t *testing.T) {
	ctx := context.Background()
	dev := devicetest.NewFakeDevice("serial-1")
	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "t1"))
	apk := writeAPK(t, "v1")
	c := newCache(t)
	if err := c.RecordInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	d := events.NewDispatcher()
	d.Start(ctx)
	defer d.Close()
	detach := c.Attach(d)
	defer detach()

	d.Publish(events.Event{Kind: events.DeviceConnected, Serial: "serial-1"})
	d.Flush()
	if len(c.Records()) != 1 {
		t.Fatal("connect must not evict")
	}
	d.Publish(events.Event{Kind: events.DeviceDisconnected, Serial: "serial-1"})
	d.Flush()
	if len(c.Records()) != 0 {
		t.Fatalf("disconnect should evict, got %+v", c.Records())
	}
	if c.IsInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser) {
		t.Fatal("evicted device must reinstall")
	}
}

func TestRecordsSurviveRestartWithStore(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	dev := devicetest.NewFakeDevice("serial-1")
	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "t1"))
	apk := writeAPK(t, "v1")

	first := newCache(t, WithStore(store))
	if err := first.RecordInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	second := newCache(t, WithStore(store))
	if !second.IsInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser) {
		t.Fatal("persisted record should be honoured")
	}
	second.Evict("serial-1")
	records, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("evict should clear persisted rows, got %+v", records)
	}
}

func TestDisconnectKeepsRecordsMadeAfterReconnect(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	dev := devicetest.NewFakeDevice("serial-1")
	dev.Respond("dumpsys package com.old", dumpsysOutput("com.old", "t1"))
	dev.Respond("dumpsys package com.a", dumpsysOutput("com.a", "t2"))
	apk := writeAPK(t, "v1")
	c := newCache(t, WithStore(store))
	if err := c.RecordInstalled(ctx, dev, []string{apk}, "com.old", CurrentUser); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	d := events.NewDispatcher()
	d.Start(ctx)
	defer d.Close()
	defer c.Attach(d)()

	// an install holds the device while the disconnect is handled
	unlock := c.LockDevice("serial-1")
	d.Publish(events.Event{Kind: events.DeviceDisconnected, Serial: "serial-1"})
	d.Flush()
	if err := c.RecordInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser); err != nil {
		t.Fatalf("record after reconnect failed: %v", err)
	}
	unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(records) == 1 && records[0].PackageName == "com.a" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected only the fresh record to survive, got %+v", records)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !newCache(t, WithStore(store)).IsInstalled(ctx, dev, []string{apk}, "com.a", CurrentUser) {
		t.Fatal("fresh record should survive a restart")
	}
}

func TestLockDeviceSerialisesSameDevice(t *testing.T) {
	c := newCache(t)
	unlock := c.LockDevice("a")
	acquired := make(chan struct{})
	go func() {
		u := c.LockDevice("a")
		close(acquired)
		u()
	}()
	// other devices are not blocked
	c.LockDevice("b")()
	select {
	case <-acquired:
		t.Fatal("second lock on the same device must wait")
	default:
	}
	unlock()
	<-acquired
}

func TestParseDumpsysStopsAtNextPackage(t *testing.T) {
	out := "  Package [com.a.test] (1):\n    lastUpdateTime=wrong\n" +
		dumpsysOutput("com.a", "right") +
		"  Package [com.b] (2):\n    lastUpdateTime=other\n"
	info := ParseDumpsys(out, "com.a")
	if !info.Installed || info.LastUpdateTime != "right" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !info.InstalledFor(0) || info.InstalledFor(10) {
		t.Fatalf("user flags mismatch: %+v", info.Users)
	}
}
