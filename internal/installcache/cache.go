// Package installcache decides whether an artifact already installed on a
// device can be reused without pushing it again.
package installcache

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/events"
	"github.com/httprunner/LaunchAgent/internal/storage"
)

// CurrentUser means no explicit --user was requested.
const CurrentUser = -1

type recordKey struct {
	pkg    string
	userID int
}

type entry struct {
	hash           string
	lastUpdateTime string
	recordedAt     time.Time
}

// Cache maps serial -> (package, user) -> install record. Entries are trusted
// only while the device still reports the recorded lastUpdateTime.
type Cache struct {
	hasher *artifact.Hasher
	store  *storage.Store

	mu      sync.Mutex
	entries map[string]map[recordKey]entry
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore persists records to store and preloads them.
func WithStore(store *storage.Store) Option {
	return func(c *Cache) { c.store = store }
}

// WithHasher replaces the default hasher.
func WithHasher(h *artifact.Hasher) Option {
	return func(c *Cache) {
		if h != nil {
			c.hasher = h
		}
	}
}

// New builds a cache. With a store, persisted records are loaded immediately.
func New(ctx context.Context, opts ...Option) (*Cache, error) {
	c := &Cache{
		hasher:  artifact.NewHasher(),
		entries: make(map[string]map[recordKey]entry),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		return c, nil
	}
	records, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		c.put(rec.Serial, recordKey{pkg: rec.PackageName, userID: rec.UserID}, entry{
			hash:           rec.ContentHash,
			lastUpdateTime: rec.LastUpdateTime,
			recordedAt:     rec.UpdatedAt,
		})
	}
	log.Debug().Int("records", len(records)).Msg("install cache loaded")
	return c, nil
}

// LockDevice serialises installs on one device and returns the unlock func.
func (c *Cache) LockDevice(serial string) func() {
	c.mu.Lock()
	l, ok := c.locks[serial]
	if !ok {
		l = &sync.Mutex{}
		c.locks[serial] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// IsInstalled reports whether paths are already installed as pkg on dev.
// Any query error counts as "needs install".
func (c *Cache) IsInstalled(ctx context.Context, dev device.Device, paths []string, pkg string, userID int) bool {
	serial := dev.Serial()
	c.mu.Lock()
	rec, ok := c.entries[serial][recordKey{pkg: pkg, userID: userID}]
	c.mu.Unlock()
	if !ok {
		return false
	}
	hash, err := c.hasher.HashAll(paths)
	if err != nil {
		log.Debug().Err(err).Str("package", pkg).Msg("hash artifact failed, reinstalling")
		return false
	}
	if hash != rec.hash {
		return false
	}
	info, err := QueryPackage(ctx, dev, pkg)
	if err != nil {
		log.Debug().Err(err).Str("serial", serial).Str("package", pkg).Msg("package query failed, reinstalling")
		return false
	}
	if !info.Installed || (userID != CurrentUser && !info.InstalledFor(userID)) {
		return false
	}
	if info.LastUpdateTime != rec.lastUpdateTime {
		log.Info().
			Str("serial", serial).
			Str("package", pkg).
			Str("recorded", rec.lastUpdateTime).
			Str("device", info.LastUpdateTime).
			Msg("package changed on device, cache entry invalidated")
		c.Invalidate(serial, pkg)
		return false
	}
	return true
}

// RecordInstalled stores the hash of paths together with the device's current
// lastUpdateTime for pkg. Call it only after a confirmed install.
func (c *Cache) RecordInstalled(ctx context.Context, dev device.Device, paths []string, pkg string, userID int) error {
	hash, err := c.hasher.HashAll(paths)
	if err != nil {
		return err
	}
	info, err := QueryPackage(ctx, dev, pkg)
	if err != nil {
		return err
	}
	if !info.Installed || info.LastUpdateTime == "" {
		return errors.Errorf("installcache: %s not reported installed on %s", pkg, dev.Serial())
	}
	e := entry{hash: hash, lastUpdateTime: info.LastUpdateTime, recordedAt: c.now()}
	c.put(dev.Serial(), recordKey{pkg: pkg, userID: userID}, e)
	if c.store != nil {
		err := c.store.Upsert(ctx, storage.Record{
			Serial:         dev.Serial(),
			PackageName:    pkg,
			UserID:         userID,
			ContentHash:    hash,
			LastUpdateTime: info.LastUpdateTime,
			UpdatedAt:      e.recordedAt,
		})
		if err != nil {
			log.Warn().Err(err).Str("serial", dev.Serial()).Msg("persist install record failed")
		}
	}
	return nil
}

func (c *Cache) put(serial string, key recordKey, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byPkg, ok := c.entries[serial]
	if !ok {
		byPkg = make(map[recordKey]entry)
		c.entries[serial] = byPkg
	}
	byPkg[key] = e
}

// Invalidate drops every record of pkg on serial.
func (c *Cache) Invalidate(serial, pkg string) {
	var users []int
	c.mu.Lock()
	for key := range c.entries[serial] {
		if key.pkg == pkg {
			users = append(users, key.userID)
			delete(c.entries[serial], key)
		}
	}
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	for _, user := range users {
		if err := c.store.Delete(context.Background(), serial, pkg, user); err != nil {
			log.Warn().Err(err).Str("serial", serial).Str("package", pkg).Msg("delete install record failed")
		}
	}
}

// Evict drops every record of serial.
func (c *Cache) Evict(serial string) {
	c.mu.Lock()
	_, had := c.entries[serial]
	delete(c.entries, serial)
	c.mu.Unlock()
	if had {
		log.Debug().Str("serial", serial).Msg("install cache evicted")
	}
	if c.store != nil {
		if _, err := c.store.DeleteDevice(context.Background(), serial); err != nil {
			log.Warn().Err(err).Str("serial", serial).Msg("delete device install records failed")
		}
	}
}

// Attach evicts a device's records when the dispatcher reports it gone.
// Store writes happen off the dispatch goroutine.
func (c *Cache) Attach(d *events.Dispatcher) (detach func()) {
	return d.Subscribe(func(evt events.Event) {
		if evt.Kind != events.DeviceDisconnected {
			return
		}
		c.mu.Lock()
		delete(c.entries, evt.Serial)
		c.mu.Unlock()
		if c.store != nil {
			go c.purgeStored(evt.Serial)
		}
	})
}

// purgeStored deletes the persisted rows of serial that predate its
// disconnect. Records made after the disconnect are already back in memory;
// they are written again after the delete so a reconnect that installed
// before this ran keeps its row.
func (c *Cache) purgeStored(serial string) {
	unlock := c.LockDevice(serial)
	defer unlock()
	ctx := context.Background()
	if _, err := c.store.DeleteDevice(ctx, serial); err != nil {
		log.Warn().Err(err).Str("serial", serial).Msg("delete device install records failed")
		return
	}
	for _, rec := range c.snapshot(serial) {
		if err := c.store.Upsert(ctx, rec); err != nil {
			log.Warn().Err(err).Str("serial", serial).Str("package", rec.PackageName).Msg("restore install record failed")
		}
	}
}

// Records returns a sorted snapshot of the in-memory records.
func (c *Cache) Records() []storage.Record {
	return c.snapshot("")
}

// snapshot copies the records of one device, or of every device when only is "".
func (c *Cache) snapshot(only string) []storage.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []storage.Record
	for serial, byPkg := range c.entries {
		if only != "" && serial != only {
			continue
		}
		for key, e := range byPkg {
			out = append(out, storage.Record{
				Serial:         serial,
				PackageName:    key.pkg,
				UserID:         key.userID,
				ContentHash:    e.hash,
				LastUpdateTime: e.lastUpdateTime,
				UpdatedAt:      e.recordedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Serial != out[j].Serial {
			return out[i].Serial < out[j].Serial
		}
		if out[i].PackageName != out[j].PackageName {
			return out[i].PackageName < out[j].PackageName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// PackageInfo is the subset of `dumpsys package` the cache relies on.
type PackageInfo struct {
	Installed      bool
	LastUpdateTime string
	// Users maps user id to its installed flag.
	Users map[int]bool
}

// InstalledFor reports the installed flag for userID.
func (p PackageInfo) InstalledFor(userID int) bool {
	return p.Users[userID]
}

// QueryPackage runs `dumpsys package <pkg>` on dev.
func QueryPackage(ctx context.Context, dev device.Device, pkg string) (PackageInfo, error) {
	out, err := dev.Shell(ctx, "dumpsys", "package", pkg)
	if err != nil {
		return PackageInfo{}, errors.Wrapf(err, "dumpsys package %s", pkg)
	}
	return ParseDumpsys(out, pkg), nil
}

// ParseDumpsys extracts install state of pkg from `dumpsys package` output.
func ParseDumpsys(out, pkg string) PackageInfo {
	info := PackageInfo{Users: make(map[int]bool)}
	header := fmt.Sprintf("Package [%s]", pkg)
	inPackage := false
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "Package [") {
			if inPackage {
				// next package block
				break
			}
			inPackage = strings.HasPrefix(line, header)
			if inPackage {
				info.Installed = true
			}
			continue
		}
		if !inPackage {
			continue
		}
		switch {
		case strings.HasPrefix(line, "lastUpdateTime="):
			info.LastUpdateTime = strings.TrimPrefix(line, "lastUpdateTime=")
		case strings.HasPrefix(line, "User "):
			var id int
			if _, err := fmt.Sscanf(line, "User %d:", &id); err != nil {
				continue
			}
			info.Users[id] = strings.Contains(line, "installed=true")
		}
	}
	return info
}
