// Package catalog stores compiled programs in a badger database, keyed by
// program name and sealed with a BLAKE2b-256 fingerprint of their encoding.
package catalog

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/sbl8/hostrt/model"
)

const keyPrefix = "prog/"

var (
	// ErrNotFound is returned for names not in the catalog.
	ErrNotFound = errors.New("catalog: program not found")
	// ErrCorrupt is returned when a stored entry fails its fingerprint check.
	ErrCorrupt = errors.New("catalog: fingerprint mismatch")
	// ErrNoName is returned when storing a program without a name.
	ErrNoName = errors.New("catalog: program has no name")
)

// Fingerprint is the BLAKE2b-256 digest of a serialized program.
type Fingerprint [blake2b.Size256]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns the first 12 hex digits.
func (f Fingerprint) Short() string { return f.String()[:12] }

// Entry describes a stored program.
type Entry struct {
	Name        string
	Fingerprint Fingerprint
	Size        int
}

// Catalog is a persistent program store. It is safe for concurrent use.
type Catalog struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens the catalog in dir, creating it if needed. An empty dir opens a
// catalog held in memory.
func Open(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening catalog %q", dir)
	}
	return &Catalog{db: db, log: logger.With("catalog", dir)}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return errors.Wrap(c.db.Close(), "closing catalog")
}

func key(name string) []byte { return []byte(keyPrefix + name) }

// Put stores p under p.Name, replacing any previous version, and returns its
// fingerprint.
func (c *Catalog) Put(p *model.Program) (Fingerprint, error) {
	if p.Name == "" {
		return Fingerprint{}, ErrNoName
	}
	data, err := p.Serialize()
	if err != nil {
		return Fingerprint{}, err
	}
	fp := Fingerprint(blake2b.Sum256(data))

	value := make([]byte, 0, len(fp)+len(data))
	value = append(value, fp[:]...)
	value = append(value, data...)
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(p.Name), value)
	})
	if err != nil {
		return Fingerprint{}, errors.Wrapf(err, "storing %q", p.Name)
	}
	c.log.Debug("program stored", "program", p.Name, "fingerprint", fp.Short(), "bytes", len(data))
	return fp, nil
}

// unseal checks a stored value and returns its fingerprint and program bytes.
func unseal(name string, value []byte) (Fingerprint, []byte, error) {
	var fp Fingerprint
	if len(value) < len(fp) {
		return fp, nil, errors.Wrapf(ErrCorrupt, "%q: entry of %d bytes", name, len(value))
	}
	copy(fp[:], value)
	data := value[len(fp):]
	if Fingerprint(blake2b.Sum256(data)) != fp {
		return fp, nil, errors.Wrapf(ErrCorrupt, "%q", name)
	}
	return fp, data, nil
}

// Get loads the program stored under name and verifies its fingerprint.
func (c *Catalog) Get(name string) (*model.Program, Fingerprint, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(name))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, Fingerprint{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	if err != nil {
		return nil, Fingerprint{}, errors.Wrapf(err, "loading %q", name)
	}

	fp, data, err := unseal(name, value)
	if err != nil {
		c.log.Warn("corrupt catalog entry", "program", name, "error", err)
		return nil, fp, err
	}
	p, err := model.Deserialize(data)
	if err != nil {
		return nil, fp, errors.Wrapf(err, "decoding %q", name)
	}
	return p, fp, nil
}

// List returns every stored program ordered by name. Corrupt entries are
// listed with a zero fingerprint.
func (c *Catalog) List() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), keyPrefix)
			err := item.Value(func(v []byte) error {
				fp, data, err := unseal(name, v)
				if err != nil {
					fp = Fingerprint{}
				}
				entries = append(entries, Entry{Name: name, Fingerprint: fp, Size: len(data)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing catalog")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Delete removes the program stored under name.
func (c *Catalog) Delete(name string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(name)); err != nil {
			return err
		}
		return txn.Delete(key(name))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	return errors.Wrapf(err, "deleting %q", name)
}

// badgerLogger forwards badger's log output to slog. Badger's info chatter
// goes to debug.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(format string, args ...any) { b.logf(slog.LevelError, format, args) }
func (b badgerLogger) Warningf(format string, args ...any) { b.logf(slog.LevelWarn, format, args) }
func (b badgerLogger) Infof(format string, args ...any) { b.logf(slog.LevelDebug, format, args) }
func (b badgerLogger) Debugf(format string, args ...any) { b.logf(slog.LevelDebug, format, args) }

func (b badgerLogger) logf(level slog.Level, format string, args []any) {
	ctx := context.Background()
	if !b.l.Enabled(ctx, level) {
		return
	}
	b.l.Log(ctx, level, strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
